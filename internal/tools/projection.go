package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/pkg/models"
)

var (
	_ agent.Tool = (*ProjectionAddTool)(nil)
	_ agent.Tool = (*ProjectionListTool)(nil)
	_ agent.Tool = (*ProjectionResolveTool)(nil)
	_ agent.Tool = (*ProjectionLinkTool)(nil)
)

// ProjectionAddTool records a future commitment.
type ProjectionAddTool struct {
	projections projection.Store
}

// NewProjectionAddTool creates the projection_add tool.
func NewProjectionAddTool(projections projection.Store) *ProjectionAddTool {
	return &ProjectionAddTool{projections: projections}
}

func (t *ProjectionAddTool) Name() string { return "projection_add" }

func (t *ProjectionAddTool) Description() string {
	return "Record a future commitment, expectation, or thing to watch for. Give exactly one anchor: a when time, a trigger_on_fact phrase, or resolution someday. Exact times surface a reminder at that minute; day/week/month items appear in the daily review."
}

func (t *ProjectionAddTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "Short description of what is expected to happen"},
			"when": {"type": "string", "description": "UTC time as '2006-01-02 15:04' or day as '2006-01-02' (omit for trigger or someday items)"},
			"raw_when": {"type": "string", "description": "The user's original phrasing of the time, verbatim"},
			"resolution": {"type": "string", "enum": ["exact", "day", "week", "month", "someday"], "description": "How precisely the time is known"},
			"recurrence": {"type": "string", "description": "5-field cron expression for repeating items (e.g. '0 9 * * 1' = Mondays 09:00)"},
			"trigger_on_fact": {"type": "string", "description": "Activate when an archived fact matches this phrase, instead of at a time"},
			"context": {"type": "string", "description": "Background needed to act on this later"},
			"depends_on": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"id": {"type": "string", "description": "Projection id this one waits on"},
						"condition": {"type": "string", "enum": ["done", "cancelled", "passed", "any-terminal"], "description": "Which outcome releases it (default any-terminal)"}
					},
					"required": ["id"]
				},
				"description": "Projections that must settle before this one becomes due"
			}
		},
		"required": ["summary"]
	}`)
}

func (t *ProjectionAddTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *ProjectionAddTool) Capabilities() []trust.Capability { return nil }

func (t *ProjectionAddTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Summary       string `json:"summary"`
		When          string `json:"when"`
		RawWhen       string `json:"raw_when"`
		Resolution    string `json:"resolution"`
		Recurrence    string `json:"recurrence"`
		TriggerOnFact string `json:"trigger_on_fact"`
		Context       string `json:"context"`
		DependsOn     []struct {
			ID        string `json:"id"`
			Condition string `json:"condition"`
		} `json:"depends_on"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Summary) == "" {
		return toolError("summary is required"), nil
	}

	p := &models.Projection{
		Summary:       strings.TrimSpace(params.Summary),
		RawWhen:       strings.TrimSpace(params.RawWhen),
		ResolvedWhen:  strings.TrimSpace(params.When),
		Resolution:    models.Resolution(params.Resolution),
		Recurrence:    strings.TrimSpace(params.Recurrence),
		TriggerOnFact: strings.TrimSpace(params.TriggerOnFact),
		Context:       strings.TrimSpace(params.Context),
	}
	if p.Resolution == "" && p.ResolvedWhen != "" {
		if len(p.ResolvedWhen) == len("2006-01-02") {
			p.Resolution = models.ResolutionDay
		} else {
			p.Resolution = models.ResolutionExact
		}
	}

	var deps []models.ProjectionDependency
	for _, d := range params.DependsOn {
		if strings.TrimSpace(d.ID) == "" {
			return toolError("depends_on entries need an id"), nil
		}
		deps = append(deps, models.ProjectionDependency{
			SubjectID: strings.TrimSpace(d.ID),
			Condition: models.DependencyCondition(d.Condition),
		})
	}

	id, err := t.projections.Add(ctx, p, deps)
	if err != nil {
		return toolError("add projection: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Projection %s recorded: %s", id, p.Summary)}, nil
}

// ProjectionListTool lists projections.
type ProjectionListTool struct {
	projections projection.Store
}

// NewProjectionListTool creates the projection_list tool.
func NewProjectionListTool(projections projection.Store) *ProjectionListTool {
	return &ProjectionListTool{projections: projections}
}

func (t *ProjectionListTool) Name() string { return "projection_list" }

func (t *ProjectionListTool) Description() string {
	return "List open projections, soonest first. Set include_resolved to also see settled ones."
}

func (t *ProjectionListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"include_resolved": {"type": "boolean", "description": "Also list done, cancelled, and passed projections"}
		}
	}`)
}

func (t *ProjectionListTool) Level() trust.Level               { return trust.LevelSafe }
func (t *ProjectionListTool) Capabilities() []trust.Capability { return nil }

func (t *ProjectionListTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		IncludeResolved bool `json:"include_resolved"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	list, err := t.projections.List(ctx, params.IncludeResolved)
	if err != nil {
		return toolError("list projections: " + err.Error()), nil
	}
	if len(list) == 0 {
		return &agent.ToolResult{Content: "No projections."}, nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d projection(s):\n", len(list))
	for _, p := range list {
		out.WriteString("- " + describeProjection(p) + "\n")
	}
	return &agent.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}

func describeProjection(p *models.Projection) string {
	var when string
	switch {
	case p.ResolvedWhen != "":
		when = p.ResolvedWhen
		if p.Recurrence != "" {
			when += " (repeats " + p.Recurrence + ")"
		}
	case p.TriggerOnFact != "":
		when = "on fact: " + p.TriggerOnFact
	default:
		when = "someday"
	}
	s := fmt.Sprintf("[%s] %s | %s (id %s)", p.Status, p.Summary, when, p.ID)
	if p.RawWhen != "" && p.RawWhen != p.ResolvedWhen {
		s += fmt.Sprintf(" [said: %q]", p.RawWhen)
	}
	return s
}

// ProjectionResolveTool settles a projection.
type ProjectionResolveTool struct {
	projections projection.Store
}

// NewProjectionResolveTool creates the projection_resolve tool.
func NewProjectionResolveTool(projections projection.Store) *ProjectionResolveTool {
	return &ProjectionResolveTool{projections: projections}
}

func (t *ProjectionResolveTool) Name() string { return "projection_resolve" }

func (t *ProjectionResolveTool) Description() string {
	return "Settle a projection: done when it happened, cancelled when it no longer applies, passed when its moment went by unobserved. Settling releases anything that depends on it."
}

func (t *ProjectionResolveTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Projection id"},
			"outcome": {"type": "string", "enum": ["done", "cancelled", "passed"], "description": "How it settled"}
		},
		"required": ["id", "outcome"]
	}`)
}

func (t *ProjectionResolveTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *ProjectionResolveTool) Capabilities() []trust.Capability { return nil }

func (t *ProjectionResolveTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return toolError("id is required"), nil
	}
	outcome := models.ProjectionStatus(params.Outcome)
	switch outcome {
	case models.ProjectionDone, models.ProjectionCancelled, models.ProjectionPassed:
	default:
		return toolError("outcome must be done, cancelled, or passed"), nil
	}

	resolved, err := t.projections.Resolve(ctx, id, outcome)
	if err != nil {
		return toolError("resolve: " + err.Error()), nil
	}
	if !resolved {
		return toolError("projection not found or already settled: " + id), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Projection %s settled as %s.", id, outcome)}, nil
}

// ProjectionLinkTool adds a dependency edge between two existing
// projections.
type ProjectionLinkTool struct {
	projections projection.Store
}

// NewProjectionLinkTool creates the projection_link tool.
func NewProjectionLinkTool(projections projection.Store) *ProjectionLinkTool {
	return &ProjectionLinkTool{projections: projections}
}

func (t *ProjectionLinkTool) Name() string { return "projection_link" }

func (t *ProjectionLinkTool) Description() string {
	return "Make one projection wait on another. The observer becomes due only after the subject settles with the given outcome."
}

func (t *ProjectionLinkTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"observer_id": {"type": "string", "description": "Projection that waits"},
			"subject_id": {"type": "string", "description": "Projection it waits on"},
			"condition": {"type": "string", "enum": ["done", "cancelled", "passed", "any-terminal"], "description": "Which outcome releases the observer (default any-terminal)"}
		},
		"required": ["observer_id", "subject_id"]
	}`)
}

func (t *ProjectionLinkTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *ProjectionLinkTool) Capabilities() []trust.Capability { return nil }

func (t *ProjectionLinkTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ObserverID string `json:"observer_id"`
		SubjectID  string `json:"subject_id"`
		Condition  string `json:"condition"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	observer := strings.TrimSpace(params.ObserverID)
	subject := strings.TrimSpace(params.SubjectID)
	if observer == "" || subject == "" {
		return toolError("observer_id and subject_id are required"), nil
	}
	condition := models.DependencyCondition(params.Condition)
	if condition == "" {
		condition = models.CondAnyTerminal
	}

	if err := t.projections.LinkDependency(ctx, observer, subject, condition); err != nil {
		return toolError("link: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Projection %s now waits on %s (%s).", observer, subject, condition)}, nil
}
