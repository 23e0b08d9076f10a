package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/pkg/models"
)

// PromptData is everything the system prompt is rebuilt from on each turn.
// Rebuilding from live state keeps the prompt consistent with core memory
// edits and projection changes made by earlier tool calls.
type PromptData struct {
	AgentName   string
	BasePrompt  string
	Timezone    string
	Now         time.Time
	CoreMemory  string
	Projections []*models.Projection
	Tools       []ToolSpec
}

// BuildSystemPrompt assembles the system prompt for one turn.
func BuildSystemPrompt(d PromptData) string {
	name := d.AgentName
	if name == "" {
		name = "vigil"
	}
	tz := datetime.ResolveTimezone(d.Timezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := d.Now.In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a persistent personal assistant reachable over chat.\n", name)
	fmt.Fprintf(&b, "Current time: %s (%s).\n", local.Format("Monday 2006-01-02 15:04"), tz)

	if base := strings.TrimSpace(d.BasePrompt); base != "" {
		b.WriteString("\n")
		b.WriteString(base)
		b.WriteString("\n")
	}

	if core := strings.TrimSpace(d.CoreMemory); core != "" {
		b.WriteString("\n## Core memory\n\n")
		b.WriteString(core)
		b.WriteString("\n")
	}

	if len(d.Projections) > 0 {
		b.WriteString("\n## Upcoming commitments\n\n")
		for _, p := range d.Projections {
			b.WriteString(formatProjectionLine(p))
			b.WriteString("\n")
		}
	}

	if len(d.Tools) > 0 {
		b.WriteString("\n## Tools\n\n")
		for _, t := range d.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, firstLine(t.Description))
		}
	}

	b.WriteString("\nGround rules:\n")
	b.WriteString("- Store durable facts about the user in archival memory; keep core memory short and current.\n")
	b.WriteString("- Record future commitments as projections instead of promising to remember.\n")
	fmt.Fprintf(&b, "- Scheduled check-ins arrive as system-generated messages. Reply with exactly %s when no message to the user is warranted.\n", NoopSentinel)

	return b.String()
}

func formatProjectionLine(p *models.Projection) string {
	when := p.ResolvedWhen
	switch {
	case p.TriggerOnFact != "":
		when = "on: " + p.TriggerOnFact
	case when == "":
		when = string(p.Resolution)
	}
	line := fmt.Sprintf("- %s (%s)", p.Summary, when)
	if p.Context != "" {
		line += ": " + firstLine(p.Context)
	}
	return line
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
