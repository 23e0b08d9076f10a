package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

func TestBuildSystemPrompt_AllSections(t *testing.T) {
	prompt := BuildSystemPrompt(PromptData{
		AgentName:  "vigil",
		BasePrompt: "Be brief.",
		Timezone:   "UTC",
		Now:        time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
		CoreMemory: "## User\n\n- Prefers mornings",
		Projections: []*models.Projection{
			{Summary: "Dentist appointment", ResolvedWhen: "2025-06-03 14:00", Resolution: models.ResolutionExact},
			{Summary: "Ask about the trip", TriggerOnFact: "user mentions Portugal", Context: "they were planning flights\nsecond line"},
			{Summary: "Renew passport", Resolution: models.ResolutionSomeday},
		},
		Tools: []ToolSpec{
			{Name: "memory_search", Description: "Search archival memory.\nLong form details here.", Schema: json.RawMessage(`{}`)},
		},
	})

	for _, want := range []string{
		"You are vigil, a persistent personal assistant",
		"Current time: Monday 2025-06-02 09:30 (UTC).",
		"Be brief.",
		"## Core memory",
		"- Prefers mornings",
		"## Upcoming commitments",
		"- Dentist appointment (2025-06-03 14:00)",
		"- Ask about the trip (on: user mentions Portugal): they were planning flights",
		"- Renew passport (someday)",
		"## Tools",
		"- memory_search: Search archival memory.",
		"Reply with exactly NOOP",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q\n---\n%s", want, prompt)
		}
	}

	if strings.Contains(prompt, "Long form details") {
		t.Error("tool descriptions should be truncated to their first line")
	}
	if strings.Contains(prompt, "second line") {
		t.Error("projection context should be truncated to its first line")
	}
}

func TestBuildSystemPrompt_EmptySectionsOmitted(t *testing.T) {
	prompt := BuildSystemPrompt(PromptData{
		AgentName: "vigil",
		Now:       time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	})

	for _, absent := range []string{"## Core memory", "## Upcoming commitments", "## Tools"} {
		if strings.Contains(prompt, absent) {
			t.Errorf("prompt should omit %q when there is nothing to show", absent)
		}
	}
	if !strings.Contains(prompt, "Ground rules:") {
		t.Error("ground rules should always be present")
	}
}

func TestBuildSystemPrompt_TimezoneRendering(t *testing.T) {
	// 09:30 UTC is 18:30 in Tokyo.
	prompt := BuildSystemPrompt(PromptData{
		AgentName: "vigil",
		Timezone:  "Asia/Tokyo",
		Now:       time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	})
	if !strings.Contains(prompt, "18:30 (Asia/Tokyo)") {
		t.Errorf("prompt should render local time, got:\n%s", prompt)
	}

	// Garbage timezones fall back to UTC instead of failing the prompt.
	prompt = BuildSystemPrompt(PromptData{
		AgentName: "vigil",
		Timezone:  "Not/AZone",
		Now:       time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC),
	})
	if !strings.Contains(prompt, "09:30 (UTC)") {
		t.Errorf("prompt should fall back to UTC, got:\n%s", prompt)
	}
}
