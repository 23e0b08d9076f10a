package trust

import (
	"context"
	"encoding/json"
	"regexp"
)

// Verdict is the guardrail's classification of one elevated call.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictAsk   Verdict = "ASK"
	VerdictBlock Verdict = "BLOCK"
)

// Guardrail classifies an elevated tool call given its arguments and the
// last user message. Implementations typically wrap a small LLM call.
type Guardrail interface {
	Classify(ctx context.Context, tool string, arguments json.RawMessage, lastUserMessage string) (Verdict, error)
}

var verdictPattern = regexp.MustCompile(`\b(ALLOW|ASK|BLOCK)\b`)

// ParseVerdict extracts a verdict from free-form model output. BLOCK
// wins over ASK wins over ALLOW when several appear; unparseable output
// fails safe to ASK.
func ParseVerdict(response string) Verdict {
	matches := verdictPattern.FindAllString(response, -1)
	if len(matches) == 0 {
		return VerdictAsk
	}
	verdict := VerdictAllow
	for _, m := range matches {
		switch Verdict(m) {
		case VerdictBlock:
			return VerdictBlock
		case VerdictAsk:
			verdict = VerdictAsk
		}
	}
	return verdict
}
