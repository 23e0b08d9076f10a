package trust

import "strings"

// HandshakeOutcome is the parsed meaning of a user's reply to a pending
// approval.
type HandshakeOutcome int

const (
	// OutcomeNone means the text is not an approval phrase at all.
	OutcomeNone HandshakeOutcome = iota
	OutcomeApproveOnce
	OutcomeApproveAlways
	OutcomeDeny
)

var (
	alwaysPhrases = map[string]bool{
		"always":         true,
		"always allow":   true,
		"allow always":   true,
		"yes always":     true,
		"approve always": true,
	}
	oncePhrases = map[string]bool{
		"yes":      true,
		"y":        true,
		"ok":       true,
		"okay":     true,
		"sure":     true,
		"yep":      true,
		"yeah":     true,
		"allow":    true,
		"approve":  true,
		"go ahead": true,
		"do it":    true,
	}
	denyPhrases = map[string]bool{
		"no":     true,
		"n":      true,
		"nope":   true,
		"deny":   true,
		"don't":  true,
		"dont":   true,
		"stop":   true,
		"block":  true,
		"never":  true,
		"cancel": true,
	}
)

// ParseHandshake classifies a user message as an approval response.
// Only unambiguous whole-phrase answers count; anything else returns
// OutcomeNone and flows to the agent as a normal message.
func ParseHandshake(text string) HandshakeOutcome {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!?")
	normalized = strings.Join(strings.Fields(normalized), " ")

	switch {
	case alwaysPhrases[normalized]:
		return OutcomeApproveAlways
	case oncePhrases[normalized]:
		return OutcomeApproveOnce
	case denyPhrases[normalized]:
		return OutcomeDeny
	}
	return OutcomeNone
}
