package agent

import (
	"regexp"
	"strings"
)

// NoopSentinel is the reply the model emits when it decides a scheduled
// prompt needs no user-facing message. The orchestrator swallows it.
const NoopSentinel = "NOOP"

// Some models leak chain-of-thought wrapped in pseudo-XML tags. Closed
// blocks are removed wholesale; an unclosed opening tag swallows the rest
// of the text, since everything after it is reasoning.
var (
	closedReasoningTag = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*?</(?:think|thinking|reasoning)>`)
	openReasoningTag   = regexp.MustCompile(`(?i)<(?:think|thinking|reasoning)>`)
)

// StripReasoning removes leaked reasoning blocks and trims the remainder.
func StripReasoning(text string) string {
	out := closedReasoningTag.ReplaceAllString(text, "")
	if loc := openReasoningTag.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	return strings.TrimSpace(out)
}

// IsNoop reports whether the text is exactly the silence sentinel.
func IsNoop(text string) bool {
	return strings.TrimSpace(text) == NoopSentinel
}
