package telegram

import (
	"html"
	"regexp"
	"strings"
)

var (
	headerRe = regexp.MustCompile(`(?m)^#{1,6} +(.+)$`)
	codeRe   = regexp.MustCompile("`([^`\n]+)`")
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	linkRe   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
)

// FormatHTML renders the markdown subset the model actually emits as
// Telegram HTML. Anything else passes through escaped, never dropped.
func FormatHTML(text string) string {
	segs := splitFences(text)
	parts := make([]string, 0, len(segs))
	for _, seg := range segs {
		if seg.code {
			parts = append(parts, "<pre>"+html.EscapeString(seg.body)+"</pre>")
		} else {
			parts = append(parts, formatInline(seg.body))
		}
	}
	return strings.Join(parts, "\n")
}

type segment struct {
	body string
	code bool
}

// splitFences separates fenced code blocks from prose. Marker lines
// are consumed; an unclosed fence runs to the end of the text.
func splitFences(text string) []segment {
	var (
		segs    []segment
		current []string
		inCode  bool
	)
	flush := func(code bool) {
		if len(current) == 0 {
			return
		}
		segs = append(segs, segment{body: strings.Join(current, "\n"), code: code})
		current = nil
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			flush(inCode)
			inCode = !inCode
			continue
		}
		current = append(current, line)
	}
	flush(inCode)
	return segs
}

// formatInline escapes first, then rewrites markdown spans into tags.
// Escaping cannot touch the markers, so the order is safe.
func formatInline(text string) string {
	text = html.EscapeString(text)
	text = headerRe.ReplaceAllString(text, "<b>$1</b>")
	text = codeRe.ReplaceAllString(text, "<code>$1</code>")
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	return text
}
