package channels

import (
	"strings"
	"unicode"
)

// DefaultChunkSize leaves headroom under the strictest platform cap
// (Telegram's 4096): closing a split code fence adds a few bytes on
// top of the cut.
const DefaultChunkSize = 4000

// Chunker splits outbound text into pieces a platform will accept.
// Cuts prefer, in order: paragraph breaks, line breaks, sentence
// endings, then a hard cut at MaxSize. A cut inside a fenced code
// block closes the fence and reopens it in the next chunk so every
// piece renders as code.
type Chunker struct {
	MaxSize int
}

// NewChunker returns a Chunker with the given size cap. Sizes below 64
// are raised to 64 so fence reopening always makes forward progress.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if maxSize < 64 {
		maxSize = 64
	}
	return &Chunker{MaxSize: maxSize}
}

// Split breaks text into chunks of at most MaxSize characters, plus a
// trailing fence line on chunks that cut a code block open.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > c.MaxSize {
		fences := fenceSpans(remaining)
		cut := c.cutPoint(remaining, fences)
		if cut <= 0 {
			cut = c.MaxSize
		}

		chunk := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		if open := openFenceAt(fences, cut); open != nil {
			chunk += "\n" + open.marker
			reopen := open.openLine
			if len(reopen)+1 >= c.MaxSize/2 {
				reopen = open.marker
			}
			remaining = reopen + "\n" + strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		} else {
			remaining = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
		}

		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// cutPoint picks where to cut text that exceeds MaxSize.
func (c *Chunker) cutPoint(text string, fences []fenceSpan) int {
	window := text[:c.MaxSize]

	// Inside a code block the only acceptable soft cut is a full line
	// of code.
	if f := openFenceAt(fences, c.MaxSize); f != nil {
		body := f.from + len(f.openLine) + 1
		if body > 0 && body < len(window) {
			if idx := strings.LastIndex(window[body:], "\n"); idx > 0 {
				return body + idx + 1
			}
		}
		return c.MaxSize
	}

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	for _, end := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(window, end); idx > 0 {
			return idx + 1
		}
	}
	return c.MaxSize
}

// fenceSpan marks one fenced code block inside a text.
type fenceSpan struct {
	from     int    // offset of the opening fence line
	to       int    // offset just past the closing fence line; len(text) when unclosed
	marker   string // ``` or ~~~
	openLine string // full opening line, including any language tag
}

func fenceSpans(text string) []fenceSpan {
	var spans []fenceSpan
	var open *fenceSpan

	pos := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case open == nil && (strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")):
			open = &fenceSpan{from: pos, to: -1, marker: trimmed[:3], openLine: line}
		case open != nil && strings.HasPrefix(trimmed, open.marker):
			open.to = pos + len(line)
			spans = append(spans, *open)
			open = nil
		}
		pos += len(line) + 1
	}
	if open != nil {
		open.to = len(text)
		spans = append(spans, *open)
	}
	return spans
}

// openFenceAt returns the fence a cut at the given offset would split,
// or nil when the cut is safe.
func openFenceAt(spans []fenceSpan, cut int) *fenceSpan {
	for i := range spans {
		if spans[i].from < cut && cut < spans[i].to {
			return &spans[i]
		}
	}
	return nil
}
