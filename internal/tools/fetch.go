package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/trust"
)

var _ agent.Tool = (*FetchTool)(nil)

const (
	defaultFetchMaxChars = 10000
	fetchBodyLimit       = 10 << 20 // 10MB
)

// FetchConfig controls fetch_url behavior.
type FetchConfig struct {
	// Timeout bounds the whole request. Zero means 30s.
	Timeout time.Duration
	// MaxChars caps the extracted text. Zero means 10000.
	MaxChars int
	// AllowPrivateHosts disables the private-address guard. Tests only.
	AllowPrivateHosts bool
}

// FetchTool fetches a URL and returns its readable text. HTML is
// reduced to title, description, and body text; scripts, styles, and
// chrome are stripped.
type FetchTool struct {
	cfg    FetchConfig
	client *http.Client
}

// NewFetchTool creates the fetch_url tool.
func NewFetchTool(cfg FetchConfig) *FetchTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultFetchMaxChars
	}
	return &FetchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *FetchTool) Name() string { return "fetch_url" }

func (t *FetchTool) Description() string {
	return "Fetch a URL and return its readable text content. HTML pages are reduced to title, description, and body text."
}

func (t *FetchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "URL to fetch (http or https)"},
			"max_chars": {"type": "integer", "description": "Cap on returned text length (default 10000)"}
		},
		"required": ["url"]
	}`)
}

func (t *FetchTool) Level() trust.Level { return trust.LevelElevated }
func (t *FetchTool) Capabilities() []trust.Capability {
	return []trust.Capability{trust.CapabilityNetwork}
}

func (t *FetchTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	target := strings.TrimSpace(params.URL)
	if target == "" {
		return toolError("url is required"), nil
	}
	if err := t.validateURL(target); err != nil {
		return toolError(err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return toolError("build request: " + err.Error()), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; VigilBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return toolError("fetch: " + err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return toolError(fmt.Sprintf("fetch %s: HTTP %d", target, resp.StatusCode)), nil
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "text/plain"),
		strings.Contains(contentType, "application/json"),
		strings.Contains(contentType, "text/"):
	default:
		return toolError("unsupported content type: " + contentType), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return toolError("read body: " + err.Error()), nil
	}

	text := string(body)
	if strings.Contains(contentType, "text/html") {
		text = extractReadable(text)
	}
	text = strings.TrimSpace(text)

	maxChars := t.cfg.MaxChars
	if params.MaxChars > 0 && params.MaxChars < maxChars {
		maxChars = params.MaxChars
	}
	if len(text) > maxChars {
		text = text[:maxChars] + "..."
	}
	if text == "" {
		return &agent.ToolResult{Content: "(no readable content)"}, nil
	}
	return &agent.ToolResult{Content: text}, nil
}

// validateURL rejects non-http schemes and hosts that resolve to
// private or reserved addresses, so the model cannot probe the local
// network through the fetcher.
func (t *FetchTool) validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if t.cfg.AllowPrivateHosts {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("host %s resolves to a private address", host)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

var (
	droppedTags  = []string{"script", "style", "noscript", "iframe", "svg", "nav", "header", "footer", "aside"}
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaDescRe   = regexp.MustCompile(`(?i)<meta[^>]*name=["']description["'][^>]*content=["']([^"']*)["']`)
	anyTagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	blockBreakRe = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|tr|blockquote)>|<br[^>]*>`)
	whitespaceRe = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// extractReadable reduces an HTML document to plain text: title and
// meta description up front, then body text with block elements turned
// into line breaks.
func extractReadable(html string) string {
	for _, tag := range droppedTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	var title, desc string
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		title = cleanText(m[1])
	}
	if m := metaDescRe.FindStringSubmatch(html); len(m) > 1 {
		desc = cleanText(m[1])
	}

	body := blockBreakRe.ReplaceAllString(html, "\n")
	body = anyTagRe.ReplaceAllString(body, " ")
	body = cleanText(body)

	var out strings.Builder
	if title != "" {
		out.WriteString("Title: " + title + "\n\n")
	}
	if desc != "" {
		out.WriteString(desc + "\n\n")
	}
	out.WriteString(body)
	return strings.TrimSpace(out.String())
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = whitespaceRe.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(s, "\n\n"))
}
