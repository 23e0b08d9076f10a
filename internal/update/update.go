// Package update checks the upstream release feed for a newer vigil
// build. The answer is cached on disk so the network is hit at most
// once per TTL regardless of restarts.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultFeedURL is the GitHub latest-release endpoint for vigil.
	DefaultFeedURL = "https://api.github.com/repos/vigil-dev/vigil/releases/latest"
	// DefaultTTL is how long a cached answer stays authoritative.
	DefaultTTL = 24 * time.Hour
)

// Result is the cached upstream version metadata.
type Result struct {
	CheckedAt time.Time `json:"checked_at"`
	Latest    string    `json:"latest"`
	URL       string    `json:"url,omitempty"`
}

// Checker resolves the newest published release, preferring the on-disk
// cache while it is fresh.
type Checker struct {
	path    string
	feedURL string
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithFeedURL overrides the release feed endpoint.
func WithFeedURL(u string) Option {
	return func(c *Checker) {
		if u != "" {
			c.feedURL = u
		}
	}
}

// WithTTL overrides the cache freshness window.
func WithTTL(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(logger *slog.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger.With("component", "update")
		}
	}
}

// WithCheckerNow overrides the clock.
func WithCheckerNow(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChecker creates a checker caching at cachePath.
func NewChecker(cachePath string, opts ...Option) *Checker {
	c := &Checker{
		path:    cachePath,
		feedURL: DefaultFeedURL,
		ttl:     DefaultTTL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With("component", "update"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the newest known release. A fresh cache short-circuits
// the network; a failed fetch falls back to whatever the cache holds.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	if cached, ok := c.readCache(); ok && c.now().Sub(cached.CheckedAt) < c.ttl {
		return cached, nil
	}
	res, err := c.fetch(ctx)
	if err != nil {
		if cached, ok := c.readCache(); ok {
			c.logger.Debug("update check failed, using cached answer", "error", err)
			return cached, nil
		}
		return Result{}, err
	}
	c.writeCache(res)
	return res, nil
}

func (c *Checker) fetch(ctx context.Context) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch release feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("release feed returned HTTP %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&release); err != nil {
		return Result{}, fmt.Errorf("parse release feed: %w", err)
	}
	if release.TagName == "" {
		return Result{}, errors.New("release feed returned no tag")
	}
	return Result{
		CheckedAt: c.now().UTC(),
		Latest:    release.TagName,
		URL:       release.HTMLURL,
	}, nil
}

func (c *Checker) readCache() (Result, bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Result{}, false
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil || r.Latest == "" {
		return Result{}, false
	}
	return r, true
}

func (c *Checker) writeCache(r Result) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		c.logger.Debug("update cache write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		c.logger.Debug("update cache write failed", "error", err)
	}
}

// Newer reports whether latest names a release ahead of current.
// Development builds and unparseable tags never report an update.
func Newer(current, latest string) bool {
	cur, ok := parseVersion(current)
	if !ok {
		return false
	}
	lat, ok := parseVersion(latest)
	if !ok {
		return false
	}
	for i := 0; i < 3; i++ {
		if lat[i] != cur[i] {
			return lat[i] > cur[i]
		}
	}
	return false
}

func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return out, false
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return out, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
