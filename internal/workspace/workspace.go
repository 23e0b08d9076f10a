// Package workspace owns the on-disk layout of a vigil data directory.
// Every other package resolves paths through it instead of joining
// fragments ad hoc.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is a rooted data directory.
type Workspace struct {
	Root string
}

// New resolves root into an absolute workspace. The directory does not
// have to exist yet; Bootstrap creates it.
func New(root string) (*Workspace, error) {
	base := strings.TrimSpace(root)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".vigil")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &Workspace{Root: abs}, nil
}

func (w *Workspace) ConfigPath() string         { return filepath.Join(w.Root, "config.yml") }
func (w *Workspace) CoreMemoryPath() string     { return filepath.Join(w.Root, "core-memory.md") }
func (w *Workspace) TrustApprovalsPath() string { return filepath.Join(w.Root, "trust-approvals.json") }
func (w *Workspace) HistoryDir() string         { return filepath.Join(w.Root, "history") }
func (w *Workspace) LogsDir() string            { return filepath.Join(w.Root, "logs") }
func (w *Workspace) UsageDir() string           { return filepath.Join(w.Root, "usage") }
func (w *Workspace) WorkersDir() string         { return filepath.Join(w.Root, "workers") }
func (w *Workspace) WhatsAppStorePath() string  { return filepath.Join(w.Root, "whatsapp.db") }
func (w *Workspace) UpdateCheckPath() string    { return filepath.Join(w.Root, ".update-check") }

// UserDir is the per-user store directory.
func (w *Workspace) UserDir(userID string) string {
	return filepath.Join(w.Root, "users", sanitizeComponent(userID))
}

func (w *Workspace) MemoryDBPath(userID string) string {
	return filepath.Join(w.UserDir(userID), "memory.db")
}

func (w *Workspace) ProjectionsDBPath(userID string) string {
	return filepath.Join(w.UserDir(userID), "projections.db")
}

// WorkerDir is the working directory for one background worker.
func (w *Workspace) WorkerDir(workerID string) string {
	return filepath.Join(w.WorkersDir(), sanitizeComponent(workerID))
}

// BootstrapResult captures what Bootstrap created versus found in place.
type BootstrapResult struct {
	Created []string
	Skipped []string
}

// Bootstrap creates the directory skeleton and seeds the files a fresh
// deployment needs. Existing files are never overwritten.
func (w *Workspace) Bootstrap() (BootstrapResult, error) {
	result := BootstrapResult{}

	dirs := []string{
		w.Root,
		filepath.Join(w.Root, "users"),
		w.HistoryDir(),
		w.LogsDir(),
		w.UsageDir(),
		w.WorkersDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return result, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	seeds := []struct {
		path    string
		content string
	}{
		{w.CoreMemoryPath(), defaultCoreMemory},
		{w.ConfigPath(), defaultConfig},
	}
	for _, seed := range seeds {
		if _, err := os.Stat(seed.path); err == nil {
			result.Skipped = append(result.Skipped, seed.path)
			continue
		} else if !os.IsNotExist(err) {
			return result, fmt.Errorf("stat %s: %w", seed.path, err)
		}
		if err := os.WriteFile(seed.path, []byte(seed.content), 0o600); err != nil {
			return result, fmt.Errorf("seed %s: %w", seed.path, err)
		}
		result.Created = append(result.Created, seed.path)
	}

	return result, nil
}

// EnsureUserDirs creates the per-user store directory.
func (w *Workspace) EnsureUserDirs(userID string) error {
	if err := os.MkdirAll(w.UserDir(userID), 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	return nil
}

// EnsureWorkerDir creates a worker's working directory and returns it.
func (w *Workspace) EnsureWorkerDir(workerID string) (string, error) {
	dir := w.WorkerDir(workerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create worker dir: %w", err)
	}
	return dir, nil
}

// sanitizeComponent keeps ids usable as directory names.
func sanitizeComponent(s string) string {
	if s == "" || strings.Trim(s, ".") == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

const defaultCoreMemory = `# Core Memory

## User
(nothing recorded yet)

## Preferences
(nothing recorded yet)

## Current Focus
(nothing recorded yet)
`

const defaultConfig = `# vigil configuration
agent:
  name: vigil
  timezone: UTC
  # model: claude-sonnet-4-5

# telegram:
#   token: "${TELEGRAM_BOT_TOKEN}"
#   allowed_users: []

# models:
#   providers:
#     - name: anthropic
#       api: anthropic
#       api_key: "${ANTHROPIC_API_KEY}"
#       models:
#         - id: claude-sonnet-4-5
`
