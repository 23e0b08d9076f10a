// Package config loads and validates the vigil configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/vigil-dev/vigil/internal/datetime"
)

// Config is the top-level structure of config.yml.
type Config struct {
	Agent       AgentConfig                  `yaml:"agent"`
	Telegram    TelegramConfig               `yaml:"telegram"`
	WhatsApp    WhatsAppConfig               `yaml:"whatsapp"`
	Models      ModelsConfig                 `yaml:"models"`
	Tools       ToolsConfig                  `yaml:"tools"`
	Trust       TrustConfig                  `yaml:"trust"`
	Cron        []CronJobConfig              `yaml:"cron"`
	ActiveHours ActiveHoursConfig            `yaml:"active_hours"`
	Integration map[string]map[string]string `yaml:"integrations"`
	Logging     LoggingConfig                `yaml:"logging"`
}

// AgentConfig shapes the assistant's identity and model selection.
type AgentConfig struct {
	Name           string   `yaml:"name"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`
	Timezone       string   `yaml:"timezone"`
	// ReflectionModel runs the periodic extraction pass; empty falls back
	// to Model.
	ReflectionModel string `yaml:"reflection_model"`
}

type TelegramConfig struct {
	Token        string   `yaml:"token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

type WhatsAppConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedUsers []string `yaml:"allowed_users"`
}

type ModelsConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one LLM endpoint and the models it serves.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// API selects the wire protocol: "anthropic" or "openai".
	API    string        `yaml:"api"`
	Models []ModelConfig `yaml:"models"`
}

type ModelConfig struct {
	ID            string     `yaml:"id"`
	ContextWindow int        `yaml:"context_window"`
	MaxTokens     int        `yaml:"max_tokens"`
	Cost          CostConfig `yaml:"cost"`
}

// CostConfig is USD per million tokens.
type CostConfig struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"web_search"`
	FetchURL  FetchURLConfig  `yaml:"fetch_url"`
	Files     FilesConfig     `yaml:"files"`
	Shell     ShellConfig     `yaml:"shell"`
	Workers   WorkersConfig   `yaml:"workers"`
}

type WebSearchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SearxNGURL string `yaml:"searxng_url"`
}

type FetchURLConfig struct {
	Enabled   bool `yaml:"enabled"`
	TimeoutMS int  `yaml:"timeout_ms"`
}

type FilesConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseDir string `yaml:"base_dir"`
}

type ShellConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TrustConfig tunes the tool approval gate.
type TrustConfig struct {
	// Preapproved tools skip the handshake at any level.
	Preapproved []string `yaml:"preapproved"`
	// GuardrailModel enables the per-call LLM classifier on elevated
	// tools. Empty disables it.
	GuardrailModel string `yaml:"guardrail_model"`
}

type WorkersConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// CronJobConfig is a user-defined scheduled prompt.
type CronJobConfig struct {
	Schedule string `yaml:"schedule"`
	Message  string `yaml:"message"`
}

type ActiveHoursConfig struct {
	Timezone string `yaml:"timezone"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// DebugAddr exposes /metrics on this address when set, e.g.
	// "127.0.0.1:6060". Empty disables the listener.
	DebugAddr string `yaml:"debug_addr"`
}

// cronParser accepts the standard 5-field syntax plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ApplyDefaults fills unset fields that have sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "vigil"
	}
	if c.Agent.Timezone == "" {
		c.Agent.Timezone = "UTC"
	}
	if c.Tools.Workers.MaxConcurrent <= 0 {
		c.Tools.Workers.MaxConcurrent = 3
	}
	if c.Tools.FetchURL.TimeoutMS <= 0 {
		c.Tools.FetchURL.TimeoutMS = 30000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the fields that would otherwise fail deep inside the
// runtime: cron expressions, the active-hours window, and model references.
func (c *Config) Validate() error {
	for i, job := range c.Cron {
		if strings.TrimSpace(job.Schedule) == "" {
			return fmt.Errorf("cron[%d]: empty schedule", i)
		}
		if _, err := cronParser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("cron[%d]: invalid schedule %q: %w", i, job.Schedule, err)
		}
		if strings.TrimSpace(job.Message) == "" {
			return fmt.Errorf("cron[%d]: empty message", i)
		}
	}

	window := c.ActiveWindow()
	if err := window.Validate(); err != nil {
		return err
	}

	if c.Agent.Timezone != "" {
		if got := datetime.ResolveTimezone(c.Agent.Timezone); got != c.Agent.Timezone {
			return fmt.Errorf("agent.timezone: unknown timezone %q", c.Agent.Timezone)
		}
	}

	seen := map[string]bool{}
	for i, p := range c.Models.Providers {
		if p.Name == "" {
			return fmt.Errorf("models.providers[%d]: missing name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("models.providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.API {
		case "anthropic", "openai", "":
		default:
			return fmt.Errorf("models.providers[%d]: unknown api %q", i, p.API)
		}
	}

	if len(c.Models.Providers) > 0 {
		refs := []string{}
		if c.Agent.Model != "" {
			refs = append(refs, c.Agent.Model)
		}
		refs = append(refs, c.Agent.FallbackModels...)
		if c.Agent.ReflectionModel != "" {
			refs = append(refs, c.Agent.ReflectionModel)
		}
		if c.Trust.GuardrailModel != "" {
			refs = append(refs, c.Trust.GuardrailModel)
		}
		for _, ref := range refs {
			if _, _, ok := c.FindModel(ref); !ok {
				return fmt.Errorf("agent model %q not declared by any provider", ref)
			}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	return nil
}

// ActiveWindow converts the active-hours section into a checker.
func (c *Config) ActiveWindow() datetime.ActiveWindow {
	return datetime.ActiveWindow{
		Start:    c.ActiveHours.Start,
		End:      c.ActiveHours.End,
		Timezone: c.ActiveHours.Timezone,
	}
}

// FindModel resolves a model id to its declaration and owning provider.
func (c *Config) FindModel(id string) (*ModelConfig, *ProviderConfig, bool) {
	for pi := range c.Models.Providers {
		p := &c.Models.Providers[pi]
		for mi := range p.Models {
			if p.Models[mi].ID == id {
				return &p.Models[mi], p, true
			}
		}
	}
	return nil, nil, false
}

// ModelChain returns the primary model followed by the fallbacks, deduplicated.
func (c *Config) ModelChain() []string {
	chain := make([]string, 0, 1+len(c.Agent.FallbackModels))
	seen := map[string]bool{}
	for _, m := range append([]string{c.Agent.Model}, c.Agent.FallbackModels...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		chain = append(chain, m)
	}
	return chain
}
