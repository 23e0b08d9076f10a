package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPattern matches ${NAME} where NAME is upper-case with digits and
// underscores. Lower-case placeholders like ${city} belong to prompt
// templates and pass through untouched.
var envPattern = regexp.MustCompile(`\$\{([A-Z][A-Z0-9_]*)\}`)

// Load reads, substitutes, strictly decodes, defaults, and validates
// the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML bytes. Unknown keys are rejected so typos
// surface at startup instead of as silently ignored settings.
func Parse(raw []byte) (*Config, error) {
	substituted := expandEnv(raw)

	dec := yaml.NewDecoder(bytes.NewReader(substituted))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv substitutes ${UPPER_CASE} references that resolve to a set
// environment variable. Unset names stay literal.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		if value, ok := os.LookupEnv(string(name)); ok {
			return []byte(value)
		}
		return match
	})
}

// InjectIntegrations exports integrations.<name>.<key> entries as
// environment variables named <NAME>_<KEY>. Existing variables win.
func (c *Config) InjectIntegrations() error {
	for name, kv := range c.Integration {
		for key, value := range kv {
			envName := integrationEnvName(name, key)
			if _, exists := os.LookupEnv(envName); exists {
				continue
			}
			if err := os.Setenv(envName, value); err != nil {
				return fmt.Errorf("set %s: %w", envName, err)
			}
		}
	}
	return nil
}

func integrationEnvName(integration, key string) string {
	clean := func(s string) string {
		s = strings.ToUpper(s)
		return strings.Map(func(r rune) rune {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return '_'
		}, s)
	}
	return clean(integration) + "_" + clean(key)
}
