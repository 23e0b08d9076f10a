// Package telegram adapts the Telegram Bot API to vigil's channel
// contract using long polling.
package telegram

import (
	"fmt"
	"time"

	"github.com/vigil-dev/vigil/internal/channels"
)

// Config holds Telegram adapter settings.
type Config struct {
	// Token is the bot token issued by BotFather.
	Token string

	// AllowedUsers restricts inbound handling to these Telegram user
	// ids. Empty accepts anyone; single-principal installs set one.
	AllowedUsers []int64

	// MaxMessageSize caps outbound chunk length in characters.
	MaxMessageSize int

	// RateLimit is the outbound send rate in messages per second.
	RateLimit float64

	// RateBurst is the burst capacity on top of RateLimit.
	RateBurst int

	// ApprovalTimeout bounds inline approval prompts. Expiry denies.
	ApprovalTimeout time.Duration
}

// Validate checks required settings and fills in defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = channels.DefaultChunkSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 30
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = channels.DefaultApprovalTimeout
	}
	return nil
}
