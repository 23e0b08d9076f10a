package whatsapp

import (
	"fmt"
	"time"

	"github.com/vigil-dev/vigil/internal/channels"
)

// Config holds WhatsApp connection settings.
type Config struct {
	// StorePath is the sqlite file holding the pairing session and
	// encryption keys.
	StorePath string

	// AllowedJIDs limits inbound messages to these senders. Empty
	// accepts anyone, which is only sane on a freshly paired number.
	AllowedJIDs []string

	// MaxMessageSize caps outbound chunk length.
	MaxMessageSize int

	// ApprovalTimeout bounds how long a typed approval reply is
	// waited for.
	ApprovalTimeout time.Duration
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("whatsapp: store path is required")
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = channels.DefaultChunkSize
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = channels.DefaultApprovalTimeout
	}
	return nil
}
