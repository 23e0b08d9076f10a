// Package channels defines the contract between vigil and the messaging
// platforms it lives on, plus the plumbing every adapter shares: outbound
// chunking, transport error classification, and the adapter registry.
package channels

import (
	"context"
	"errors"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

// ApprovalResult is the user's answer to an interactive approval prompt.
type ApprovalResult string

const (
	ApprovalAllow       ApprovalResult = "allow"
	ApprovalAllowAlways ApprovalResult = "allow_always"
	ApprovalDeny        ApprovalResult = "deny"
)

// DefaultApprovalTimeout bounds how long an approval prompt stays
// answerable. Expiry resolves to deny.
const DefaultApprovalTimeout = 5 * time.Minute

// ErrApprovalUnsupported reports that a platform cannot render an
// interactive approval prompt. The prompt text has still been sent;
// the caller falls back to the plain-text handshake on the next
// inbound message.
var ErrApprovalUnsupported = errors.New("channels: interactive approval not supported")

// Handler receives every inbound message an adapter accepts. Adapters
// call it from their receive loop, so it must hand off quickly.
type Handler func(ctx context.Context, msg *models.Message)

// Adapter is the surface vigil speaks to a messaging platform through.
// Implementations retry recoverable transport errors internally and
// surface permanent ones as *Error.
type Adapter interface {
	// Platform identifies which platform this adapter serves.
	Platform() models.Platform

	// Start connects and begins delivering inbound messages to the
	// registered handler. It does not block.
	Start(ctx context.Context) error

	// Stop disconnects and waits for the receive loop to wind down,
	// up to the context deadline.
	Stop(ctx context.Context) error

	// OnMessage registers the single inbound handler. Call it before
	// Start; later calls replace the handler.
	OnMessage(h Handler)

	// SendMessage delivers text to a channel, splitting it into
	// platform-sized chunks. It returns the platform message id of
	// the last chunk sent.
	SendMessage(ctx context.Context, channelID, text string) (string, error)

	// SendTyping shows a typing indicator. Best-effort.
	SendTyping(ctx context.Context, channelID string) error

	// SendApprovalRequest renders the trust handshake on the channel
	// and blocks for the user's choice. Timeout and cancellation both
	// resolve to deny.
	SendApprovalRequest(ctx context.Context, channelID, prompt, key string, timeout time.Duration) (ApprovalResult, error)
}
