package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"syscall"

	"github.com/vigil-dev/vigil/pkg/models"
)

// ErrorCode buckets transport failures by how the caller should react.
type ErrorCode string

const (
	ErrCodeConnection ErrorCode = "connection"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeRateLimit  ErrorCode = "rate_limit"
	ErrCodeAuth       ErrorCode = "auth"
	ErrCodeInvalid    ErrorCode = "invalid"
	ErrCodePermanent  ErrorCode = "permanent"
)

// Error is a classified transport failure from a channel adapter.
type Error struct {
	Platform models.Platform
	Code     ErrorCode
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Platform, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether retrying the same call can succeed.
func (e *Error) Recoverable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeRateLimit:
		return true
	}
	return false
}

// Message text is the only classification signal some transports leave,
// so the string matching is centralised here; adapters never grep error
// strings themselves.
var (
	rateLimitRe  = regexp.MustCompile(`(?i)too many requests|rate.?limit|\b429\b`)
	fileTooBigRe = regexp.MustCompile(`(?i)file (is )?too (big|large)|request entity too large|\b413\b`)
	authRe       = regexp.MustCompile(`(?i)unauthorized|forbidden|invalid token|\b401\b|\b403\b`)
	timeoutRe    = regexp.MustCompile(`(?i)etimedout|timed? ?out|deadline exceeded|aborterror`)
	transientRe  = regexp.MustCompile(`(?i)econnreset|econnrefused|enotfound|epipe|und_err_|connection (reset|refused|closed)|broken pipe|no such host|unexpected eof`)
	clientErrRe  = regexp.MustCompile(`\b4\d\d\b`)
	serverErrRe  = regexp.MustCompile(`\b5\d\d\b`)
)

// Classify buckets a raw transport error. Recoverable codes are
// connection, timeout, and rate_limit; everything else is permanent
// and must be surfaced rather than retried. Already-classified errors
// pass through unchanged.
func Classify(platform models.Platform, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	wrap := func(code ErrorCode, msg string) *Error {
		return &Error{Platform: platform, Code: code, Message: msg, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrap(ErrCodeTimeout, "request aborted")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(ErrCodeTimeout, "network timeout")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wrap(ErrCodeConnection, "dns lookup failed")
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return wrap(ErrCodeConnection, "connection failed")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return wrap(ErrCodeConnection, "connection closed")
	case errors.Is(err, syscall.ETIMEDOUT):
		return wrap(ErrCodeTimeout, "connection timed out")
	}

	// Name markers run before the status-code fallbacks: port numbers in
	// dial errors look like status codes.
	msg := err.Error()
	switch {
	case rateLimitRe.MatchString(msg):
		return wrap(ErrCodeRateLimit, "rate limited")
	case fileTooBigRe.MatchString(msg):
		return wrap(ErrCodePermanent, "payload too large")
	case authRe.MatchString(msg):
		return wrap(ErrCodeAuth, "authentication rejected")
	case timeoutRe.MatchString(msg):
		return wrap(ErrCodeTimeout, "request timed out")
	case transientRe.MatchString(msg):
		return wrap(ErrCodeConnection, "transient network failure")
	case clientErrRe.MatchString(msg):
		return wrap(ErrCodeInvalid, "request rejected")
	case serverErrRe.MatchString(msg):
		return wrap(ErrCodeConnection, "server error")
	}
	return wrap(ErrCodePermanent, "unclassified transport error")
}
