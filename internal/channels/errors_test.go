package channels

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/vigil-dev/vigil/pkg/models"
)

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "i/o wait expired" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    ErrorCode
		recoverable bool
	}{
		{"conn reset errno", syscall.ECONNRESET, ErrCodeConnection, true},
		{"conn refused errno", syscall.ECONNREFUSED, ErrCodeConnection, true},
		{"timeout errno", syscall.ETIMEDOUT, ErrCodeTimeout, true},
		{"deadline exceeded", context.DeadlineExceeded, ErrCodeTimeout, true},
		{"net timeout", timeoutNetError{}, ErrCodeTimeout, true},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "api.telegram.org"}, ErrCodeConnection, true},
		{"rate limit text", errors.New("Too Many Requests: retry after 5"), ErrCodeRateLimit, true},
		{"rate limit status", errors.New("telegram responded with 429"), ErrCodeRateLimit, true},
		{"file too big", errors.New("Bad Request: file is too big"), ErrCodePermanent, false},
		{"entity too large", errors.New("413 Request Entity Too Large"), ErrCodePermanent, false},
		{"unauthorized", errors.New("401 Unauthorized"), ErrCodeAuth, false},
		{"forbidden", errors.New("Forbidden: bot was blocked by the user"), ErrCodeAuth, false},
		{"client error", errors.New("Bad Request: chat not found (400)"), ErrCodeInvalid, false},
		{"server error", errors.New("bad gateway (502)"), ErrCodeConnection, true},
		{"node reset marker", errors.New("read tcp 10.0.0.2:443: ECONNRESET"), ErrCodeConnection, true},
		{"node dns marker", errors.New("getaddrinfo ENOTFOUND api.telegram.org"), ErrCodeConnection, true},
		{"undici marker", errors.New("fetch failed: UND_ERR_SOCKET"), ErrCodeConnection, true},
		{"abort marker", errors.New("AbortError: the operation was aborted"), ErrCodeTimeout, true},
		{"timed out text", errors.New("request timed out"), ErrCodeTimeout, true},
		{"unknown", errors.New("something exotic happened"), ErrCodePermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(models.PlatformTelegram, tt.err)
			if got == nil {
				t.Fatal("Classify() = nil")
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Recoverable() != tt.recoverable {
				t.Errorf("Recoverable() = %v, want %v", got.Recoverable(), tt.recoverable)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the original")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(models.PlatformTelegram, nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &Error{Platform: models.PlatformWhatsApp, Code: ErrCodeAuth, Message: "login expired"}

	if got := Classify(models.PlatformTelegram, orig); got != orig {
		t.Errorf("Classify(*Error) = %v, want the same value back", got)
	}

	wrapped := fmt.Errorf("send: %w", orig)
	if got := Classify(models.PlatformTelegram, wrapped); got != orig {
		t.Errorf("Classify(wrapped *Error) = %v, want the inner classified error", got)
	}
}

func TestErrorFormatting(t *testing.T) {
	e := &Error{
		Platform: models.PlatformTelegram,
		Code:     ErrCodeRateLimit,
		Message:  "rate limited",
		Err:      errors.New("429"),
	}
	want := "telegram: rate_limit: rate limited: 429"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	bare := &Error{Platform: models.PlatformWhatsApp, Code: ErrCodeConnection, Message: "socket closed"}
	if bare.Error() != "whatsapp: connection: socket closed" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
