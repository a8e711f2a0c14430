package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"promobot/internal/platform"
)

func apiErr(code int, desc string) error {
	return &platform.Error{Op: "sendMessage", Code: code, Description: desc}
}

func TestClassifyTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		typ        ErrorType
		recover    bool
		deactivate bool
		retry      time.Duration
	}{
		{
			name:    "flood wait with platform hint",
			err:     &platform.Error{Code: 429, Description: "Too Many Requests: retry after 17", RetryAfter: 17 * time.Second},
			typ:     RateLimit,
			recover: true,
			retry:   17 * time.Second,
		},
		{
			name:    "flood wait parsed from description",
			err:     errors.New("telegram: Too Many Requests: retry after 9"),
			typ:     RateLimit,
			recover: true,
			retry:   9 * time.Second,
		},
		{
			name:    "rate limited without hint",
			err:     apiErr(429, "Too Many Requests"),
			typ:     RateLimit,
			recover: true,
			retry:   DefaultRateLimitRetry,
		},
		{
			name:       "bot blocked",
			err:        apiErr(403, "Forbidden: bot was blocked by the user"),
			typ:        BotBlocked,
			deactivate: true,
		},
		{
			name:       "bot kicked",
			err:        apiErr(403, "Forbidden: bot was kicked from the supergroup chat"),
			typ:        BotBlocked,
			deactivate: true,
		},
		{
			name:       "user deactivated",
			err:        apiErr(403, "Forbidden: user is deactivated"),
			typ:        BotBlocked,
			deactivate: true,
		},
		{
			name:       "chat not found",
			err:        apiErr(400, "Bad Request: chat not found"),
			typ:        ChatNotFound,
			deactivate: true,
		},
		{
			name:       "group deactivated",
			err:        apiErr(403, "Forbidden: group chat was deactivated"),
			typ:        ChatNotFound,
			deactivate: true,
		},
		{
			name: "no rights",
			err:  apiErr(400, "Bad Request: not enough rights to send text messages to the chat"),
			typ:  PermissionDenied,
		},
		{
			name: "write forbidden",
			err:  apiErr(403, "Forbidden: CHAT_WRITE_FORBIDDEN"),
			typ:  PermissionDenied,
		},
		{
			name: "plain 403",
			err:  apiErr(403, "Forbidden"),
			typ:  PermissionDenied,
		},
		{
			name:    "server error",
			err:     apiErr(502, "Bad Gateway"),
			typ:     ServerError,
			recover: true,
			retry:   TransientRetry,
		},
		{
			name: "bad request",
			err:  apiErr(400, "Bad Request: message text is empty"),
			typ:  BadRequest,
		},
		{
			name:    "network timeout",
			err:     &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("i/o timeout")},
			typ:     NetworkError,
			recover: true,
			retry:   TransientRetry,
		},
		{
			name:    "connection reset",
			err:     fmt.Errorf("telebot: %w", syscall.ECONNRESET),
			typ:     NetworkError,
			recover: true,
			retry:   TransientRetry,
		},
		{
			name:    "deadline",
			err:     context.DeadlineExceeded,
			typ:     NetworkError,
			recover: true,
			retry:   TransientRetry,
		},
		{
			name: "unknown",
			err:  errors.New("something odd happened"),
			typ:  Unknown,
		},
		{
			name: "unauthorized is unknown",
			err:  apiErr(401, "Unauthorized"),
			typ:  Unknown,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Type != tt.typ {
				t.Fatalf("Type = %s, want %s", got.Type, tt.typ)
			}
			if got.Recoverable != tt.recover {
				t.Fatalf("Recoverable = %v, want %v", got.Recoverable, tt.recover)
			}
			if got.ShouldDeactivateDestination != tt.deactivate {
				t.Fatalf("ShouldDeactivateDestination = %v, want %v", got.ShouldDeactivateDestination, tt.deactivate)
			}
			if got.RetryAfter != tt.retry {
				t.Fatalf("RetryAfter = %v, want %v", got.RetryAfter, tt.retry)
			}
		})
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	t.Parallel()
	// A rate-limit signal wins over everything else in the description.
	got := Classify(apiErr(429, "Too Many Requests: chat not found"))
	if got.Type != RateLimit {
		t.Fatalf("Type = %s, want %s", got.Type, RateLimit)
	}
	// Blocked wins over the generic 403 permission mapping.
	got = Classify(apiErr(403, "Forbidden: bot was blocked by the user"))
	if got.Type != BotBlocked {
		t.Fatalf("Type = %s, want %s", got.Type, BotBlocked)
	}
}

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	if got := Classify(nil); got.Type != Unknown || got.Recoverable {
		t.Fatalf("Classify(nil) = %+v, want terminal UNKNOWN", got)
	}
}
