package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"promobot/internal/classify"
	"promobot/internal/platform"
	"promobot/internal/quota"
)

// Failure categories surfaced to job handlers. Match with errors.Is.
var (
	// ErrRateLimitDenied is a local quota or cooldown refusal. It is never
	// classified and must not be retried by the queue.
	ErrRateLimitDenied = errors.New("rate limit denied")
	// ErrRecoverable carries a retry delay (see RetryAfter on PlatformError).
	ErrRecoverable = errors.New("recoverable platform error")
	// ErrTerminal covers permission, malformed-request and unknown failures.
	ErrTerminal = errors.New("terminal platform error")
	// ErrDestinationUnreachable means the bot was blocked or the chat is gone.
	// It is terminal as well.
	ErrDestinationUnreachable = errors.New("destination unreachable")
	// ErrUnknownDestination is returned for a quota-checked send to a chat
	// with no destination record.
	ErrUnknownDestination = errors.New("unknown destination")
)

type RateLimitDeniedError struct {
	DestinationID string
	ChatID        string
	Decision      quota.Decision
}

func (e *RateLimitDeniedError) Error() string {
	return fmt.Sprintf("rate limit denied for %s: %s", e.ChatID, e.Decision.Reason)
}

func (e *RateLimitDeniedError) Is(target error) bool { return target == ErrRateLimitDenied }

// PlatformError is a classified platform-call failure.
type PlatformError struct {
	Op     string
	ChatID string
	Info   classify.ErrorInfo
	// Deactivated reports that the destination was switched off as a result.
	Deactivated bool
	Err         error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.ChatID, e.Info.Type, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

func (e *PlatformError) Is(target error) bool {
	switch target {
	case ErrRecoverable:
		return e.Info.Recoverable
	case ErrTerminal:
		return !e.Info.Recoverable
	case ErrDestinationUnreachable:
		return e.Info.ShouldDeactivateDestination
	}
	return false
}

// RetryAfter is the classifier delay. Zero for terminal failures.
func (e *PlatformError) RetryAfter() time.Duration {
	if !e.Info.Recoverable {
		return 0
	}
	return e.Info.RetryAfter
}

var messageGoneHints = []string{
	"message to delete not found",
	"message not found",
	"message_id_invalid",
}

// IsMessageGone reports whether a delete failed because the message no
// longer exists. Deletes treat that as success.
func IsMessageGone(err error) bool {
	if err == nil {
		return false
	}
	desc := err.Error()
	var pe *platform.Error
	if errors.As(err, &pe) && pe.Description != "" {
		desc = pe.Description
	}
	desc = strings.ToLower(desc)
	for _, h := range messageGoneHints {
		if strings.Contains(desc, h) {
			return true
		}
	}
	return false
}

// Classify wraps a raw platform failure of op as a *PlatformError.
func Classify(op, chatID string, err error) *PlatformError {
	return &PlatformError{Op: op, ChatID: chatID, Info: classify.Classify(err), Err: err}
}
