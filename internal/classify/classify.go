// Package classify maps raw platform-call failures onto a small taxonomy that
// drives retry, failure and destination deactivation decisions.
//
// Classification prefers structured signals (status codes, typed transport
// errors) and falls back to description matching only where the platform
// reuses one code for several causes (403 and 400 in particular).
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"promobot/internal/platform"
)

type ErrorType string

const (
	RateLimit        ErrorType = "RATE_LIMIT"
	BotBlocked       ErrorType = "BOT_BLOCKED"
	ChatNotFound     ErrorType = "CHAT_NOT_FOUND"
	PermissionDenied ErrorType = "PERMISSION_DENIED"
	ServerError      ErrorType = "SERVER_ERROR"
	BadRequest       ErrorType = "BAD_REQUEST"
	NetworkError     ErrorType = "NETWORK_ERROR"
	Unknown          ErrorType = "UNKNOWN"
)

const (
	DefaultRateLimitRetry = 30 * time.Second
	TransientRetry        = 5 * time.Second
)

// ErrorInfo is the outcome of classifying one failed attempt.
type ErrorInfo struct {
	Type                        ErrorType
	Recoverable                 bool
	ShouldDeactivateDestination bool
	// RetryAfter is set for recoverable types only.
	RetryAfter time.Duration
	// Description is the platform text (or err.Error()) for operators.
	Description string
}

var (
	botBlockedHints = []string{
		"bot was blocked",
		"bot was kicked",
		"bot was removed",
		"bot is not a member",
		"user is deactivated",
		"chat was deleted",
		"group chat was deleted",
	}
	chatNotFoundHints = []string{
		"chat not found",
		"group chat was deactivated",
		"chat is deactivated",
		"channel_invalid",
		"peer_id_invalid",
	}
	permissionHints = []string{
		"not enough rights",
		"have no rights",
		"no rights to",
		"write forbidden",
		"chat_write_forbidden",
		"need administrator rights",
		"admin_required",
		"message can't be deleted",
	}
	badRequestHints = []string{
		"bad request",
		"malformed",
		"not supported",
		"unsupported",
		"method not found",
	}
	networkHints = []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"timed out",
		"timeout",
		"unexpected eof",
		"econnreset",
		"etimedout",
		"network is unreachable",
	}
	floodHints = []string{
		"too many requests",
		"flood",
		"retry after",
	}
	serverHints = []string{
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}

	retryAfterRe = regexp.MustCompile(`retry after (\d+)`)
)

// Classify returns the ErrorInfo for err. Rules are evaluated in a fixed
// priority order and the first match wins. It is pure and never blocks.
func Classify(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Type: Unknown}
	}
	code, desc, retryAfter := extract(err)
	lower := strings.ToLower(desc)

	switch {
	case code == 429 || containsAny(lower, floodHints):
		if retryAfter <= 0 {
			retryAfter = parseRetryAfter(lower)
		}
		if retryAfter <= 0 {
			retryAfter = DefaultRateLimitRetry
		}
		return ErrorInfo{Type: RateLimit, Recoverable: true, RetryAfter: retryAfter, Description: desc}

	case containsAny(lower, botBlockedHints):
		return ErrorInfo{Type: BotBlocked, ShouldDeactivateDestination: true, Description: desc}

	case containsAny(lower, chatNotFoundHints):
		return ErrorInfo{Type: ChatNotFound, ShouldDeactivateDestination: true, Description: desc}

	case code == 403 || containsAny(lower, permissionHints):
		return ErrorInfo{Type: PermissionDenied, Description: desc}

	case code >= 500 || (code == 0 && containsAny(lower, serverHints)):
		return ErrorInfo{Type: ServerError, Recoverable: true, RetryAfter: TransientRetry, Description: desc}

	case code == 400 || containsAny(lower, badRequestHints):
		return ErrorInfo{Type: BadRequest, Description: desc}

	case isNetwork(err) || (code == 0 && containsAny(lower, networkHints)):
		return ErrorInfo{Type: NetworkError, Recoverable: true, RetryAfter: TransientRetry, Description: desc}
	}
	return ErrorInfo{Type: Unknown, Description: desc}
}

func extract(err error) (code int, desc string, retryAfter time.Duration) {
	var pe *platform.Error
	if errors.As(err, &pe) {
		desc = pe.Description
		if desc == "" && pe.Err != nil {
			desc = pe.Err.Error()
		}
		return pe.Code, desc, pe.RetryAfter
	}
	return 0, err.Error(), 0
}

func isNetwork(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func parseRetryAfter(lower string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(lower)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
