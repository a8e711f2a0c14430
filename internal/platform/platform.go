// Package platform describes the messaging-platform capabilities the
// delivery pipeline needs. Implementations live in subpackages.
package platform

import (
	"context"
	"fmt"
	"time"
)

// MaxBulkDelete is the platform ceiling for one bulk delete call.
const MaxBulkDelete = 100

// Client is the black-box capability surface of the external platform.
//
// Chat ids are strings so both numeric ids and public "@username" handles work.
type Client interface {
	SendMessage(ctx context.Context, chatID string, text string, opt SendOptions) (int, error)
	DeleteMessage(ctx context.Context, chatID string, messageID int) error
	// DeleteMessages removes up to MaxBulkDelete messages in one call.
	// Platforms without bulk support reject it with a 400-shaped Error.
	DeleteMessages(ctx context.Context, chatID string, messageIDs []int) error
	GetChat(ctx context.Context, chatID string) (ChatInfo, error)
	// GetBotMember returns the sending account's membership in the chat.
	GetBotMember(ctx context.Context, chatID string) (MemberInfo, error)
}

type SendOptions struct {
	ParseMode           string
	ReplyToMessageID    int
	DisableNotification bool
	DisablePreview      bool
	// Button is an optional single call-to-action URL button.
	Button *URLButton
}

type URLButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type ChatInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Username    string `json:"username,omitempty"`
	MemberCount int    `json:"memberCount,omitempty"`
}

// Membership statuses reported in MemberInfo.Status.
const (
	MemberCreator       = "creator"
	MemberAdministrator = "administrator"
	MemberRegular       = "member"
	MemberRestricted    = "restricted"
	MemberLeft          = "left"
	MemberKicked        = "kicked"
)

type MemberInfo struct {
	Status            string `json:"status"`
	IsAdmin           bool   `json:"isAdmin"`
	CanPostMessages   bool   `json:"canPostMessages"`
	CanDeleteMessages bool   `json:"canDeleteMessages"`
	CanPinMessages    bool   `json:"canPinMessages"`
}

// Error is a structured rejection returned by the platform API.
//
// Code follows HTTP semantics (400, 403, 429, 5xx). Description is the
// human-readable text the platform returned.
type Error struct {
	Op          string
	Code        int
	Description string
	// RetryAfter is the platform-provided wait for rate-limit rejections.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (code=%d)", e.Op, e.Description, e.Code)
	}
	return fmt.Sprintf("%s (code=%d)", e.Description, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// MembershipChange reports that the sending account's status in a chat
// changed, e.g. it was promoted, restricted or removed.
type MembershipChange struct {
	ChatID   string     `json:"chatId"`
	ChatType string     `json:"chatType"`
	Title    string     `json:"title,omitempty"`
	Old      MemberInfo `json:"old"`
	New      MemberInfo `json:"new"`
}
