// Package jobs defines the queued task envelope, the payload shape of each
// task type, and the dispatcher that runs them.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"promobot/internal/platform"
	"promobot/pkg/tgui"
)

type Type string

const (
	SendMessage        Type = "send-message"
	DeleteMessage      Type = "delete-message"
	DeleteMessagesBulk Type = "delete-messages-bulk"
	ClearAllMessages   Type = "clear-all-messages"
	SyncDestination    Type = "sync-destination"
	GetChatInfo        Type = "get-chat-info"
	CheckPermissions   Type = "check-permissions"
)

func (t Type) Valid() bool {
	switch t {
	case SendMessage, DeleteMessage, DeleteMessagesBulk, ClearAllMessages, SyncDestination, GetChatInfo, CheckPermissions:
		return true
	}
	return false
}

// ErrInvalidPayload marks a job that can never succeed as queued.
var ErrInvalidPayload = errors.New("invalid job payload")

// Job is the wire envelope shared by every queue driver.
type Job struct {
	ID      string          `json:"id"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// CampaignID lets the queue cancel pending jobs of an ended campaign.
	CampaignID string    `json:"campaignId,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// New builds a job with a fresh id.
func New(t Type, payload any) (Job, error) {
	if !t.Valid() {
		return Job{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Job{ID: uuid.NewString(), Type: t, Payload: raw, EnqueuedAt: time.Now()}, nil
}

// Decode strictly unmarshals the payload into v.
func (j Job) Decode(v any) error {
	dec := json.NewDecoder(bytes.NewReader(j.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, j.Type, err)
	}
	return nil
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type SendMessagePayload struct {
	ChatID              string  `json:"chatId"`
	Text                string  `json:"text"`
	ParseMode           string  `json:"parseMode,omitempty"`
	ReplyToMessageID    int     `json:"replyToMessageId,omitempty"`
	DisableNotification bool    `json:"disableNotification,omitempty"`
	DisablePreview      bool    `json:"disablePreview,omitempty"`
	BypassRateLimit     bool    `json:"bypassRateLimit,omitempty"`
	CampaignID          string  `json:"campaignId,omitempty"`
	CreativeID          string  `json:"creativeId,omitempty"`
	DestinationID       string  `json:"destinationRecordId,omitempty"`
	Button              *Button `json:"button,omitempty"`
}

func (p SendMessagePayload) validate() error {
	if p.ChatID == "" && p.DestinationID == "" {
		return fmt.Errorf("%w: chatId is required", ErrInvalidPayload)
	}
	if p.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidPayload)
	}
	if n := utf8.RuneCountInString(p.Text); n > tgui.MaxMessageLen {
		return fmt.Errorf("%w: text is %d characters, limit %d", ErrInvalidPayload, n, tgui.MaxMessageLen)
	}
	switch p.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		return fmt.Errorf("%w: unsupported parseMode %q", ErrInvalidPayload, p.ParseMode)
	}
	return nil
}

type DeleteMessagePayload struct {
	ChatID    string `json:"chatId"`
	MessageID int    `json:"messageId"`
}

type DeleteMessagesBulkPayload struct {
	ChatID        string `json:"chatId"`
	MessageIDs    []int  `json:"messageIds"`
	DestinationID string `json:"destinationRecordId,omitempty"`
}

type ClearAllMessagesPayload struct {
	ChatID        string `json:"chatId"`
	DestinationID string `json:"destinationRecordId"`
	FromMessageID int    `json:"fromMessageId,omitempty"`
	ToMessageID   int    `json:"toMessageId,omitempty"`
	OlderThanDays int    `json:"olderThanDays,omitempty"`
}

type SyncDestinationPayload struct {
	ChatID        string `json:"chatId"`
	DestinationID string `json:"destinationRecordId,omitempty"`
}

// ChatPayload is used by get-chat-info and check-permissions.
type ChatPayload struct {
	ChatID string `json:"chatId"`
}

type DeleteMessageResult struct {
	Success bool `json:"success"`
}

type SyncDestinationResult struct {
	DestinationID string `json:"destinationRecordId"`
	Title         string `json:"title"`
	ChatType      string `json:"type"`
	IsActive      bool   `json:"isActive"`
	CanPost       bool   `json:"canPost"`
	CanDelete     bool   `json:"canDelete"`
	Reactivated   bool   `json:"reactivated,omitempty"`
	Deactivated   bool   `json:"deactivated,omitempty"`
}

// PermissionsResult is the check-permissions answer.
type PermissionsResult = platform.MemberInfo

// Cancelled is returned instead of running a job whose campaign has ended.
type Cancelled struct {
	Cancelled bool   `json:"cancelled"`
	Reason    string `json:"reason"`
}
