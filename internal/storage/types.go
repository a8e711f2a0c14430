package storage

import (
	"context"
	"errors"
	"time"

	"promobot/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound aliases model.ErrNotFound so callers can use either.
	ErrNotFound = model.ErrNotFound
	// ErrEmptyRotation is returned when a cursor is advanced over zero items.
	ErrEmptyRotation = errors.New("rotation over an empty list")
)

// Config configures storage.
//
// Driver values: "memory", "sqlite", "postgres". An empty driver means "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means default
}

type DestinationStore interface {
	GetDestination(ctx context.Context, id string) (model.Destination, error)
	GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error)
	// ListDestinations returns the destinations in ids order, skipping unknown ids.
	ListDestinations(ctx context.Context, ids []string) ([]model.Destination, error)
	// UpsertDestination inserts or updates by platform id and returns the stored record.
	UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error)
	SaveDestinationStats(ctx context.Context, id string, stats model.DestinationStats) error
	SetDestinationAccess(ctx context.Context, id string, active, canPost bool) error
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error)
	UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) error
	// ListCreatives returns the creatives in ids order, skipping unknown ids.
	ListCreatives(ctx context.Context, ids []string) ([]model.Creative, error)
	UpsertCreative(ctx context.Context, c model.Creative) (model.Creative, error)
	IncrementCreativeUsage(ctx context.Context, id string, at time.Time) error
}

type RotationStore interface {
	// AdvanceRotation moves one cursor to (last + 1) mod count and returns it.
	// The read-modify-write is atomic at the record level.
	AdvanceRotation(ctx context.Context, campaignID string, kind model.RotationKind, count int) (int, error)
	GetRotation(ctx context.Context, campaignID string) (model.RotationState, error)
	ResetRotation(ctx context.Context, campaignID string) error
}

type MessageStore interface {
	RecordSentMessage(ctx context.Context, m model.SentMessage) error
	// ListSentMessages returns undeleted messages of a destination, oldest first.
	// A zero sentBefore means no age filter.
	ListSentMessages(ctx context.Context, destinationID string, sentBefore time.Time) ([]model.SentMessage, error)
	// MaxSentMessageID returns the highest tracked message id (0 if none).
	MaxSentMessageID(ctx context.Context, destinationID string) (int, error)
	MarkMessagesDeleted(ctx context.Context, chatID string, messageIDs []int, at time.Time) error
	PruneSentMessages(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistence API used by the delivery pipeline.
type Store interface {
	DestinationStore
	CampaignStore
	RotationStore
	MessageStore
	Close() error
}
