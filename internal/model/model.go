// Package model holds the persisted records shared by the delivery pipeline.
package model

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Destination is a chat/group/channel the bot can post into.
//
// Stats are only mutated through quota.Enforcer.RecordPost and persisted by
// the delivery executor.
type Destination struct {
	ID         string
	PlatformID string
	Title      string
	ChatType   string

	IsActive  bool
	CanPost   bool
	CanDelete bool

	// MaxPostsPerDay is the daily cap (0 = unlimited).
	MaxPostsPerDay int
	// CooldownMinutes is the minimum gap between two posts (0 = none).
	CooldownMinutes int

	Stats DestinationStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DestinationStats are the mutable counters of a destination.
type DestinationStats struct {
	TotalPosts int
	PostsToday int
	// LastPostAt is zero when the destination never received a post.
	LastPostAt time.Time
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// QueuePriority maps a campaign tier to a queue priority (larger is more urgent).
func (p Priority) QueuePriority() int {
	switch Priority(strings.ToLower(string(p))) {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// Campaign binds ordered destinations and creatives to a priority tier.
type Campaign struct {
	ID             string
	Name           string
	DestinationIDs []string
	CreativeIDs    []string
	Priority       Priority
	Status         CampaignStatus
	// EndsAt is optional; the sweeper ends the campaign once it has passed.
	EndsAt    time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c Campaign) Active() bool { return c.Status == CampaignActive }

// Creative is a content snapshot referenced by campaigns.
type Creative struct {
	ID         string
	Caption    string
	CTAText    string
	CTAURL     string
	ParseMode  string
	UsageCount int
	LastUsedAt time.Time
}

// RotationState is the per-campaign cursor pair; -1 means "never advanced".
type RotationState struct {
	CampaignID           string
	LastDestinationIndex int
	LastCreativeIndex    int
}

// NewRotationState returns the initial cursor pair for a campaign.
func NewRotationState(campaignID string) RotationState {
	return RotationState{CampaignID: campaignID, LastDestinationIndex: -1, LastCreativeIndex: -1}
}

// RotationKind selects one of the two cursors.
type RotationKind string

const (
	RotationDestination RotationKind = "destination"
	RotationCreative    RotationKind = "creative"
)

// SentMessage tracks a delivered message so it can be cleaned up later.
type SentMessage struct {
	DestinationID string
	ChatID        string
	MessageID     int
	CampaignID    string
	CreativeID    string
	SentAt        time.Time
	DeletedAt     time.Time
}
