// Package delivery performs single sends and deletes against the platform,
// applying per-destination quotas and turning platform failures into retry,
// terminal or deactivation outcomes.
package delivery

import (
	"context"
	"errors"
	"time"

	"promobot/internal/classify"
	"promobot/internal/eventbus"
	"promobot/internal/model"
	"promobot/internal/platform"
	"promobot/internal/quota"
	logx "promobot/pkg/logx"
)

// Store is the persistence the executor needs. storage.Store satisfies it.
type Store interface {
	GetDestination(ctx context.Context, id string) (model.Destination, error)
	GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error)
	SaveDestinationStats(ctx context.Context, id string, stats model.DestinationStats) error
	SetDestinationAccess(ctx context.Context, id string, active, canPost bool) error
	RecordSentMessage(ctx context.Context, m model.SentMessage) error
	MarkMessagesDeleted(ctx context.Context, chatID string, messageIDs []int, at time.Time) error
}

type SendRequest struct {
	ChatID string
	// DestinationID skips the lookup by chat id when set.
	DestinationID       string
	Text                string
	ParseMode           string
	ReplyToMessageID    int
	DisableNotification bool
	DisablePreview      bool
	Button              *platform.URLButton
	// BypassRateLimit is for non-promotional and test sends.
	BypassRateLimit bool
	CampaignID      string
	CreativeID      string
}

type RateLimitInfo struct {
	PostsToday int `json:"postsToday"`
	MaxPerDay  int `json:"maxPerDay"`
}

type SendResult struct {
	MessageID     int            `json:"messageId"`
	RateLimitInfo *RateLimitInfo `json:"rateLimitInfo,omitempty"`
}

type Executor struct {
	platform platform.Client
	store    Store
	quota    *quota.Enforcer
	bus      eventbus.Bus
	log      logx.Logger
}

func NewExecutor(client platform.Client, store Store, q *quota.Enforcer, bus eventbus.Bus, log logx.Logger) *Executor {
	if q == nil {
		q = quota.New()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{platform: client, store: store, quota: q, bus: bus, log: log.With(logx.String("comp", "delivery"))}
}

// Quota exposes the enforcer so orchestration can run the same pre-check.
func (e *Executor) Quota() *quota.Enforcer { return e.quota }

// SendMessage delivers one message.
//
// Failures are *RateLimitDeniedError (local refusal), *PlatformError
// (classified platform failure), ErrUnknownDestination, or a store error.
// Bookkeeping failures after a confirmed send are logged, never returned:
// a retry would post twice.
func (e *Executor) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	dest, known, err := e.resolve(ctx, req.DestinationID, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}
	if !known && !req.BypassRateLimit {
		return SendResult{}, ErrUnknownDestination
	}
	if req.ChatID == "" {
		req.ChatID = dest.PlatformID
	}
	log := e.log.With(logx.String("chat_id", req.ChatID))

	if !req.BypassRateLimit {
		if dec := e.quota.CanPost(dest); !dec.Allowed {
			log.Debug("send denied by quota", logx.String("reason", dec.Reason))
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySkipped, Data: eventbus.DeliveryData{
				DestinationID: dest.ID, ChatID: req.ChatID, CampaignID: req.CampaignID, CreativeID: req.CreativeID, Reason: dec.Reason,
			}})
			return SendResult{}, &RateLimitDeniedError{DestinationID: dest.ID, ChatID: req.ChatID, Decision: dec}
		}
	}

	msgID, err := e.platform.SendMessage(ctx, req.ChatID, req.Text, platform.SendOptions{
		ParseMode:           req.ParseMode,
		ReplyToMessageID:    req.ReplyToMessageID,
		DisableNotification: req.DisableNotification,
		DisablePreview:      req.DisablePreview,
		Button:              req.Button,
	})
	if err != nil {
		pe := Classify("send", req.ChatID, err)
		info := pe.Info
		if info.ShouldDeactivateDestination && known {
			pe.Deactivated = e.deactivate(ctx, dest, info)
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: eventbus.DeliveryData{
			DestinationID: dest.ID, ChatID: req.ChatID, CampaignID: req.CampaignID, ErrorType: string(info.Type),
		}})
		return SendResult{}, pe
	}

	res := SendResult{MessageID: msgID}
	if known {
		now := e.quota.Now()
		stats := e.quota.RecordPost(dest.Stats)
		if err := e.store.SaveDestinationStats(ctx, dest.ID, stats); err != nil {
			log.Error("save destination stats failed", logx.String("destination_id", dest.ID), logx.Err(err))
		}
		if err := e.store.RecordSentMessage(ctx, model.SentMessage{
			DestinationID: dest.ID,
			ChatID:        req.ChatID,
			MessageID:     msgID,
			CampaignID:    req.CampaignID,
			CreativeID:    req.CreativeID,
			SentAt:        now,
		}); err != nil {
			log.Error("record sent message failed", logx.Int("message_id", msgID), logx.Err(err))
		}
		res.RateLimitInfo = &RateLimitInfo{PostsToday: stats.PostsToday, MaxPerDay: dest.MaxPostsPerDay}
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: eventbus.DeliveryData{
		DestinationID: dest.ID, ChatID: req.ChatID, MessageID: msgID, CampaignID: req.CampaignID, CreativeID: req.CreativeID,
	}})
	log.Debug("message sent", logx.Int("message_id", msgID), logx.String("campaign_id", req.CampaignID))
	return res, nil
}

// DeleteMessage removes one message. A message that is already gone counts
// as deleted. Delete failures never deactivate the destination.
func (e *Executor) DeleteMessage(ctx context.Context, chatID string, messageID int) error {
	err := e.platform.DeleteMessage(ctx, chatID, messageID)
	if err != nil && !IsMessageGone(err) {
		return Classify("delete", chatID, err)
	}
	e.MarkDeleted(ctx, chatID, []int{messageID})
	return nil
}

// MarkDeleted updates sent-message tracking; failures are only logged.
func (e *Executor) MarkDeleted(ctx context.Context, chatID string, messageIDs []int) {
	if len(messageIDs) == 0 {
		return
	}
	if err := e.store.MarkMessagesDeleted(ctx, chatID, messageIDs, e.quota.Now()); err != nil {
		e.log.Warn("mark messages deleted failed", logx.String("chat_id", chatID), logx.Int("count", len(messageIDs)), logx.Err(err))
	}
}

func (e *Executor) resolve(ctx context.Context, destinationID, chatID string) (model.Destination, bool, error) {
	var (
		d   model.Destination
		err error
	)
	switch {
	case destinationID != "":
		d, err = e.store.GetDestination(ctx, destinationID)
	case chatID != "":
		d, err = e.store.GetDestinationByPlatformID(ctx, chatID)
	default:
		return model.Destination{}, false, errors.New("send: chat id is required")
	}
	if errors.Is(err, model.ErrNotFound) {
		return model.Destination{PlatformID: chatID}, false, nil
	}
	if err != nil {
		return model.Destination{}, false, err
	}
	return d, true, nil
}

func (e *Executor) deactivate(ctx context.Context, d model.Destination, info classify.ErrorInfo) bool {
	if err := e.store.SetDestinationAccess(ctx, d.ID, false, false); err != nil {
		e.log.Error("deactivate destination failed", logx.String("destination_id", d.ID), logx.Err(err))
		return false
	}
	e.log.Warn("destination deactivated",
		logx.String("destination_id", d.ID),
		logx.String("chat_id", d.PlatformID),
		logx.String("error_type", string(info.Type)),
		logx.String("description", info.Description),
	)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeDestinationDeactivated, Data: eventbus.DeliveryData{
		DestinationID: d.ID, ChatID: d.PlatformID, ErrorType: string(info.Type), Reason: info.Description,
	}})
	return true
}
