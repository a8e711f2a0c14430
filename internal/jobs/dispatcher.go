package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promobot/internal/bulk"
	"promobot/internal/delivery"
	"promobot/internal/model"
	"promobot/internal/platform"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// ErrNotAdministrator is returned by sync-destination for a chat the bot
// cannot administer and that is not yet known.
var ErrNotAdministrator = errors.New("bot is not an administrator")

// Store is the persistence the dispatcher reads directly.
type Store interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	GetDestination(ctx context.Context, id string) (model.Destination, error)
	GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error)
	UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error)
	SetDestinationAccess(ctx context.Context, id string, active, canPost bool) error
	ListSentMessages(ctx context.Context, destinationID string, sentBefore time.Time) ([]model.SentMessage, error)
	MaxSentMessageID(ctx context.Context, destinationID string) (int, error)
}

type Option func(*Dispatcher)

// WithClock overrides the time source used for olderThanDays.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher runs one job by type. It is shared by every queue driver.
type Dispatcher struct {
	exec     *delivery.Executor
	bulk     *bulk.Engine
	platform platform.Client
	store    Store
	log      logx.Logger
	now      func() time.Time
}

func NewDispatcher(exec *delivery.Executor, bulkEng *bulk.Engine, client platform.Client, store Store, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		exec:     exec,
		bulk:     bulkEng,
		platform: client,
		store:    store,
		log:      log.With(logx.String("comp", "jobs")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle runs job once. The returned error is already translated into the
// task engine's retry signals: recoverable platform failures carry their
// retry delay, everything that cannot succeed on retry is marked NoRetry.
func (d *Dispatcher) Handle(ctx context.Context, job Job) (any, error) {
	res, err := d.handle(ctx, job)
	log := d.log.With(logx.String("job_id", job.ID), logx.String("type", string(job.Type)), logx.Int("attempt", job.Attempt))
	if err != nil {
		log.Debug("job failed", logx.Err(err))
		return nil, RetrySignal(err)
	}
	log.Debug("job done")
	return res, nil
}

// RetrySignal maps a job failure onto engine.NoRetry / engine.RetryAfter.
func RetrySignal(err error) error {
	if err == nil {
		return nil
	}
	var pe *delivery.PlatformError
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, delivery.ErrRateLimitDenied),
		errors.Is(err, delivery.ErrUnknownDestination),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrNotAdministrator),
		errors.Is(err, model.ErrNotFound):
		return engine.NoRetry(err)
	case errors.As(err, &pe):
		if pe.Info.Recoverable {
			return engine.RetryAfter(err, pe.RetryAfter())
		}
		return engine.NoRetry(err)
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, job Job) (any, error) {
	if !job.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, job.Type)
	}
	switch job.Type {
	case SendMessage:
		var p SendMessagePayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		campaignID := job.CampaignID
		if campaignID == "" {
			campaignID = p.CampaignID
		}
		if c, ok, err := d.cancelled(ctx, campaignID); err != nil || ok {
			return c, err
		}
		return d.send(ctx, p)

	case DeleteMessage:
		var p DeleteMessagePayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if p.ChatID == "" || p.MessageID <= 0 {
			return nil, fmt.Errorf("%w: chatId and messageId are required", ErrInvalidPayload)
		}
		if err := d.exec.DeleteMessage(ctx, p.ChatID, p.MessageID); err != nil {
			return nil, err
		}
		return DeleteMessageResult{Success: true}, nil

	case DeleteMessagesBulk:
		var p DeleteMessagesBulkPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		chatID, err := d.chatFor(ctx, p.ChatID, p.DestinationID)
		if err != nil {
			return nil, err
		}
		if len(p.MessageIDs) == 0 {
			return nil, fmt.Errorf("%w: messageIds is empty", ErrInvalidPayload)
		}
		res, err := d.bulk.DeleteMany(ctx, chatID, p.MessageIDs)
		return withErrors(res), err

	case ClearAllMessages:
		var p ClearAllMessagesPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		return d.clearAll(ctx, p)

	case SyncDestination:
		var p SyncDestinationPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		return d.syncDestination(ctx, p)

	case GetChatInfo:
		var p ChatPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("%w: chatId is required", ErrInvalidPayload)
		}
		info, err := d.platform.GetChat(ctx, p.ChatID)
		if err != nil {
			return nil, delivery.Classify("get-chat", p.ChatID, err)
		}
		return info, nil

	default: // CheckPermissions
		var p ChatPayload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, fmt.Errorf("%w: chatId is required", ErrInvalidPayload)
		}
		m, err := d.platform.GetBotMember(ctx, p.ChatID)
		if err != nil {
			return nil, delivery.Classify("get-member", p.ChatID, err)
		}
		return PermissionsResult(m), nil
	}
}

// cancelled reports whether a campaign job must be dropped because its
// campaign is gone or no longer active.
func (d *Dispatcher) cancelled(ctx context.Context, campaignID string) (any, bool, error) {
	if campaignID == "" {
		return nil, false, nil
	}
	c, err := d.store.GetCampaign(ctx, campaignID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return Cancelled{Cancelled: true, Reason: "campaign not found"}, true, nil
	case err != nil:
		return nil, false, err
	case !c.Active():
		d.log.Info("dropping job of inactive campaign", logx.String("campaign_id", c.ID), logx.String("status", string(c.Status)))
		return Cancelled{Cancelled: true, Reason: "campaign " + string(c.Status)}, true, nil
	}
	return nil, false, nil
}

func (d *Dispatcher) send(ctx context.Context, p SendMessagePayload) (any, error) {
	req := delivery.SendRequest{
		ChatID:              p.ChatID,
		DestinationID:       p.DestinationID,
		Text:                p.Text,
		ParseMode:           p.ParseMode,
		ReplyToMessageID:    p.ReplyToMessageID,
		DisableNotification: p.DisableNotification,
		DisablePreview:      p.DisablePreview,
		BypassRateLimit:     p.BypassRateLimit,
		CampaignID:          p.CampaignID,
		CreativeID:          p.CreativeID,
	}
	if p.Button != nil && p.Button.URL != "" {
		req.Button = &platform.URLButton{Text: p.Button.Text, URL: p.Button.URL}
	}
	return d.exec.SendMessage(ctx, req)
}

func (d *Dispatcher) chatFor(ctx context.Context, chatID, destinationID string) (string, error) {
	if chatID != "" {
		return chatID, nil
	}
	if destinationID == "" {
		return "", fmt.Errorf("%w: chatId is required", ErrInvalidPayload)
	}
	dest, err := d.store.GetDestination(ctx, destinationID)
	if err != nil {
		return "", fmt.Errorf("destination %s: %w", destinationID, err)
	}
	return dest.PlatformID, nil
}

// clearAll deletes the tracked messages of a destination, then sweeps the
// optional id range, and sums both results.
func (d *Dispatcher) clearAll(ctx context.Context, p ClearAllMessagesPayload) (bulk.Result, error) {
	if p.DestinationID == "" {
		return bulk.Result{}, fmt.Errorf("%w: destinationRecordId is required", ErrInvalidPayload)
	}
	if p.OlderThanDays < 0 || p.FromMessageID < 0 || p.ToMessageID < 0 {
		return bulk.Result{}, fmt.Errorf("%w: negative bound", ErrInvalidPayload)
	}
	dest, err := d.store.GetDestination(ctx, p.DestinationID)
	if err != nil {
		return bulk.Result{}, fmt.Errorf("destination %s: %w", p.DestinationID, err)
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = dest.PlatformID
	}

	var before time.Time
	if p.OlderThanDays > 0 {
		before = d.now().AddDate(0, 0, -p.OlderThanDays)
	}
	tracked, err := d.store.ListSentMessages(ctx, dest.ID, before)
	if err != nil {
		return bulk.Result{}, fmt.Errorf("list sent messages: %w", err)
	}

	res := bulk.Result{Success: true}
	if len(tracked) > 0 {
		ids := make([]int, 0, len(tracked))
		for _, m := range tracked {
			ids = append(ids, m.MessageID)
		}
		r, err := d.bulk.DeleteMany(ctx, chatID, ids)
		res = res.Merge(r)
		if err != nil {
			return withErrors(res), err
		}
	}

	if p.FromMessageID > 0 {
		to := p.ToMessageID
		if to == 0 {
			if to, err = d.store.MaxSentMessageID(ctx, dest.ID); err != nil {
				return withErrors(res), fmt.Errorf("max sent message id: %w", err)
			}
		}
		if to >= p.FromMessageID {
			r, err := d.bulk.DeleteRange(ctx, chatID, p.FromMessageID, to, res.DeletedIDs...)
			res = res.Merge(r)
			if err != nil {
				return withErrors(res), err
			}
		}
	}
	return withErrors(res), nil
}

// syncDestination refreshes a destination from the platform. Reactivation
// requires administrator rights with post permission.
func (d *Dispatcher) syncDestination(ctx context.Context, p SyncDestinationPayload) (SyncDestinationResult, error) {
	var (
		dest  model.Destination
		known = true
		err   error
	)
	switch {
	case p.DestinationID != "":
		dest, err = d.store.GetDestination(ctx, p.DestinationID)
	case p.ChatID != "":
		dest, err = d.store.GetDestinationByPlatformID(ctx, p.ChatID)
	default:
		return SyncDestinationResult{}, fmt.Errorf("%w: chatId is required", ErrInvalidPayload)
	}
	if errors.Is(err, model.ErrNotFound) && p.DestinationID == "" {
		dest, known, err = model.Destination{PlatformID: p.ChatID}, false, nil
	}
	if err != nil {
		return SyncDestinationResult{}, fmt.Errorf("destination: %w", err)
	}
	chatID := p.ChatID
	if chatID == "" {
		chatID = dest.PlatformID
	}

	chat, err := d.platform.GetChat(ctx, chatID)
	if err != nil {
		return d.unreachable(ctx, dest, known, delivery.Classify("get-chat", chatID, err))
	}
	member, err := d.platform.GetBotMember(ctx, chatID)
	if err != nil {
		return d.unreachable(ctx, dest, known, delivery.Classify("get-member", chatID, err))
	}
	if !known && !member.IsAdmin {
		return SyncDestinationResult{}, fmt.Errorf("%w in %s", ErrNotAdministrator, chatID)
	}

	res := SyncDestinationResult{}
	wasActive := dest.IsActive
	dest.Title = chat.Title
	dest.ChatType = chat.Type
	dest.CanPost = member.CanPostMessages
	dest.CanDelete = member.CanDeleteMessages
	switch {
	case member.Status == platform.MemberLeft || member.Status == platform.MemberKicked:
		dest.IsActive, dest.CanPost = false, false
		res.Deactivated = wasActive
	case !known:
		dest.IsActive = member.CanPostMessages
	case !wasActive && member.IsAdmin && member.CanPostMessages:
		dest.IsActive = true
		res.Reactivated = true
	}
	saved, err := d.store.UpsertDestination(ctx, dest)
	if err != nil {
		return SyncDestinationResult{}, fmt.Errorf("save destination: %w", err)
	}
	if res.Reactivated || res.Deactivated || !known {
		d.log.Info("destination synced",
			logx.String("destination_id", saved.ID),
			logx.String("chat_id", chatID),
			logx.Bool("active", saved.IsActive),
			logx.Bool("reactivated", res.Reactivated),
			logx.Bool("deactivated", res.Deactivated),
		)
	}
	res.DestinationID = saved.ID
	res.Title = saved.Title
	res.ChatType = saved.ChatType
	res.IsActive = saved.IsActive
	res.CanPost = saved.CanPost
	res.CanDelete = saved.CanDelete
	return res, nil
}

// unreachable deactivates a known destination when the platform says the
// chat is gone; the sync itself then succeeds with Deactivated set.
func (d *Dispatcher) unreachable(ctx context.Context, dest model.Destination, known bool, pe *delivery.PlatformError) (SyncDestinationResult, error) {
	if !known || !pe.Info.ShouldDeactivateDestination {
		return SyncDestinationResult{}, pe
	}
	if err := d.store.SetDestinationAccess(ctx, dest.ID, false, false); err != nil {
		return SyncDestinationResult{}, fmt.Errorf("deactivate destination: %w", err)
	}
	d.log.Warn("destination deactivated on sync",
		logx.String("destination_id", dest.ID),
		logx.String("chat_id", dest.PlatformID),
		logx.String("error_type", string(pe.Info.Type)),
	)
	return SyncDestinationResult{
		DestinationID: dest.ID,
		Title:         dest.Title,
		ChatType:      dest.ChatType,
		CanDelete:     dest.CanDelete,
		Deactivated:   dest.IsActive,
	}, nil
}

func withErrors(r bulk.Result) bulk.Result {
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}
