// Package campaign turns campaign configuration into queued send jobs:
// one rotated post, a fan-out to every destination, or a spaced-out series.
//
// Quota denials are outcomes, not errors. A fan-out never aborts because one
// destination was skipped or could not be enqueued.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/model"
	"promobot/internal/queue"
	"promobot/internal/quota"
	"promobot/internal/rotation"
	logx "promobot/pkg/logx"
	"promobot/pkg/tgui"
)

// DefaultStagger separates consecutive destinations of a fan-out.
const DefaultStagger = 5 * time.Second

var (
	ErrNotInCampaign = errors.New("not in campaign")
	ErrInactive      = errors.New("campaign is not active")
	// ErrEmpty means the campaign has no usable destination or creative.
	ErrEmpty = errors.New("campaign has no active destinations or creatives")
)

// Store is what the orchestrator reads and updates. storage.Store satisfies it.
type Store interface {
	GetCampaign(ctx context.Context, id string) (model.Campaign, error)
	ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) error
	ListDestinations(ctx context.Context, ids []string) ([]model.Destination, error)
	ListCreatives(ctx context.Context, ids []string) ([]model.Creative, error)
	IncrementCreativeUsage(ctx context.Context, id string, at time.Time) error
}

const (
	StatusEnqueued = "enqueued"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Outcome is the per-destination result of an orchestration call.
type Outcome struct {
	DestinationID string `json:"destinationId"`
	ChatID        string `json:"chatId"`
	CreativeID    string `json:"creativeId,omitempty"`
	Status        string `json:"status"`
	JobID         string `json:"jobId,omitempty"`
	DelayMs       int64  `json:"delayMs"`
	Reason        string `json:"reason,omitempty"`
}

type Report struct {
	CampaignID string    `json:"campaignId"`
	Enqueued   int       `json:"enqueued"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	switch o.Status {
	case StatusEnqueued:
		r.Enqueued++
	case StatusSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Outcomes = append(r.Outcomes, o)
}

type EndResult struct {
	CampaignID string `json:"campaignId"`
	Cancelled  int    `json:"cancelledJobs"`
}

type Option func(*Orchestrator)

// WithStagger sets the per-destination delay of PostToAllDestinations.
func WithStagger(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stagger = d
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(o *Orchestrator) { o.bus = b } }

type Orchestrator struct {
	store    Store
	rotation *rotation.Selector
	quota    *quota.Enforcer
	producer queue.Producer
	bus      eventbus.Bus
	log      logx.Logger
	stagger  time.Duration
}

func New(store Store, sel *rotation.Selector, q *quota.Enforcer, producer queue.Producer, log logx.Logger, opts ...Option) *Orchestrator {
	if q == nil {
		q = quota.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		store:    store,
		rotation: sel,
		quota:    q,
		producer: producer,
		bus:      eventbus.Nop{},
		log:      log.With(logx.String("comp", "campaign")),
		stagger:  DefaultStagger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stagger returns the fan-out spacing.
func (o *Orchestrator) Stagger() time.Duration { return o.stagger }

type loaded struct {
	campaign     model.Campaign
	destinations []model.Destination
	creatives    []model.Creative
}

func (l loaded) active() []model.Destination {
	out := make([]model.Destination, 0, len(l.destinations))
	for _, d := range l.destinations {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out
}

func (o *Orchestrator) load(ctx context.Context, campaignID string) (loaded, error) {
	c, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return loaded{}, fmt.Errorf("campaign %s: %w", campaignID, err)
	}
	if !c.Active() {
		return loaded{}, fmt.Errorf("%w: %s is %s", ErrInactive, c.ID, c.Status)
	}
	dests, err := o.store.ListDestinations(ctx, c.DestinationIDs)
	if err != nil {
		return loaded{}, fmt.Errorf("campaign %s destinations: %w", c.ID, err)
	}
	creatives, err := o.store.ListCreatives(ctx, c.CreativeIDs)
	if err != nil {
		return loaded{}, fmt.Errorf("campaign %s creatives: %w", c.ID, err)
	}
	if len(dests) == 0 || len(creatives) == 0 {
		return loaded{}, fmt.Errorf("%w: %s", ErrEmpty, c.ID)
	}
	return loaded{campaign: c, destinations: dests, creatives: creatives}, nil
}

// PostNext queues one post. Empty destinationID / creativeID mean "next in
// rotation"; explicit ids must belong to the campaign. A quota denial comes
// back as a skipped Outcome with a nil error.
func (o *Orchestrator) PostNext(ctx context.Context, campaignID, destinationID, creativeID string) (Outcome, error) {
	l, err := o.load(ctx, campaignID)
	if err != nil {
		return Outcome{}, err
	}

	// Explicit ids are resolved before either cursor moves, so a bad id
	// leaves the rotation untouched.
	var (
		dest model.Destination
		cr   model.Creative
	)
	if destinationID != "" {
		i := slices.IndexFunc(l.destinations, func(d model.Destination) bool { return d.ID == destinationID })
		if i < 0 {
			return Outcome{}, fmt.Errorf("destination %s: %w %s", destinationID, ErrNotInCampaign, campaignID)
		}
		dest = l.destinations[i]
	}
	if creativeID != "" {
		i := slices.IndexFunc(l.creatives, func(c model.Creative) bool { return c.ID == creativeID })
		if i < 0 {
			return Outcome{}, fmt.Errorf("creative %s: %w %s", creativeID, ErrNotInCampaign, campaignID)
		}
		cr = l.creatives[i]
	}

	if destinationID == "" {
		active := l.active()
		if len(active) == 0 {
			return Outcome{}, fmt.Errorf("%w: %s", ErrEmpty, campaignID)
		}
		i, err := o.rotation.NextDestinationIndex(ctx, campaignID, len(active))
		if err != nil {
			return Outcome{}, err
		}
		dest = active[i]
	}
	if creativeID == "" {
		i, err := o.rotation.NextCreativeIndex(ctx, campaignID, len(l.creatives))
		if err != nil {
			return Outcome{}, err
		}
		cr = l.creatives[i]
	}

	if out, ok := o.checkQuota(l.campaign, dest, cr); !ok {
		return out, nil
	}
	return o.enqueue(ctx, l.campaign, dest, cr, 0), nil
}

// PostToAllDestinations queues one post per campaign destination. The i-th
// destination gets creative i mod len(creatives) and a delay of i*stagger.
func (o *Orchestrator) PostToAllDestinations(ctx context.Context, campaignID string) (Report, error) {
	l, err := o.load(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{CampaignID: l.campaign.ID, Outcomes: make([]Outcome, 0, len(l.destinations))}
	for i, dest := range l.destinations {
		cr := l.creatives[i%len(l.creatives)]
		if out, ok := o.checkQuota(l.campaign, dest, cr); !ok {
			rep.add(out)
			continue
		}
		rep.add(o.enqueue(ctx, l.campaign, dest, cr, time.Duration(i)*o.stagger))
	}
	o.log.Info("campaign fan-out queued",
		logx.String("campaign_id", rep.CampaignID),
		logx.Int("enqueued", rep.Enqueued),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// ScheduleAtIntervals queues totalPosts posts, post i going to destination
// i mod n with creative i mod m after i*interval. Quota is enforced when each
// post is sent, not here.
func (o *Orchestrator) ScheduleAtIntervals(ctx context.Context, campaignID string, interval time.Duration, totalPosts int) (Report, error) {
	if interval <= 0 || totalPosts <= 0 {
		return Report{}, fmt.Errorf("schedule campaign %s: interval and total posts must be positive", campaignID)
	}
	l, err := o.load(ctx, campaignID)
	if err != nil {
		return Report{}, err
	}
	active := l.active()
	if len(active) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrEmpty, campaignID)
	}
	rep := Report{CampaignID: l.campaign.ID, Outcomes: make([]Outcome, 0, totalPosts)}
	for i := 0; i < totalPosts; i++ {
		dest := active[i%len(active)]
		cr := l.creatives[i%len(l.creatives)]
		rep.add(o.enqueue(ctx, l.campaign, dest, cr, time.Duration(i)*interval))
	}
	o.log.Info("campaign series scheduled",
		logx.String("campaign_id", rep.CampaignID),
		logx.Int("posts", totalPosts),
		logx.Duration("interval", interval),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// End marks the campaign ended and drops its pending jobs.
func (o *Orchestrator) End(ctx context.Context, campaignID string) (EndResult, error) {
	if err := o.store.SetCampaignStatus(ctx, campaignID, model.CampaignEnded); err != nil {
		return EndResult{}, fmt.Errorf("end campaign %s: %w", campaignID, err)
	}
	n, err := o.producer.CancelCampaign(ctx, campaignID)
	if err != nil {
		o.log.Warn("cancel pending jobs failed", logx.String("campaign_id", campaignID), logx.Err(err))
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignEnded, Time: o.quota.Now(), Data: EndResult{CampaignID: campaignID, Cancelled: n}})
	o.log.Info("campaign ended", logx.String("campaign_id", campaignID), logx.Int("cancelled_jobs", n))
	return EndResult{CampaignID: campaignID, Cancelled: n}, nil
}

// ExpireCampaigns ends every active campaign whose EndsAt has passed.
func (o *Orchestrator) ExpireCampaigns(ctx context.Context) (int, error) {
	active, err := o.store.ListCampaigns(ctx, model.CampaignActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	now := o.quota.Now()
	ended := 0
	for _, c := range active {
		if c.EndsAt.IsZero() || c.EndsAt.After(now) {
			continue
		}
		if _, err := o.End(ctx, c.ID); err != nil {
			return ended, err
		}
		ended++
	}
	return ended, nil
}

func (o *Orchestrator) checkQuota(c model.Campaign, dest model.Destination, cr model.Creative) (Outcome, bool) {
	dec := o.quota.CanPost(dest)
	if dec.Allowed {
		return Outcome{}, true
	}
	o.log.Debug("destination skipped",
		logx.String("campaign_id", c.ID),
		logx.String("destination_id", dest.ID),
		logx.String("reason", dec.Reason),
	)
	o.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySkipped, Time: o.quota.Now(), Data: eventbus.DeliveryData{
		DestinationID: dest.ID, ChatID: dest.PlatformID, CampaignID: c.ID, CreativeID: cr.ID, Reason: dec.Reason,
	}})
	return Outcome{
		DestinationID: dest.ID,
		ChatID:        dest.PlatformID,
		CreativeID:    cr.ID,
		Status:        StatusSkipped,
		Reason:        dec.Reason,
	}, false
}

func (o *Orchestrator) enqueue(ctx context.Context, c model.Campaign, dest model.Destination, cr model.Creative, delay time.Duration) Outcome {
	out := Outcome{
		DestinationID: dest.ID,
		ChatID:        dest.PlatformID,
		CreativeID:    cr.ID,
		DelayMs:       delay.Milliseconds(),
	}
	text, button := Render(cr)
	job, err := jobs.New(jobs.SendMessage, jobs.SendMessagePayload{
		ChatID:        dest.PlatformID,
		DestinationID: dest.ID,
		Text:          text,
		ParseMode:     cr.ParseMode,
		CampaignID:    c.ID,
		CreativeID:    cr.ID,
		Button:        button,
	})
	if err == nil {
		job.CampaignID = c.ID
		out.JobID, err = o.producer.Enqueue(ctx, job, queue.EnqueueOptions{Delay: delay, Priority: c.Priority.QueuePriority()})
	}
	if err != nil {
		o.log.Warn("enqueue failed", logx.String("campaign_id", c.ID), logx.String("destination_id", dest.ID), logx.Err(err))
		out.Status, out.Reason, out.JobID = StatusFailed, err.Error(), ""
		return out
	}
	out.Status = StatusEnqueued
	if err := o.store.IncrementCreativeUsage(ctx, cr.ID, o.quota.Now()); err != nil {
		o.log.Warn("creative usage update failed", logx.String("creative_id", cr.ID), logx.Err(err))
	}
	return out
}

// Render builds the message text of a creative. A call-to-action with a
// label becomes a URL button; a bare URL is appended to the caption.
func Render(cr model.Creative) (string, *jobs.Button) {
	text := strings.TrimSpace(cr.Caption)
	url := strings.TrimSpace(cr.CTAURL)
	if url == "" {
		return text, nil
	}
	if label := strings.TrimSpace(cr.CTAText); label != "" {
		return text, &jobs.Button{Text: label, URL: url}
	}
	link := url
	if tgui.IsHTML(cr.ParseMode) {
		link = tgui.Link(url, url).String()
	}
	if text == "" {
		return link, nil
	}
	return text + "\n\n" + link, nil
}
