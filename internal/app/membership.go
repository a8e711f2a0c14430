package app

import (
	"context"
	"time"

	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/model"
	"promobot/internal/platform"
	"promobot/internal/queue"
	logx "promobot/pkg/logx"
)

type destinationLookup interface {
	GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error)
}

// membershipListener turns my_chat_member updates into sync-destination
// jobs. A promotion creates or refreshes the destination; any other change
// only matters for chats that are already destinations.
type membershipListener struct {
	store    destinationLookup
	producer queue.Producer
	bus      eventbus.Bus
	log      logx.Logger
}

func (l *membershipListener) handle(ctx context.Context, ch platform.MembershipChange) {
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeDestinationMembership, Time: time.Now(), Data: ch})
	if !ch.New.IsAdmin {
		if _, err := l.store.GetDestinationByPlatformID(ctx, ch.ChatID); err != nil {
			l.log.Debug("membership change for unknown chat ignored", logx.String("chat_id", ch.ChatID), logx.String("status", ch.New.Status))
			return
		}
	}
	job, err := jobs.New(jobs.SyncDestination, jobs.SyncDestinationPayload{ChatID: ch.ChatID})
	if err != nil {
		l.log.Error("build sync job failed", logx.String("chat_id", ch.ChatID), logx.Err(err))
		return
	}
	if _, err := l.producer.Enqueue(ctx, job, queue.EnqueueOptions{Priority: queue.MaxPriority}); err != nil {
		l.log.Warn("enqueue sync job failed", logx.String("chat_id", ch.ChatID), logx.Err(err))
		return
	}
	l.log.Info("destination sync queued",
		logx.String("chat_id", ch.ChatID),
		logx.String("old", ch.Old.Status),
		logx.String("new", ch.New.Status),
	)
}
