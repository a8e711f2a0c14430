package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"promobot/internal/eventbus"
	logx "promobot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask, idx int) {
	// Per-worker RNG: no global lock when many tasks back off at once.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))

	var (
		err      error
		attempts int
	)
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.attempt(ctx, qt, log)
		if err == nil {
			break
		}
		// The mark stays on err so OnDone callers can tell terminal failures apart.
		if IsNoRetry(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		delay := Backoff(qt.opt, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			t.Stop()
			err = ErrStopping
			break attemptLoop
		case <-t.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error, ev.Error = err.Error(), err.Error()
		s.failed.Add(1)
		log.Warn("task.failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: TypeTaskFailed, Data: ev})
	} else {
		s.completed.Add(1)
		log.Debug("task.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: TypeTaskFinished, Data: ev})
	}
	s.record(item)
	if qt.task.OnDone != nil {
		qt.task.OnDone(err, attempts)
	}
}

// attempt runs the task once; a panic becomes an error.
func (s *Service) attempt(ctx context.Context, qt queuedTask, log logx.Logger) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}
