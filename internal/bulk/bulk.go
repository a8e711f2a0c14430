// Package bulk deletes many messages in platform-sized batches, falling back
// to single deletes when a batch call is rejected.
//
// Batches run strictly one after another so a single invocation never
// exceeds the shared send budget. Results are partial by nature: every
// failure is reported, none is swallowed.
package bulk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"promobot/internal/classify"
	"promobot/internal/delivery"
	"promobot/internal/eventbus"
	"promobot/internal/platform"
	logx "promobot/pkg/logx"
)

const (
	DefaultBatchDelay = time.Second
	DefaultMaxRange   = 10000
)

type Config struct {
	// BatchSize is capped at platform.MaxBulkDelete.
	BatchSize  int
	BatchDelay time.Duration
	// MaxRange caps the number of ids a range sweep will generate.
	MaxRange int
}

// Result is the aggregate outcome of one invocation.
type Result struct {
	Success      bool     `json:"success"`
	DeletedCount int      `json:"deletedCount"`
	FailedCount  int      `json:"failedCount"`
	Errors       []string `json:"errors"`
	// Aborted is set when a range sweep stopped on a permission failure.
	// The ids it never got to are counted in FailedCount.
	Aborted    bool  `json:"aborted,omitempty"`
	DeletedIDs []int `json:"-"`
}

// Merge folds o into r.
func (r Result) Merge(o Result) Result {
	r.DeletedCount += o.DeletedCount
	r.FailedCount += o.FailedCount
	r.Errors = append(r.Errors, o.Errors...)
	r.Aborted = r.Aborted || o.Aborted
	r.DeletedIDs = append(r.DeletedIDs, o.DeletedIDs...)
	r.Success = r.FailedCount == 0
	return r
}

// Tracker is told which ids were removed. delivery.Executor satisfies it.
type Tracker interface {
	MarkDeleted(ctx context.Context, chatID string, messageIDs []int)
}

type Option func(*Engine)

// WithSleep replaces the context-aware sleep (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithTracker(t Tracker) Option { return func(e *Engine) { e.tracker = t } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

type Engine struct {
	platform platform.Client
	log      logx.Logger
	tracker  Tracker
	bus      eventbus.Bus
	sleep    func(ctx context.Context, d time.Duration) error

	batchSize  int
	batchDelay atomic.Int64
	maxRange   int
}

func New(client platform.Client, cfg Config, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		platform:  client,
		log:       log.With(logx.String("comp", "bulk")),
		bus:       eventbus.Nop{},
		sleep:     sleepCtx,
		batchSize: cfg.BatchSize,
		maxRange:  cfg.MaxRange,
	}
	if e.batchSize <= 0 || e.batchSize > platform.MaxBulkDelete {
		e.batchSize = platform.MaxBulkDelete
	}
	if e.maxRange <= 0 {
		e.maxRange = DefaultMaxRange
	}
	e.SetBatchDelay(cfg.BatchDelay)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetBatchDelay changes the inter-batch pause (hot reload). Negative means default.
func (e *Engine) SetBatchDelay(d time.Duration) {
	if d < 0 {
		d = DefaultBatchDelay
	}
	e.batchDelay.Store(int64(d))
}

func (e *Engine) BatchDelay() time.Duration { return time.Duration(e.batchDelay.Load()) }

func (e *Engine) MaxRange() int { return e.maxRange }

// DeleteMany deletes ids in batches. Permission failures degrade to
// per-id failures rather than aborting.
func (e *Engine) DeleteMany(ctx context.Context, chatID string, ids []int) (Result, error) {
	res, err := e.run(ctx, chatID, ids, false)
	e.finish(chatID, "many", res)
	return res, err
}

// DeleteRange sweeps the inclusive id range [from, to], clamped to MaxRange
// ids counted from `to` downwards, leaving out skip. A permission failure
// aborts the sweep and the partial result is returned.
func (e *Engine) DeleteRange(ctx context.Context, chatID string, from, to int, skip ...int) (Result, error) {
	if from <= 0 || to < from {
		return Result{Success: true}, fmt.Errorf("invalid message id range [%d, %d]", from, to)
	}
	if to-from+1 > e.maxRange {
		e.log.Warn("range clamped", logx.String("chat_id", chatID), logx.Int("from", from), logx.Int("to", to), logx.Int("max", e.maxRange))
		from = to - e.maxRange + 1
	}
	skipped := make(map[int]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}
	ids := make([]int, 0, to-from+1)
	for id := from; id <= to; id++ {
		if _, ok := skipped[id]; !ok {
			ids = append(ids, id)
		}
	}
	res, err := e.run(ctx, chatID, ids, true)
	e.finish(chatID, "range", res)
	return res, err
}

func (e *Engine) run(ctx context.Context, chatID string, ids []int, rangeMode bool) (Result, error) {
	res := Result{Success: true}
	log := e.log.With(logx.String("chat_id", chatID))

	for start := 0; start < len(ids); start += e.batchSize {
		if start > 0 {
			if err := e.sleep(ctx, e.BatchDelay()); err != nil {
				return res, err
			}
		}
		end := start + e.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		br, abort, err := e.batch(ctx, chatID, batch, rangeMode)
		res = res.Merge(br)
		if err != nil {
			return res, err
		}
		if abort {
			// Everything from this batch on that was neither deleted nor
			// already reported is left in the chat.
			left := len(ids) - start - br.DeletedCount - br.FailedCount
			res = res.Merge(Result{FailedCount: left, Aborted: true})
			log.Warn("range delete aborted", logx.Int("deleted", res.DeletedCount), logx.Int("not_deleted", left))
			return res, nil
		}
	}
	return res, nil
}

// batch runs one bulk call and, when needed, the per-id fallback.
func (e *Engine) batch(ctx context.Context, chatID string, ids []int, rangeMode bool) (Result, bool, error) {
	err := e.platform.DeleteMessages(ctx, chatID, ids)
	if err == nil {
		return e.deleted(ctx, chatID, ids), false, nil
	}
	info := classify.Classify(err)
	if rangeMode && info.Type == classify.PermissionDenied {
		return Result{Errors: []string{fmt.Sprintf("batch %d-%d: %v", ids[0], ids[len(ids)-1], err)}}, true, nil
	}
	if info.Recoverable {
		if serr := e.sleep(ctx, info.RetryAfter); serr != nil {
			return Result{}, false, serr
		}
		err = e.platform.DeleteMessages(ctx, chatID, ids)
		if err == nil {
			return e.deleted(ctx, chatID, ids), false, nil
		}
		info = classify.Classify(err)
		if rangeMode && info.Type == classify.PermissionDenied {
			return Result{Errors: []string{fmt.Sprintf("batch %d-%d: %v", ids[0], ids[len(ids)-1], err)}}, true, nil
		}
	}

	e.log.Warn("bulk delete rejected, deleting individually",
		logx.String("chat_id", chatID),
		logx.Int("batch", len(ids)),
		logx.String("error_type", string(info.Type)),
	)
	return e.individually(ctx, chatID, ids, rangeMode)
}

func (e *Engine) individually(ctx context.Context, chatID string, ids []int, rangeMode bool) (Result, bool, error) {
	var (
		res  Result
		gone []int
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res = res.Merge(e.deleted(ctx, chatID, gone))
			return res, false, err
		}
		err := e.platform.DeleteMessage(ctx, chatID, id)
		if err == nil || delivery.IsMessageGone(err) {
			gone = append(gone, id)
			continue
		}
		if rangeMode && classify.Classify(err).Type == classify.PermissionDenied {
			res = res.Merge(e.deleted(ctx, chatID, gone))
			res.Errors = append(res.Errors, fmt.Sprintf("message %d: %v", id, err))
			return res, true, nil
		}
		res.FailedCount++
		res.Errors = append(res.Errors, fmt.Sprintf("message %d: %v", id, err))
	}
	res = res.Merge(e.deleted(ctx, chatID, gone))
	return res, false, nil
}

func (e *Engine) deleted(ctx context.Context, chatID string, ids []int) Result {
	if len(ids) > 0 && e.tracker != nil {
		e.tracker.MarkDeleted(ctx, chatID, ids)
	}
	return Result{Success: true, DeletedCount: len(ids), DeletedIDs: append([]int(nil), ids...)}
}

func (e *Engine) finish(chatID, mode string, res Result) {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeBulkFinished, Data: eventbus.BulkData{
		ChatID: chatID, Mode: mode, Deleted: res.DeletedCount, Failed: res.FailedCount, Aborted: res.Aborted,
	}})
	e.log.Info("bulk delete finished",
		logx.String("chat_id", chatID),
		logx.String("mode", mode),
		logx.Int("deleted", res.DeletedCount),
		logx.Int("failed", res.FailedCount),
		logx.Bool("aborted", res.Aborted),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
