// Package memory is the in-process queue driver. Jobs wait in two heaps,
// one ordered by due time for delayed jobs and one ordered by priority for
// ready jobs, and are handed to the task engine one at a time.
//
// Pending jobs are lost on restart; use the amqp driver when that matters.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/queue"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

// WithTaskOptions sets the retry policy of every job.
func WithTaskOptions(opt engine.TaskOptions) Option { return func(q *Queue) { q.opt = opt } }

// WithTimeout bounds one job attempt.
func WithTimeout(d time.Duration) Option { return func(q *Queue) { q.timeout = d } }

type Queue struct {
	sub     queue.Submitter
	log     logx.Logger
	bus     eventbus.Bus
	opt     engine.TaskOptions
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	delayed *itemHeap
	ready   *itemHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
}

type item struct {
	job jobs.Job
	due time.Time
	seq uint64
}

func New(sub queue.Submitter, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		sub:  sub,
		log:  log.With(logx.String("comp", "queue.memory")),
		bus:  eventbus.Nop{},
		now:  time.Now,
		wake: make(chan struct{}, 1),
		delayed: &itemHeap{less: func(a, b *item) bool {
			if !a.due.Equal(b.due) {
				return a.due.Before(b.due)
			}
			return a.seq < b.seq
		}},
		ready: &itemHeap{less: func(a, b *item) bool {
			if a.job.Priority != b.job.Priority {
				return a.job.Priority > b.job.Priority
			}
			return a.seq < b.seq
		}},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, job jobs.Job, opt queue.EnqueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Priority = queue.ClampPriority(opt.Priority)
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", queue.ErrClosed
	}
	q.seq++
	it := &item{job: job, due: now.Add(opt.Delay), seq: q.seq}
	if opt.Delay > 0 {
		heap.Push(q.delayed, it)
	} else {
		heap.Push(q.ready, it)
	}
	q.mu.Unlock()

	q.signal()
	return job.ID, nil
}

func (q *Queue) CancelCampaign(_ context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, nil
	}
	q.mu.Lock()
	n := q.delayed.removeCampaign(campaignID) + q.ready.removeCampaign(campaignID)
	q.mu.Unlock()
	if n > 0 {
		q.log.Info("pending jobs cancelled", logx.String("campaign_id", campaignID), logx.Int("count", n))
	}
	return n, nil
}

func (q *Queue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Driver: "memory", Ready: q.ready.Len(), Delayed: q.delayed.Len()}, nil
}

// Close refuses new jobs and makes Run return. Pending jobs are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return nil
}

// Run hands due jobs to the task engine in priority order. Submit blocks
// while the engine is saturated, so priority decides who goes next.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		it, wait, closed := q.next()
		if closed {
			return nil
		}
		if it != nil {
			if err := q.sub.Submit(ctx, q.task(it.job, h)); err != nil {
				q.mu.Lock()
				heap.Push(q.ready, it)
				q.mu.Unlock()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.log.Error("submit to engine failed", logx.String("job_id", it.job.ID), logx.Err(err))
				return err
			}
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timerC != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

// next pops the most urgent due job, or reports how long until the next
// delayed job is due (-1 when nothing is waiting).
func (q *Queue) next() (*item, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, true
	}
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed.items[0].due.After(now) {
		heap.Push(q.ready, heap.Pop(q.delayed))
	}
	if q.ready.Len() > 0 {
		return heap.Pop(q.ready).(*item), 0, false
	}
	if q.delayed.Len() > 0 {
		return nil, q.delayed.items[0].due.Sub(now), false
	}
	return nil, -1, false
}

func (q *Queue) task(job jobs.Job, h queue.Handler) engine.Task {
	var (
		attempt int
		result  any
	)
	return engine.Task{
		ID:      job.ID,
		Name:    "job." + string(job.Type),
		Timeout: q.timeout,
		Opt:     q.opt,
		Run: func(ctx context.Context) error {
			attempt++
			j := job
			j.Attempt = attempt
			res, err := h(ctx, j)
			if err == nil {
				result = res
			}
			return err
		},
		OnDone: func(err error, attempts int) {
			queue.Finished(q.log, q.bus, job, result, err, attempts)
		},
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type itemHeap struct {
	items []*item
	less  func(a, b *item) bool
}

func (h *itemHeap) Len() int           { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *itemHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *itemHeap) Push(x any)         { h.items = append(h.items, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return it
}

func (h *itemHeap) removeCampaign(id string) int {
	kept := h.items[:0]
	removed := 0
	for _, it := range h.items {
		if it.job.CampaignID == id {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(h.items); i++ {
		h.items[i] = nil
	}
	h.items = kept
	heap.Init(h)
	return removed
}
