// Package rabbitmq is the broker-backed queue driver. Several worker
// processes can consume the same queue; priorities map to x-max-priority
// and delays go through either the delayed-message exchange plugin or
// per-delay TTL queues that dead-letter back into the main exchange.
//
// Retries are republished with the attempt count in the job envelope, so
// a restart never loses track of how often a job already ran.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"

	"promobot/internal/eventbus"
	"promobot/internal/jobs"
	"promobot/internal/queue"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

const (
	DefaultExchange    = "promobot.jobs"
	DefaultQueue       = "promobot.jobs"
	DefaultPrefetch    = 8
	DefaultMaxAttempts = 5
)

type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	// MaxAttempts counts the first run.
	MaxAttempts int
	// DelayedExchange uses the rabbitmq_delayed_message_exchange plugin.
	DelayedExchange bool
	// Retry shapes the republish delay of failed jobs.
	Retry   engine.TaskOptions
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

func (c Config) failedQueue() string { return c.Queue + ".failed" }

func (c Config) delayQueue(d time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", c.Queue, d.Milliseconds())
}

// publisher is the part of *amqp.Channel used to publish.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Option func(*Queue)

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

// WithDialer replaces amqp.Dial.
func WithDialer(fn func(url string) (*amqp.Connection, error)) Option {
	return func(q *Queue) { q.dial = fn }
}

type Queue struct {
	cfg  Config
	sub  queue.Submitter
	log  logx.Logger
	bus  eventbus.Bus
	dial func(url string) (*amqp.Connection, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pub      publisher
	declared map[string]bool
	closed   bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, sub queue.Submitter, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:      cfg.withDefaults(),
		sub:      sub,
		log:      log.With(logx.String("comp", "queue.rabbitmq")),
		bus:      eventbus.Nop{},
		dial:     amqp.Dial,
		declared: map[string]bool{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Connect dials the broker and declares the topology. Enqueue and Run call
// it lazily; calling it at startup surfaces a bad URL early.
func (q *Queue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.connectLocked(ctx)
	return err
}

func (q *Queue) connectLocked(ctx context.Context) (*amqp.Connection, error) {
	if q.closed {
		return nil, queue.ErrClosed
	}
	if q.conn != nil && !q.conn.IsClosed() && q.pubCh != nil && !q.pubCh.IsClosed() {
		return q.conn, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is required")
	}
	if q.conn != nil && !q.conn.IsClosed() {
		_ = q.conn.Close()
	}

	conn, err := q.dial(q.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, q.cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq topology: %w", err)
	}
	q.conn, q.pubCh, q.pub = conn, ch, ch
	q.declared = map[string]bool{}
	q.log.Info("connected", logx.String("host", redactedHost(q.cfg.URL)), logx.String("queue", q.cfg.Queue))
	return conn, nil
}

func mainQueueArgs() amqp.Table {
	return amqp.Table{"x-max-priority": int32(queue.MaxPriority)}
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	kind, args := "direct", amqp.Table(nil)
	if cfg.DelayedExchange {
		kind, args = "x-delayed-message", amqp.Table{"x-delayed-type": "direct"}
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, kind, true, false, false, false, args); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, mainQueueArgs()); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(cfg.failedQueue(), true, false, false, false, nil)
	return err
}

// delayQueueArgs make a queue whose messages dead-letter into the main
// exchange after d. Idle delay queues expire a minute after their TTL.
func delayQueueArgs(cfg Config, d time.Duration) amqp.Table {
	ms := d.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.Queue,
		"x-expires":                 ms + int64(time.Minute/time.Millisecond),
		"x-max-priority":            int32(queue.MaxPriority),
	}
}

// roundDelay buckets delays to whole seconds so TTL queues stay few.
func roundDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

func (q *Queue) Enqueue(ctx context.Context, job jobs.Job, opt queue.EnqueueOptions) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	job.Priority = queue.ClampPriority(opt.Priority)
	if err := q.publish(ctx, job, opt.Delay); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Queue) publish(ctx context.Context, job jobs.Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         string(job.Type),
		Priority:     uint8(job.Priority),
		Timestamp:    time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// A publisher without a channel is a test double.
	if q.pub == nil || q.pubCh != nil {
		if _, err := q.connectLocked(ctx); err != nil {
			return err
		}
	}
	exchange, key := q.cfg.Exchange, q.cfg.Queue
	if delay = roundDelay(delay); delay > 0 {
		if q.cfg.DelayedExchange {
			msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
		} else {
			name := q.cfg.delayQueue(delay)
			if q.pubCh == nil {
				return errors.New("rabbitmq: delay queues need a live channel")
			}
			if !q.declared[name] {
				if _, err := q.pubCh.QueueDeclare(name, true, false, false, false, delayQueueArgs(q.cfg, delay)); err != nil {
					return fmt.Errorf("declare delay queue: %w", err)
				}
				q.declared[name] = true
			}
			exchange, key = "", name
		}
	}
	if err := q.pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// CancelCampaign cannot reach into the broker; pending jobs of an ended
// campaign are dropped by the dispatcher when they come due.
func (q *Queue) CancelCampaign(_ context.Context, campaignID string) (int, error) {
	q.log.Debug("campaign cancel left to dispatch-time check", logx.String("campaign_id", campaignID))
	return 0, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.connectLocked(ctx); err != nil {
		return queue.Stats{}, err
	}
	info, err := q.pubCh.QueueDeclarePassive(q.cfg.Queue, true, false, false, false, mainQueueArgs())
	if err != nil {
		return queue.Stats{}, fmt.Errorf("inspect queue: %w", err)
	}
	return queue.Stats{Driver: "rabbitmq", Ready: info.Messages, Consumers: info.Consumers}, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}

// Run consumes until ctx ends or the channel closes. It returns the
// transport error so the supervisor can restart it with backoff; the next
// run reconnects.
func (q *Queue) Run(ctx context.Context, h queue.Handler) error {
	q.mu.Lock()
	conn, err := q.connectLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	msgs, err := ch.Consume(q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	q.log.Info("consumer started", logx.String("queue", q.cfg.Queue), logx.Int("prefetch", q.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case aerr, ok := <-closeCh:
			if !ok || aerr == nil {
				return errors.New("rabbitmq channel closed")
			}
			return fmt.Errorf("rabbitmq channel closed: %w", aerr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery stream closed")
			}
			q.deliver(ctx, d, h)
		}
	}
}

// deliver runs one delivery on the task engine. Ack happens when the task
// is done, so prefetch bounds the jobs in flight per process.
func (q *Queue) deliver(ctx context.Context, d amqp.Delivery, h queue.Handler) {
	var job jobs.Job
	if err := json.Unmarshal(d.Body, &job); err != nil || !job.Type.Valid() {
		if err == nil {
			err = fmt.Errorf("%w: unknown type %q", jobs.ErrInvalidPayload, job.Type)
		}
		q.log.Warn("poison message", logx.String("message_id", d.MessageId), logx.Err(err))
		q.deadLetter(ctx, d.Body, d.MessageId, err)
		_ = d.Ack(false)
		return
	}
	job.Attempt++

	var result any
	task := engine.Task{
		ID:      job.ID,
		Name:    "job." + string(job.Type),
		Timeout: q.cfg.Timeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			res, err := h(ctx, job)
			result = res
			return err
		},
		OnDone: func(err error, _ int) {
			q.settle(context.WithoutCancel(ctx), d, job, result, err)
		},
	}
	if err := q.sub.Submit(ctx, task); err != nil {
		_ = d.Nack(false, true)
	}
}

// settle acks a finished delivery after republishing or dead-lettering it.
func (q *Queue) settle(ctx context.Context, d amqp.Delivery, job jobs.Job, res any, err error) {
	if err == nil {
		queue.Finished(q.log, q.bus, job, res, nil, job.Attempt)
		_ = d.Ack(false)
		return
	}
	if !engine.IsNoRetry(err) && job.Attempt < q.cfg.MaxAttempts {
		delay := q.backoff(job.Attempt, err)
		if perr := q.publish(ctx, job, delay); perr != nil {
			q.log.Error("republish failed, requeueing", logx.String("job_id", job.ID), logx.Err(perr))
			_ = d.Nack(false, true)
			return
		}
		q.log.Debug("job retry scheduled",
			logx.String("job_id", job.ID),
			logx.Int("attempt", job.Attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		_ = d.Ack(false)
		return
	}
	queue.Finished(q.log, q.bus, job, nil, err, job.Attempt)
	body, _ := json.Marshal(job)
	q.deadLetter(ctx, body, job.ID, err)
	_ = d.Ack(false)
}

func (q *Queue) backoff(attempt int, err error) time.Duration {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return engine.Backoff(q.cfg.Retry, attempt, err, q.rng)
}

func (q *Queue) deadLetter(ctx context.Context, body []byte, id string, cause error) {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"x-error": cause.Error()},
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub == nil {
		return
	}
	if err := q.pub.PublishWithContext(ctx, "", q.cfg.failedQueue(), false, false, msg); err != nil {
		q.log.Error("dead-letter publish failed", logx.String("message_id", id), logx.Err(err))
	}
}

func redactedHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
