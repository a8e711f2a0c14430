// Package eventbus is an in-process fanout for delivery lifecycle events.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber loses events instead of stalling the delivery path.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeDeliverySent           = "delivery.sent"
	TypeDeliverySkipped        = "delivery.skipped"
	TypeDeliveryFailed         = "delivery.failed"
	TypeDestinationDeactivated = "destination.deactivated"
	TypeDestinationMembership  = "destination.membership"
	TypeBulkFinished           = "bulk.finished"
	TypeCampaignEnded          = "campaign.ended"
	TypeJobFinished            = "job.finished"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// DeliveryData is carried by delivery.* events.
type DeliveryData struct {
	DestinationID string `json:"destinationId,omitempty"`
	ChatID        string `json:"chatId"`
	MessageID     int    `json:"messageId,omitempty"`
	CampaignID    string `json:"campaignId,omitempty"`
	CreativeID    string `json:"creativeId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ErrorType     string `json:"errorType,omitempty"`
}

// BulkData is carried by bulk.finished.
type BulkData struct {
	ChatID  string `json:"chatId"`
	Mode    string `json:"mode"`
	Deleted int    `json:"deleted"`
	Failed  int    `json:"failed"`
	Aborted bool   `json:"aborted"`
}

// JobData is carried by job.finished.
type JobData struct {
	JobID      string `json:"jobId"`
	Type       string `json:"type"`
	CampaignID string `json:"campaignId,omitempty"`
	Attempts   int    `json:"attempts"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose type is in types
	// (all events when types is empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
