// Package quota decides whether a destination may receive another post now
// and computes the statistics update after a confirmed post.
//
// CanPost is side-effect free. The check and the later RecordPost are not
// atomic: concurrent workers posting to one destination may overshoot the
// daily cap by at most (workers - 1). Quotas are a spam-avoidance heuristic,
// so this is accepted; exact enforcement would need a conditional increment
// in the store.
package quota

import (
	"fmt"
	"time"

	"promobot/internal/model"
)

const (
	ReasonInactive   = "Destination is inactive"
	ReasonDailyLimit = "Daily limit reached"
)

// Decision is the result of CanPost.
type Decision struct {
	Allowed                  bool   `json:"allowed"`
	Reason                   string `json:"reason,omitempty"`
	CooldownRemainingMinutes int    `json:"cooldownRemainingMinutes,omitempty"`
	PostsToday               int    `json:"postsToday"`
	MaxPerDay                int    `json:"maxPerDay"`
}

type Option func(*Enforcer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the timezone that defines a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(e *Enforcer) {
		if loc != nil {
			e.loc = loc
		}
	}
}

type Enforcer struct {
	now func() time.Time
	loc *time.Location
}

func New(opts ...Option) *Enforcer {
	e := &Enforcer{now: time.Now, loc: time.UTC}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Now returns the enforcer's current time.
func (e *Enforcer) Now() time.Time { return e.now() }

// CanPost evaluates activation, cooldown and daily cap, in that order.
func (e *Enforcer) CanPost(d model.Destination) Decision {
	now := e.now()
	postsToday := e.effectivePostsToday(d.Stats, now)
	dec := Decision{PostsToday: postsToday, MaxPerDay: d.MaxPostsPerDay}

	if !d.IsActive {
		dec.Reason = ReasonInactive
		return dec
	}

	if d.CooldownMinutes > 0 && !d.Stats.LastPostAt.IsZero() {
		cooldown := time.Duration(d.CooldownMinutes) * time.Minute
		elapsed := now.Sub(d.Stats.LastPostAt)
		if elapsed < cooldown {
			remaining := minutesCeil(cooldown - elapsed)
			dec.CooldownRemainingMinutes = remaining
			dec.Reason = fmt.Sprintf("Cooldown active: %d minute(s) remaining", remaining)
			return dec
		}
	}

	if d.MaxPostsPerDay > 0 && postsToday >= d.MaxPostsPerDay {
		dec.Reason = ReasonDailyLimit
		return dec
	}

	dec.Allowed = true
	return dec
}

// RecordPost returns the statistics after one confirmed successful post.
// The first post of a new calendar day resets PostsToday to 1.
func (e *Enforcer) RecordPost(stats model.DestinationStats) model.DestinationStats {
	now := e.now()
	if e.sameDay(stats.LastPostAt, now) {
		stats.PostsToday++
	} else {
		stats.PostsToday = 1
	}
	stats.TotalPosts++
	stats.LastPostAt = now
	return stats
}

func (e *Enforcer) effectivePostsToday(stats model.DestinationStats, now time.Time) int {
	if !e.sameDay(stats.LastPostAt, now) {
		return 0
	}
	return stats.PostsToday
}

func (e *Enforcer) sameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.In(e.loc).Date()
	by, bm, bd := b.In(e.loc).Date()
	return ay == by && am == bm && ad == bd
}

func minutesCeil(d time.Duration) int {
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}
