package scheduler

import (
	"fmt"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 3 * * *", "@hourly", "@every 10m"
//   - interval: "10m", "1h30m" (or prefixed "every:10m")
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	if v, ok := strings.CutPrefix(strings.ToLower(s), "every:"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil || d <= 0 {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 3 * * *' or a duration like '10m')", raw)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}
