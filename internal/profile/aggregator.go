// Package profile folds raw access-log events into per-address request profiles.
package profile

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

var (
	ErrMissingTimestamp = errors.New("event has no timestamp")
	ErrBadTimestamp     = errors.New("event timestamp is malformed")
)

// ParseTimestamp converts an ISO-8601 event time with fractional seconds
// into UTC epoch seconds. Sub-second precision is truncated.
func ParseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, ErrMissingTimestamp
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, raw)
	}
	return t.UTC().Unix(), nil
}

// Merge folds ev into p and returns the profile. A nil p starts a new
// profile seeded from the event. On error p is left untouched.
func Merge(p *domain.RequestProfile, ev domain.RawEvent) (*domain.RequestProfile, error) {
	ts, err := ParseTimestamp(ev.Timestamp)
	if err != nil {
		return p, err
	}

	if p == nil {
		p = domain.NewRequestProfile(ev.RemoteAddr)
		p.Country = ev.Country
	}

	if ev.Path != "" {
		p.Paths[ev.Path] = struct{}{}
	}
	if ev.Host != "" {
		p.Hosts[ev.Host] = struct{}{}
	}
	if ev.UserAgent != "" {
		p.UserAgents[ev.UserAgent] = struct{}{}
	}
	if ev.Referer != "" {
		p.Referers[ev.Referer] = struct{}{}
	}
	if ev.Size != nil {
		p.Sizes[*ev.Size] = struct{}{}
	}

	// Events mostly arrive in order, so the common case is a plain append.
	n := len(p.Timestamps)
	p.Timestamps = append(p.Timestamps, ts)
	if n > 0 && p.Timestamps[n-1] > ts {
		sort.Slice(p.Timestamps, func(i, j int) bool { return p.Timestamps[i] < p.Timestamps[j] })
	}

	return p, nil
}

// Stats counts what an aggregation pass consumed.
type Stats struct {
	Events    int
	Malformed int
	Anonymous int
}

// Aggregate drains events into profiles keyed by source address.
// Malformed events are logged and skipped; a source error ends the pass
// and is returned along with the profiles built so far.
func Aggregate(events iter.Seq2[domain.RawEvent, error]) (map[string]*domain.RequestProfile, Stats, error) {
	profiles := make(map[string]*domain.RequestProfile)
	var stats Stats

	for ev, err := range events {
		if err != nil {
			return profiles, stats, fmt.Errorf("event source: %w", err)
		}
		stats.Events++

		if ev.RemoteAddr == "" {
			stats.Anonymous++
			continue
		}

		merged, err := Merge(profiles[ev.RemoteAddr], ev)
		if err != nil {
			stats.Malformed++
			slog.Warn("skipping malformed event",
				"address", ev.RemoteAddr,
				"error", err,
			)
			continue
		}
		profiles[ev.RemoteAddr] = merged
	}

	return profiles, stats, nil
}
