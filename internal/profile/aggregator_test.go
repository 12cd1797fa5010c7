package profile

import (
	"errors"
	"iter"
	"sort"
	"testing"

	"github.com/opensource-finance/pacifier/internal/domain"
)

func size(n int64) *int64 { return &n }

func event(addr, ts string) domain.RawEvent {
	return domain.RawEvent{
		RemoteAddr: addr,
		Path:       "/wp-login.php",
		Host:       "example.ru",
		UserAgent:  "Mozilla/5.0",
		Size:       size(512),
		Timestamp:  ts,
		Country:    "Russia",
	}
}

func seqOf(events []domain.RawEvent, tail error) iter.Seq2[domain.RawEvent, error] {
	return func(yield func(domain.RawEvent, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if tail != nil {
			yield(domain.RawEvent{}, tail)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Run("FractionalSeconds", func(t *testing.T) {
		ts, err := ParseTimestamp("2020-11-13T10:24:05.253Z")
		if err != nil {
			t.Fatalf("ParseTimestamp failed: %v", err)
		}
		if ts != 1605263045 {
			t.Errorf("expected 1605263045, got %d", ts)
		}
	})

	t.Run("Offset", func(t *testing.T) {
		ts, err := ParseTimestamp("2020-11-13T13:24:05.999+03:00")
		if err != nil {
			t.Fatalf("ParseTimestamp failed: %v", err)
		}
		if ts != 1605263045 {
			t.Errorf("expected 1605263045, got %d", ts)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := ParseTimestamp(""); !errors.Is(err, ErrMissingTimestamp) {
			t.Errorf("expected ErrMissingTimestamp, got %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		if _, err := ParseTimestamp("13/Nov/2020:10:24:05"); !errors.Is(err, ErrBadTimestamp) {
			t.Errorf("expected ErrBadTimestamp, got %v", err)
		}
	})
}

func TestMerge(t *testing.T) {
	t.Run("SeedsNewProfile", func(t *testing.T) {
		p, err := Merge(nil, event("10.0.0.1", "2020-11-13T10:24:05.000Z"))
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if p.Address != "10.0.0.1" {
			t.Errorf("expected address 10.0.0.1, got %s", p.Address)
		}
		if len(p.Paths) != 1 || len(p.Hosts) != 1 || len(p.UserAgents) != 1 || len(p.Sizes) != 1 {
			t.Errorf("expected one value per set, got %+v", p)
		}
		if len(p.Timestamps) != 1 {
			t.Errorf("expected one timestamp, got %d", len(p.Timestamps))
		}
		if p.Country != "Russia" {
			t.Errorf("expected country Russia, got %s", p.Country)
		}
	})

	t.Run("EmptyFieldsNotInserted", func(t *testing.T) {
		p, err := Merge(nil, domain.RawEvent{RemoteAddr: "10.0.0.2", Timestamp: "2020-11-13T10:24:05.000Z"})
		if err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
		if len(p.Paths)+len(p.Hosts)+len(p.UserAgents)+len(p.Referers)+len(p.Sizes) != 0 {
			t.Errorf("expected empty sets, got %+v", p)
		}
	})

	t.Run("SameEventTwice", func(t *testing.T) {
		ev := event("10.0.0.3", "2020-11-13T10:24:05.000Z")
		p, _ := Merge(nil, ev)
		p, _ = Merge(p, ev)

		if len(p.Paths) != 1 || len(p.Hosts) != 1 || len(p.UserAgents) != 1 || len(p.Sizes) != 1 {
			t.Errorf("expected sets to stay at one value, got %+v", p)
		}
		if len(p.Timestamps) != 2 {
			t.Errorf("expected timestamps to be appended twice, got %d", len(p.Timestamps))
		}
	})

	t.Run("TimestampsStaySorted", func(t *testing.T) {
		stamps := []string{
			"2020-11-13T10:24:09.000Z",
			"2020-11-13T10:24:01.000Z",
			"2020-11-13T10:24:05.000Z",
			"2020-11-13T10:24:05.500Z",
			"2020-11-13T10:23:59.000Z",
		}
		var p *domain.RequestProfile
		for _, ts := range stamps {
			var err error
			p, err = Merge(p, event("10.0.0.4", ts))
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if !sort.SliceIsSorted(p.Timestamps, func(i, j int) bool { return p.Timestamps[i] < p.Timestamps[j] }) {
				t.Fatalf("timestamps not sorted after merging %s: %v", ts, p.Timestamps)
			}
		}
	})

	t.Run("CountryNeverOverwritten", func(t *testing.T) {
		p, _ := Merge(nil, event("10.0.0.5", "2020-11-13T10:24:05.000Z"))
		other := event("10.0.0.5", "2020-11-13T10:24:06.000Z")
		other.Country = "Germany"
		p, _ = Merge(p, other)
		if p.Country != "Russia" {
			t.Errorf("expected country to stay Russia, got %s", p.Country)
		}
	})

	t.Run("MalformedLeavesProfileUntouched", func(t *testing.T) {
		p, _ := Merge(nil, event("10.0.0.6", "2020-11-13T10:24:05.000Z"))
		bad := event("10.0.0.6", "yesterday")
		bad.Path = "/xmlrpc.php"

		got, err := Merge(p, bad)
		if err == nil {
			t.Fatal("expected error for malformed timestamp")
		}
		if got != p || len(p.Paths) != 1 || len(p.Timestamps) != 1 {
			t.Errorf("expected profile untouched, got %+v", p)
		}
	})
}

func TestAggregate(t *testing.T) {
	t.Run("GroupsByAddress", func(t *testing.T) {
		events := []domain.RawEvent{
			event("10.0.0.1", "2020-11-13T10:24:05.000Z"),
			event("10.0.0.2", "2020-11-13T10:24:05.000Z"),
			event("10.0.0.1", "2020-11-13T10:24:06.000Z"),
			event("10.0.0.1", "broken"),
			{Path: "/wp-login.php", Timestamp: "2020-11-13T10:24:05.000Z"},
		}

		profiles, stats, err := Aggregate(seqOf(events, nil))
		if err != nil {
			t.Fatalf("Aggregate failed: %v", err)
		}
		if len(profiles) != 2 {
			t.Fatalf("expected 2 profiles, got %d", len(profiles))
		}
		if n := profiles["10.0.0.1"].RequestCount(); n != 2 {
			t.Errorf("expected 2 requests for 10.0.0.1, got %d", n)
		}
		if stats.Events != 5 || stats.Malformed != 1 || stats.Anonymous != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})

	t.Run("SourceErrorStopsPass", func(t *testing.T) {
		boom := errors.New("scroll expired")
		events := []domain.RawEvent{event("10.0.0.1", "2020-11-13T10:24:05.000Z")}

		profiles, _, err := Aggregate(seqOf(events, boom))
		if !errors.Is(err, boom) {
			t.Fatalf("expected source error, got %v", err)
		}
		if len(profiles) != 1 {
			t.Errorf("expected partial profiles to be returned, got %d", len(profiles))
		}
	})
}
