// Package banmemory keeps the escalation history of banned addresses.
package banmemory

import (
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// Policy controls how repeat offenses escalate.
type Policy struct {
	// Multiplier is added to the base interval once per recorded offense.
	Multiplier time.Duration

	// TTL is how long a record survives without a new offense.
	TTL time.Duration

	// MaxDuration caps escalation; longer bans fall back to the base.
	MaxDuration time.Duration
}

// DefaultPolicy returns the reference escalation policy.
func DefaultPolicy() Policy {
	return Policy{
		Multiplier:  100 * time.Second,
		TTL:         4 * time.Hour,
		MaxDuration: 7200 * time.Second,
	}
}

// Memory is process-wide escalation state. Safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*domain.BanRecord
	now     func() time.Time
}

// New creates an empty Memory.
func New(policy Policy) *Memory {
	return &Memory{
		policy:  policy,
		records: make(map[string]*domain.BanRecord),
		now:     time.Now,
	}
}

// Decide records an offense for addr and returns the ban duration.
func (m *Memory) Decide(addr string, base time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.records[addr]
	if !ok {
		m.records[addr] = &domain.BanRecord{Address: addr, Count: 1, LastOffense: now}
		return base
	}

	rec.Count++
	rec.LastOffense = now

	escalated := base + time.Duration(rec.Count)*m.policy.Multiplier
	if rec.Count > 1 && escalated <= m.policy.MaxDuration {
		return escalated
	}
	return base
}

// Evict forgets records whose last offense is older than the TTL and
// returns how many were removed.
func (m *Memory) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.policy.TTL)
	removed := 0
	for addr, rec := range m.records {
		if rec.LastOffense.Before(cutoff) {
			delete(m.records, addr)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the record for addr.
func (m *Memory) Get(addr string) (domain.BanRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[addr]
	if !ok {
		return domain.BanRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records sorted by address.
func (m *Memory) Snapshot() []domain.BanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.BanRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of remembered addresses.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
