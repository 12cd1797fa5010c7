package rules

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/pacifier/internal/botverify"
	"github.com/opensource-finance/pacifier/internal/cluster"
	"github.com/opensource-finance/pacifier/internal/domain"
)

// Predicate reports whether a check fires for a subject. Predicates must not
// mutate the profile.
type Predicate func(ctx context.Context, s *Subject) bool

// Check is one scored entry of the registry.
type Check struct {
	ID          string    `json:"id"`
	Points      int       `json:"points"`
	Description string    `json:"description"`
	Expression  string    `json:"expression,omitempty"`
	Match       Predicate `json:"-"`
}

// Clusterer builds the same-origin index for a set of addresses.
type Clusterer interface {
	Build(ctx context.Context, addrs []string, minPrefixLen int) cluster.Index
}

// BotVerifier confirms a crawler identity via reverse and forward DNS.
type BotVerifier interface {
	IsKnownBot(ctx context.Context, addr string, vendor botverify.Vendor) bool
}

// cycleSignals holds lookups shared by every subject of one evaluation.
type cycleSignals struct {
	addrs     []string
	clusterer Clusterer
	minPrefix int

	once  sync.Once
	index cluster.Index
}

func (c *cycleSignals) network(ctx context.Context) cluster.Index {
	c.once.Do(func() {
		if c.clusterer == nil {
			c.index = cluster.Index{}
			return
		}
		c.index = c.clusterer.Build(ctx, c.addrs, c.minPrefix)
	})
	return c.index
}

// Subject is what a predicate sees: the profile plus lazily computed signals.
type Subject struct {
	Address  string
	Profile  *domain.RequestProfile
	Interval time.Duration

	signals  *cycleSignals
	verifier BotVerifier

	mu       sync.Mutex
	verified map[string]bool

	activationOnce sync.Once
	activation     map[string]any
}

// NewSubject wraps a single profile with no network or DNS signals.
// Used by callers that evaluate one profile at a time.
func NewSubject(p *domain.RequestProfile, interval time.Duration) *Subject {
	return &Subject{
		Address:  p.Address,
		Profile:  p,
		Interval: interval,
		signals:  &cycleSignals{addrs: []string{p.Address}},
	}
}

// SameOrigin returns the number of other profiled addresses sharing this
// address's registry network. The index is built on first use per cycle.
func (s *Subject) SameOrigin(ctx context.Context) int {
	return s.signals.network(ctx).Count(s.Address)
}

// IsKnownBot reports whether the address is a verified crawler of vendor.
// The answer is memoized for the lifetime of the subject.
func (s *Subject) IsKnownBot(ctx context.Context, vendor botverify.Vendor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.verified[vendor.Name]; ok {
		return v
	}
	ok := false
	if s.verifier != nil {
		ok = s.verifier.IsKnownBot(ctx, s.Address, vendor)
	}
	if s.verified == nil {
		s.verified = make(map[string]bool)
	}
	s.verified[vendor.Name] = ok
	return ok
}

// Rate returns requests per second over the observed span, falling back to
// the cycle interval when all requests share one second.
func (s *Subject) Rate() float64 {
	n := s.Profile.RequestCount()
	if n == 0 {
		return 0
	}
	span := float64(s.Profile.Span())
	if span == 0 {
		span = s.Interval.Seconds()
	}
	if span <= 0 {
		return 0
	}
	return float64(n) / span
}

// vars returns the CEL activation for the profile.
func (s *Subject) vars() map[string]any {
	s.activationOnce.Do(func() {
		p := s.Profile
		sizes := make([]int64, 0, len(p.Sizes))
		for v := range p.Sizes {
			sizes = append(sizes, v)
		}
		s.activation = map[string]any{
			"request_count": int64(p.RequestCount()),
			"span_secs":     p.Span(),
			"rps":           s.Rate(),
			"hosts":         setSlice(p.Hosts),
			"paths":         setSlice(p.Paths),
			"user_agents":   setSlice(p.UserAgents),
			"referers":      setSlice(p.Referers),
			"sizes":         sizes,
			"country":       p.Country,
		}
	})
	return s.activation
}

func setSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}
