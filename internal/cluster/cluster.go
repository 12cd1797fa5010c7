// Package cluster groups source addresses that share a registry network.
package cluster

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// Registry resolves the announced prefix of many addresses in one batch.
type Registry interface {
	LookupMany(ctx context.Context, addrs []string) (map[string]netip.Prefix, error)
}

// Index maps an address to the number of other addresses in its network.
type Index map[string]int

// Count returns the same-origin count for addr. Unknown addresses count 0.
func (idx Index) Count(addr string) int {
	return idx[addr]
}

// noPrefix marks a cached negative answer.
const noPrefix = "-"

// Clusterer builds network cluster indexes from registry answers.
type Clusterer struct {
	registry Registry
	cache    domain.Cache
	ttl      time.Duration
}

// New creates a Clusterer. cache may be nil.
func New(registry Registry, cache domain.Cache, ttl time.Duration) *Clusterer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Clusterer{registry: registry, cache: cache, ttl: ttl}
}

// Build looks up every address and groups those whose prefix is at least
// minPrefixLen bits long. A failed lookup leaves the affected addresses out.
func (c *Clusterer) Build(ctx context.Context, addrs []string, minPrefixLen int) Index {
	prefixes := make(map[string]netip.Prefix, len(addrs))
	var missing []string

	for _, addr := range addrs {
		if p, ok := c.cached(ctx, addr); ok {
			if p.IsValid() {
				prefixes[addr] = p
			}
			continue
		}
		missing = append(missing, addr)
	}

	if len(missing) > 0 {
		answers, err := c.registry.LookupMany(ctx, missing)
		if err != nil {
			slog.Warn("registry lookup failed",
				"addresses", len(missing),
				"error", err,
			)
		}
		for _, addr := range missing {
			p, ok := answers[addr]
			if ok {
				prefixes[addr] = p
			}
			if err == nil {
				c.store(ctx, addr, p, ok)
			}
		}
	}

	groups := make(map[netip.Prefix][]string)
	for addr, p := range prefixes {
		if p.Bits() < minPrefixLen {
			continue
		}
		groups[p] = append(groups[p], addr)
	}

	idx := make(Index)
	for _, members := range groups {
		for _, addr := range members {
			idx[addr] = len(members) - 1
		}
	}

	slog.Debug("network clusters built",
		"addresses", len(addrs),
		"looked_up", len(missing),
		"networks", len(groups),
	)
	return idx
}

func (c *Clusterer) cached(ctx context.Context, addr string) (netip.Prefix, bool) {
	if c.cache == nil {
		return netip.Prefix{}, false
	}
	raw, err := c.cache.Get(ctx, domain.CacheNamespaceNetwork, addr)
	if err != nil || raw == nil {
		return netip.Prefix{}, false
	}
	if string(raw) == noPrefix {
		return netip.Prefix{}, true
	}
	p, err := netip.ParsePrefix(string(raw))
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

func (c *Clusterer) store(ctx context.Context, addr string, p netip.Prefix, found bool) {
	if c.cache == nil {
		return
	}
	value := noPrefix
	if found {
		value = p.String()
	}
	if err := c.cache.Set(ctx, domain.CacheNamespaceNetwork, addr, []byte(value), c.ttl); err != nil {
		slog.Debug("registry answer not cached", "address", addr, "error", err)
	}
}
