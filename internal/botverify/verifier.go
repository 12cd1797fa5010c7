// Package botverify tells genuine search-engine crawlers from impostors by
// reverse and forward DNS double verification.
package botverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// Vendor identifies a crawler operator.
type Vendor struct {
	Name string

	// Signature is the token the vendor's crawlers put in their User-Agent.
	Signature string

	// Suffixes are the registrable domains of the vendor's PTR records.
	Suffixes []string
}

var (
	Yandex = Vendor{
		Name:      "yandex",
		Signature: "yandex.com/bot",
		Suffixes:  []string{"yandex.ru", "yandex.net", "yandex.com"},
	}
	Google = Vendor{
		Name:      "google",
		Signature: "google.com/bot",
		Suffixes:  []string{"googlebot.com", "google.com"},
	}
)

// Resolver is the subset of *net.Resolver the verifier needs.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Verifier performs and caches double DNS verification.
type Verifier struct {
	resolver Resolver
	cache    domain.Cache
	cacheTTL time.Duration
	timeout  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithCache reuses verification answers for ttl.
func WithCache(c domain.Cache, ttl time.Duration) Option {
	return func(v *Verifier) {
		v.cache = c
		v.cacheTTL = ttl
	}
}

// WithTimeout bounds each lookup pair.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.timeout = d
	}
}

// NewVerifier creates a verifier. A nil resolver uses net.DefaultResolver.
func NewVerifier(resolver Resolver, opts ...Option) *Verifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	v := &Verifier{
		resolver: resolver,
		timeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsClaimingBot reports whether any User-Agent of the profile carries the
// vendor signature.
func IsClaimingBot(p *domain.RequestProfile, vendor Vendor) bool {
	for ua := range p.UserAgents {
		if strings.Contains(ua, vendor.Signature) {
			return true
		}
	}
	return false
}

// IsClaimingBot is the method form of the package-level function.
func (v *Verifier) IsClaimingBot(p *domain.RequestProfile, vendor Vendor) bool {
	return IsClaimingBot(p, vendor)
}

// IsKnownBot reports whether addr reverse-resolves into the vendor's domains
// and that name forward-resolves back to addr. Lookup failures yield false.
// Only definitive answers are cached; a timed out or failed lookup is asked
// again on the next call.
func (v *Verifier) IsKnownBot(ctx context.Context, addr string, vendor Vendor) bool {
	key := vendor.Name + ":" + addr

	if v.cache != nil {
		if val, err := v.cache.Get(ctx, domain.CacheNamespaceBot, key); err == nil && val != nil {
			return string(val) == "1"
		}
	}

	known, err := v.verify(ctx, addr, vendor)
	if err != nil {
		slog.Debug("bot verification incomplete",
			"address", addr,
			"vendor", vendor.Name,
			"error", err,
		)
		return false
	}

	if v.cache != nil {
		val := []byte("0")
		if known {
			val = []byte("1")
		}
		if err := v.cache.Set(ctx, domain.CacheNamespaceBot, key, val, v.cacheTTL); err != nil {
			slog.Debug("bot verification not cached", "address", addr, "error", err)
		}
	}

	return known
}

// verify returns a non-nil error when DNS gave no definitive answer.
func (v *Verifier) verify(ctx context.Context, addr string, vendor Vendor) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	names, err := v.resolver.LookupAddr(ctx, addr)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("reverse lookup: %w", err)
	}
	if len(names) == 0 {
		return false, nil
	}

	// Only the first PTR record is trusted, as gethostbyaddr would.
	name := strings.TrimSuffix(names[0], ".")
	if !slices.Contains(vendor.Suffixes, lastLabels(name, 2)) {
		return false, nil
	}

	addrs, err := v.resolver.LookupHost(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("forward lookup %s: %w", name, err)
	}
	want := net.ParseIP(addr)
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && want != nil && ip.Equal(want) {
			return true, nil
		}
	}
	return false, nil
}

// isNotFound reports an authoritative "no such record" answer.
func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lastLabels(name string, n int) string {
	labels := strings.Split(strings.ToLower(name), ".")
	if len(labels) > n {
		labels = labels[len(labels)-n:]
	}
	return strings.Join(labels, ".")
}
