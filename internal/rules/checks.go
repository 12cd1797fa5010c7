package rules

import (
	"context"
	"strings"

	"github.com/opensource-finance/pacifier/internal/botverify"
)

// Built-in check identifiers.
const (
	CheckTooHighRPS         = "TOO_HIGH_RPS"
	CheckTooLowIntervals    = "TOO_LOW_INTERVALS"
	CheckEmptyUserAgent     = "EMPTY_USER_AGENT"
	CheckMajordomoRequested = "MAJORDOMO_RU_REQUESTED"
	CheckEmptyHost          = "EMPTY_HOST"
	CheckDifferentAgents    = "DIFFERENT_USER_AGENTS"
	CheckSameNetwork        = "SAME_NETWORK_23"
	CheckRussianAddress     = "RUSSIAN_ADDRESS"
	CheckHostsSamePrefix    = "HOSTS_SAME_FIRST_2_CHARS"
	CheckYandexBot          = "YANDEX_BOT"
	CheckGoogleBot          = "GOOGLE_BOT"
	CheckFraudYandexBot     = "FRAUD_YANDEX_BOT"
	CheckFraudGoogleBot     = "FRAUD_GOOGLE_BOT"
	CheckSameRequestSize    = "SAME_REQUEST_SIZE"
	CheckFromCloudflare     = "FROM_CLOUDFLARE"
	CheckRefererHost        = "REFERER_CONTAINS_HOST"
	CheckWordpressBrute     = "WORDPRESS_BRUTEFORCE"
)

// builtin is one entry of the default table. Entries with an expression are
// compiled with CEL; the rest carry a Go predicate.
type builtin struct {
	id          string
	points      int
	description string
	expr        string
	match       Predicate
}

// RegisterDefaults loads the built-in CMS brute-force checks in their
// canonical order.
func RegisterDefaults(e *Engine) error {
	for _, b := range defaultTable() {
		var err error
		if b.expr != "" {
			err = e.RegisterExpr(b.id, b.points, b.description, b.expr)
		} else {
			err = e.Register(Check{ID: b.id, Points: b.points, Description: b.description, Match: b.match})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func defaultTable() []builtin {
	return []builtin{
		{id: CheckTooHighRPS, points: 2,
			description: "one or more requests per second",
			expr:        `rps >= 1.0 && request_count > 2`},
		{id: CheckTooLowIntervals, points: 2,
			description: "typical gap between requests is one second or less",
			match:       tooLowIntervals},
		{id: CheckEmptyUserAgent, points: 3,
			description: "empty User-Agent",
			expr:        `size(user_agents) == 0 || (size(user_agents) == 1 && user_agents[0] == "-")`},
		{id: CheckMajordomoRequested, points: 5,
			description: "requests to *.majordomo.ru",
			match:       majordomoRequested},
		{id: CheckEmptyHost, points: 3,
			description: "empty Host",
			expr:        `size(hosts) == 0`},
		{id: CheckDifferentAgents, points: -1,
			description: "requests with different User-Agents",
			expr:        `size(user_agents) > 1`},
		{id: CheckSameNetwork, points: 1,
			description: "similar requests from other addresses in the same /23 or longer network",
			match:       sameNetwork},
		{id: CheckRussianAddress, points: -1,
			description: "requests from Russia",
			expr:        `country == "Russia"`},
		{id: CheckHostsSamePrefix, points: 2,
			description: "different hosts share the first two characters, alphabetical domain enumeration",
			match:       hostsSamePrefix},
		{id: CheckYandexBot, points: -5,
			description: "verified Yandex crawler",
			match:       verifiedBot(botverify.Yandex)},
		{id: CheckGoogleBot, points: -5,
			description: "verified Google crawler",
			match:       verifiedBot(botverify.Google)},
		{id: CheckFraudYandexBot, points: 3,
			description: "forged Yandex crawler",
			match:       fraudBot(botverify.Yandex)},
		{id: CheckFraudGoogleBot, points: 3,
			description: "forged Google crawler",
			match:       fraudBot(botverify.Google)},
		{id: CheckSameRequestSize, points: 1,
			description: "more than 10 requests, all with the same response size",
			expr:        `request_count > 10 && size(sizes) == 1`},
		{id: CheckFromCloudflare, points: -5,
			description: "request from Cloudflare",
			match:       fromCloudflare},
		{id: CheckRefererHost, points: -2,
			description: "Referer network location matches Host",
			match:       refererContainsHost},
		{id: CheckWordpressBrute, points: 2,
			description: "only /wp-login.php and /xmlrpc.php requested on more than one host",
			match:       wordpressBruteforce},
	}
}

func tooLowIntervals(_ context.Context, s *Subject) bool {
	gaps := intervals(s.Profile.Timestamps)
	if len(gaps) == 0 {
		return false
	}
	if mode, ok := uniqueMode(gaps); ok {
		return mode <= 1
	}
	return medianGrouped(gaps) <= 1
}

func majordomoRequested(_ context.Context, s *Subject) bool {
	for h := range s.Profile.Hosts {
		if registrableDomain(h) == "majordomo.ru" {
			return true
		}
	}
	return false
}

func sameNetwork(ctx context.Context, s *Subject) bool {
	return s.SameOrigin(ctx) > 1
}

func hostsSamePrefix(_ context.Context, s *Subject) bool {
	domains := make(map[string]struct{}, len(s.Profile.Hosts))
	for h := range s.Profile.Hosts {
		domains[unicodeDomain(registrableDomain(h))] = struct{}{}
	}
	if len(domains) < 2 {
		return false
	}
	prefixes := make(map[string]struct{}, 1)
	for d := range domains {
		prefixes[firstRunes(d, 2)] = struct{}{}
	}
	return len(prefixes) == 1
}

func verifiedBot(v botverify.Vendor) Predicate {
	return func(ctx context.Context, s *Subject) bool {
		return botverify.IsClaimingBot(s.Profile, v) && s.IsKnownBot(ctx, v)
	}
}

func fraudBot(v botverify.Vendor) Predicate {
	return func(ctx context.Context, s *Subject) bool {
		return botverify.IsClaimingBot(s.Profile, v) && !s.IsKnownBot(ctx, v)
	}
}

func fromCloudflare(_ context.Context, s *Subject) bool {
	return inRanges(s.Address, cloudflareRanges)
}

func refererContainsHost(_ context.Context, s *Subject) bool {
	if len(s.Profile.Referers) == 0 {
		return false
	}
	for r := range s.Profile.Referers {
		if _, ok := s.Profile.Hosts[refererHost(r)]; !ok {
			return false
		}
	}
	return true
}

func wordpressBruteforce(_ context.Context, s *Subject) bool {
	if len(s.Profile.Hosts) < 2 {
		return false
	}
	paths := make(map[string]struct{}, len(s.Profile.Paths))
	for p := range s.Profile.Paths {
		paths[strings.TrimLeft(p, "/")] = struct{}{}
	}
	if len(paths) != 2 {
		return false
	}
	_, login := paths["wp-login.php"]
	_, xmlrpc := paths["xmlrpc.php"]
	return login && xmlrpc
}
