package domain

// RequestProfile aggregates the request features of one source address.
// It is mutated only by the profile aggregator.
type RequestProfile struct {
	Address    string              `json:"address"`
	Paths      map[string]struct{} `json:"-"`
	Hosts      map[string]struct{} `json:"-"`
	UserAgents map[string]struct{} `json:"-"`
	Referers   map[string]struct{} `json:"-"`
	Sizes      map[int64]struct{}  `json:"-"`

	// Timestamps are UTC epoch seconds, always sorted ascending.
	Timestamps []int64 `json:"timestamps"`

	// Country is the geo country of the first event and is never overwritten.
	Country string `json:"country,omitempty"`
}

// NewRequestProfile returns an empty profile for addr.
func NewRequestProfile(addr string) *RequestProfile {
	return &RequestProfile{
		Address:    addr,
		Paths:      make(map[string]struct{}),
		Hosts:      make(map[string]struct{}),
		UserAgents: make(map[string]struct{}),
		Referers:   make(map[string]struct{}),
		Sizes:      make(map[int64]struct{}),
	}
}

// RequestCount returns the number of merged events.
func (p *RequestProfile) RequestCount() int {
	return len(p.Timestamps)
}

// Span returns the seconds between the first and the last event.
func (p *RequestProfile) Span() int64 {
	if len(p.Timestamps) == 0 {
		return 0
	}
	return p.Timestamps[len(p.Timestamps)-1] - p.Timestamps[0]
}
