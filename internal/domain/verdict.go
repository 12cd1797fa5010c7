package domain

import "time"

// Match records one check that fired for an address.
type Match struct {
	CheckID     string `json:"check"`
	Points      int    `json:"score"`
	Description string `json:"description"`
}

// Verdict is the scoring outcome for one address in one cycle.
type Verdict struct {
	Address    string  `json:"address"`
	TotalScore int     `json:"total_score"`
	MinScore   int     `json:"min_score"`
	Matched    []Match `json:"details"`
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
	Events     int            `json:"events"`
	Malformed  int            `json:"malformed"`
	Profiles   int            `json:"profiles"`
	Verdicts   []Verdict      `json:"verdicts"`
	Directives []BanDirective `json:"directives"`
	Deliveries []Delivery     `json:"deliveries"`
}

// Delivery is the outcome of sending a ban payload to one edge host.
type Delivery struct {
	Host       string `json:"host"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether the host accepted the payload.
func (d Delivery) OK() bool {
	return d.Error == ""
}
