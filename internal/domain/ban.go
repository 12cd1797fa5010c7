package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// BanRecord is the escalation history of one address.
type BanRecord struct {
	Address     string    `json:"address"`
	Count       int       `json:"count"`
	LastOffense time.Time `json:"lastOffense"`
}

// BanDirective instructs an edge host to filter an address for a duration.
// Durations are whole seconds on the wire and in JSON.
type BanDirective struct {
	Address  string
	Duration time.Duration
	Action   string
}

// Line renders the directive in the edge filter wire format.
func (d BanDirective) Line() string {
	return fmt.Sprintf("%s %d %s\n", d.Address, d.Seconds(), d.Action)
}

// Seconds returns the ban duration in whole seconds.
func (d BanDirective) Seconds() int64 {
	return int64(d.Duration / time.Second)
}

type banDirectiveJSON struct {
	Address  string `json:"address"`
	Duration int64  `json:"duration"`
	Action   string `json:"action"`
}

func (d BanDirective) MarshalJSON() ([]byte, error) {
	return json.Marshal(banDirectiveJSON{
		Address:  d.Address,
		Duration: d.Seconds(),
		Action:   d.Action,
	})
}

func (d *BanDirective) UnmarshalJSON(data []byte) error {
	var v banDirectiveJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*d = BanDirective{
		Address:  v.Address,
		Duration: time.Duration(v.Duration) * time.Second,
		Action:   v.Action,
	}
	return nil
}
