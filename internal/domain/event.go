// Package domain defines the core interfaces and types for Pacifier.
package domain

import (
	"context"
	"iter"
	"time"
)

// RawEvent is one observed request as delivered by the log store.
// Absent string fields are empty; an absent size is nil.
type RawEvent struct {
	RemoteAddr string `json:"remote_addr"`
	Path       string `json:"path"`
	Host       string `json:"http_host"`
	UserAgent  string `json:"user_agent_raw"`
	Referer    string `json:"http_referer"`
	Size       *int64 `json:"body_bytes_sent,omitempty"`
	Timestamp  string `json:"@timestamp"`
	Country    string `json:"country_name"`
}

// EventQuery selects the raw events of one time window.
type EventQuery struct {
	// Index is the log index (or table) the window lives in.
	Index string

	From time.Time
	To   time.Time

	// Filter is a free-text query understood by text-search sources.
	Filter string

	// Structured form of the same filter for SQL sources.
	Paths         []string
	Method        string
	ExcludeStatus []int
}

// EventSource yields a lazy, finite, non-restartable sequence of raw events.
// A non-nil error ends the sequence.
type EventSource interface {
	Events(ctx context.Context, q EventQuery) iter.Seq2[RawEvent, error]
	Close() error
}
