// Package journal records recent pacifier events from the event bus.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// Entry is one recorded event. Payload is the JSON body published on the bus.
type Entry struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Journal keeps a bounded history per topic.
type Journal struct {
	bus   domain.EventBus
	limit int

	mu      sync.RWMutex
	entries map[string][]Entry

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// New creates a journal that keeps up to limit entries per topic.
func New(bus domain.EventBus, limit int) *Journal {
	if limit <= 0 {
		limit = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Journal{
		bus:     bus,
		limit:   limit,
		entries: make(map[string][]Entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the given topics.
func (j *Journal) Start(topics ...string) error {
	for _, topic := range topics {
		sub, err := j.bus.Subscribe(j.ctx, topic, j.record)
		if err != nil {
			return err
		}
		j.subscriptions = append(j.subscriptions, sub)
	}

	slog.Info("journal started",
		"topics", topics,
		"limit", j.limit,
	)
	return nil
}

func (j *Journal) record(ctx context.Context, msg *domain.Message) error {
	if !json.Valid(msg.Payload) {
		slog.Warn("journal dropped non-JSON event",
			"message_id", msg.ID,
			"topic", msg.Topic,
		)
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	list := append(j.entries[msg.Topic], Entry{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Timestamp: msg.Timestamp,
		Payload:   json.RawMessage(msg.Payload),
	})
	if len(list) > j.limit {
		list = list[len(list)-j.limit:]
	}
	j.entries[msg.Topic] = list
	return nil
}

// Recent returns up to n entries of topic, newest first.
func (j *Journal) Recent(topic string, n int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	list := j.entries[topic]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]Entry, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out
}

// Stop unsubscribes from every topic.
func (j *Journal) Stop() error {
	j.cancel()

	// Unsubscribe all
	for _, sub := range j.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	j.subscriptions = nil

	slog.Info("journal stopped")
	return nil
}

// Stats returns journal statistics.
type Stats struct {
	SubscriptionCount int            `json:"subscriptionCount"`
	Topics            []string       `json:"topics"`
	Entries           map[string]int `json:"entries"`
}

// GetStats returns current journal statistics.
func (j *Journal) GetStats() Stats {
	topics := make([]string, len(j.subscriptions))
	for i, sub := range j.subscriptions {
		topics[i] = sub.Topic()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	counts := make(map[string]int, len(j.entries))
	for topic, list := range j.entries {
		counts[topic] = len(list)
	}

	return Stats{
		SubscriptionCount: len(j.subscriptions),
		Topics:            topics,
		Entries:           counts,
	}
}
