package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// recorder collects payloads delivered to a subscription.
type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) handle(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(msg.Payload))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

// waitLen polls until the recorder holds n payloads.
func (r *recorder) waitLen(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.got()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: received %d/%d messages", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("DeliversBanPayload", func(t *testing.T) {
		var rec recorder
		sub, err := bus.Subscribe(ctx, domain.TopicBan, rec.handle)
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		payload := `{"address":"203.0.113.7","duration":600,"action":"setCookie"}`
		if err := bus.Publish(ctx, domain.TopicBan, []byte(payload)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		got := rec.waitLen(t, 1)
		if got[0] != payload {
			t.Errorf("unexpected payload %q", got[0])
		}
		if sub.Topic() != domain.TopicBan {
			t.Errorf("expected topic %q, got %q", domain.TopicBan, sub.Topic())
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var verdicts, bans recorder
		s1, _ := bus.Subscribe(ctx, domain.TopicVerdict, verdicts.handle)
		s2, _ := bus.Subscribe(ctx, domain.TopicBan, bans.handle)
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		bus.Publish(ctx, domain.TopicVerdict, []byte(`{"address":"203.0.113.7"}`))
		verdicts.waitLen(t, 1)
		time.Sleep(20 * time.Millisecond)

		if n := len(bans.got()); n != 0 {
			t.Errorf("ban subscriber should receive 0 messages, got %d", n)
		}
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		var rec recorder
		sub, _ := bus.Subscribe(ctx, domain.TopicCycle, rec.handle)
		defer sub.Unsubscribe()

		want := []string{`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`}
		for _, p := range want {
			bus.Publish(ctx, domain.TopicCycle, []byte(p))
		}

		got := rec.waitLen(t, len(want))
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("message %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}
		if _, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		}); err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var rec recorder
		sub, _ := bus.Subscribe(ctx, "unsub.topic", rec.handle)

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		rec.waitLen(t, 1)

		sub.Unsubscribe()
		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(20 * time.Millisecond)

		if n := len(rec.got()); n != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", n)
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		var a, b recorder
		s1, _ := bus.Subscribe(ctx, "fanout.topic", a.handle)
		s2, _ := bus.Subscribe(ctx, "fanout.topic", b.handle)
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		bus.Publish(ctx, "fanout.topic", []byte("x"))
		a.waitLen(t, 1)
		b.waitLen(t, 1)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	var rec recorder
	bus.Subscribe(ctx, domain.TopicVerdict, func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return rec.handle(ctx, msg)
	})

	bus.Publish(ctx, domain.TopicVerdict, []byte("1"))
	<-started

	// The handler holds message 1; the buffer takes 2 and 3 is dropped
	bus.Publish(ctx, domain.TopicVerdict, []byte("2"))
	if err := bus.Publish(ctx, domain.TopicVerdict, []byte("3")); err != nil {
		t.Fatalf("publish to a full subscriber must not fail: %v", err)
	}
	close(release)

	got := rec.waitLen(t, 2)
	time.Sleep(20 * time.Millisecond)
	if got = rec.got(); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, domain.TopicBan, func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, domain.TopicBan, []byte("data")); err == nil {
		t.Error("expected publish error after close")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	for name, typ := range map[string]string{"Default": "", "Channel": "channel"} {
		t.Run(name, func(t *testing.T) {
			bus, err := New(domain.EventBusConfig{Type: typ, ChannelBufferSize: 50})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer bus.Close()

			if _, ok := bus.(*ChannelBus); !ok {
				t.Errorf("expected ChannelBus for type %q", typ)
			}
		})
	}

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
