package source

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

func newTestSQL(t *testing.T) *SQLSource {
	t.Helper()
	src, err := NewSQL(domain.SourceConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "access_log.db"),
	})
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func insert(t *testing.T, src *SQLSource, ts time.Time, addr, user, method, path string, status int, size any) {
	t.Helper()
	_, err := src.db.Exec(`INSERT INTO access_log
		(ts, remote_addr, remote_user, method, path, status, http_host, user_agent, referer, body_bytes_sent, country)
		VALUES (?, ?, ?, ?, ?, ?, 'example.com', 'curl/7.68', NULL, ?, 'Russia')`,
		ts.UnixMilli(), addr, user, method, path, status, size)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func TestSQLEvents(t *testing.T) {
	src := newTestSQL(t)
	ctx := context.Background()
	now := time.Date(2020, 11, 13, 10, 26, 0, 0, time.UTC)

	insert(t, src, now.Add(-90*time.Second), "192.0.2.1", "", "POST", "/wp-login.php", 200, 512)
	insert(t, src, now.Add(-60*time.Second), "192.0.2.1", "", "POST", "/xmlrpc.php", 200, nil)
	insert(t, src, now.Add(-30*time.Second), "192.0.2.2", "admin", "POST", "/wp-login.php", 200, 512)
	insert(t, src, now.Add(-20*time.Second), "192.0.2.3", "", "GET", "/wp-login.php", 200, 512)
	insert(t, src, now.Add(-10*time.Second), "192.0.2.4", "", "POST", "/wp-login.php", 301, 512)
	insert(t, src, now.Add(-5*time.Second), "192.0.2.5", "", "POST", "/index.php", 200, 512)
	insert(t, src, now.Add(-10*time.Minute), "192.0.2.6", "", "POST", "/wp-login.php", 200, 512)

	cfg := domain.DefaultConfig().Source
	q := Query(cfg, 2*time.Minute, now)

	var events []domain.RawEvent
	for ev, err := range src.Events(ctx, q) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	for _, ev := range events {
		if ev.RemoteAddr != "192.0.2.1" {
			t.Errorf("unexpected address %s", ev.RemoteAddr)
		}
	}
	if events[0].Timestamp != "2020-11-13T10:24:30Z" {
		t.Errorf("unexpected timestamp %s", events[0].Timestamp)
	}
	if events[0].Size == nil || *events[0].Size != 512 {
		t.Errorf("expected size 512, got %v", events[0].Size)
	}
	if events[1].Size != nil {
		t.Errorf("expected nil size, got %d", *events[1].Size)
	}
	if events[0].Host != "example.com" || events[0].Country != "Russia" || events[0].Referer != "" {
		t.Errorf("unexpected fields %+v", events[0])
	}
}

func TestSQLEventsNoFilter(t *testing.T) {
	src := newTestSQL(t)
	now := time.Date(2020, 11, 13, 10, 26, 0, 0, time.UTC)
	insert(t, src, now.Add(-time.Second), "192.0.2.3", "", "GET", "/", 200, 1)

	count := 0
	for _, err := range src.Events(context.Background(), domain.EventQuery{From: now.Add(-time.Minute), To: now}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Errorf("expected 1 event, got %d", count)
	}
}

func TestSQLRebind(t *testing.T) {
	s := &SQLSource{driver: "postgres"}
	if got := s.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("unexpected rebind %q", got)
	}
	s.driver = "sqlite"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("unexpected rebind %q", got)
	}
}

func TestSQLInvalidTable(t *testing.T) {
	_, err := NewSQL(domain.SourceConfig{Driver: "sqlite", SQLitePath: ":memory:", Table: "logs; DROP TABLE x"})
	if err == nil {
		t.Error("expected error for invalid table name")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.SourceConfig{PostgresUser: "u", PostgresPassword: "p"})
	want := "host=localhost port=5432 user=u password=p dbname=pacifier sslmode=disable connect_timeout=5 application_name=pacifier"
	if dsn != want {
		t.Errorf("unexpected dsn %q", dsn)
	}
}
