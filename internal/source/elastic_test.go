package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// fakeElastic serves two scroll pages then an empty one.
type fakeElastic struct {
	mu      sync.Mutex
	search  map[string]any
	index   string
	scrolls int
	cleared []string
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.HasPrefix(r.URL.Path, "/_search/scroll/") && r.Method == http.MethodDelete:
		f.cleared = append(f.cleared, strings.TrimPrefix(r.URL.Path, "/_search/scroll/"))
		w.Write([]byte(`{"succeeded":true}`))

	case r.URL.Path == "/_search/scroll":
		if r.URL.Query().Get("scroll_id") == "" {
			http.Error(w, "scroll_id missing", http.StatusBadRequest)
			return
		}
		f.scrolls++
		if f.scrolls == 1 {
			w.Write([]byte(`{"_scroll_id":"scroll-2","hits":{"hits":[
				{"_id":"3","_source":{"remote_addr":"192.0.2.2","path":"/xmlrpc.php","@timestamp":"2020-11-13T10:24:07.000Z","body_bytes_sent":"128"}}
			]}}`))
			return
		}
		w.Write([]byte(`{"_scroll_id":"scroll-2","hits":{"hits":[]}}`))

	case strings.HasSuffix(r.URL.Path, "/_search"):
		f.index = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/_search")
		if r.URL.Query().Get("scroll") == "" || r.URL.Query().Get("ignore_unavailable") != "true" {
			http.Error(w, "scroll parameters missing", http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&f.search)
		w.Write([]byte(`{"_scroll_id":"scroll-1","hits":{"hits":[
			{"_id":"1","_source":{"remote_addr":"192.0.2.1","path":"/wp-login.php","http_host":"example.com","user_agent_raw":"curl/7.68","body_bytes_sent":512,"@timestamp":"2020-11-13T10:24:05.253Z","geoip":{"country_name":"Russia","country_code2":"RU"}}},
			{"_id":"2","_source":{"remote_addr":"192.0.2.1","path":"/wp-login.php","http_host":"example.com","@timestamp":"2020-11-13T10:24:06.000Z"}}
		]}}`))

	default:
		http.NotFound(w, r)
	}
}

func elasticQuery() domain.EventQuery {
	to := time.Date(2020, 11, 13, 10, 26, 0, 0, time.UTC)
	return domain.EventQuery{
		Index:  "nginx-2020.11.13",
		From:   to.Add(-2 * time.Minute),
		To:     to,
		Filter: domain.DefaultCMSBruteQuery,
	}
}

func newTestElastic(t *testing.T, url string) *ElasticSource {
	t.Helper()
	src, err := NewElastic(url, http.DefaultTransport)
	if err != nil {
		t.Fatalf("NewElastic failed: %v", err)
	}
	return src
}

func TestElasticEvents(t *testing.T) {
	fake := &fakeElastic{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src := newTestElastic(t, srv.URL+"/")
	defer src.Close()

	var events []domain.RawEvent
	for ev, err := range src.Events(context.Background(), elasticQuery()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	first := events[0]
	if first.RemoteAddr != "192.0.2.1" || first.Host != "example.com" || first.UserAgent != "curl/7.68" || first.Country != "Russia" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.Size == nil || *first.Size != 512 {
		t.Errorf("expected numeric size 512, got %v", first.Size)
	}
	if events[1].Country != "" {
		t.Errorf("expected no country without geoip, got %q", events[1].Country)
	}
	if events[1].Size != nil {
		t.Errorf("expected absent size, got %v", *events[1].Size)
	}
	if events[2].Size == nil || *events[2].Size != 128 {
		t.Errorf("expected string size 128, got %v", events[2].Size)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if fake.index != "nginx-2020.11.13" {
		t.Errorf("unexpected index %q", fake.index)
	}
	if len(fake.cleared) != 1 || fake.cleared[0] != "scroll-2" {
		t.Errorf("expected scroll to be cleared, got %v", fake.cleared)
	}

	raw, _ := json.Marshal(fake.search)
	body := string(raw)
	for _, want := range []string{`"remote_user"`, `"must_not"`, `"epoch_millis"`, `"query_string"`} {
		if !strings.Contains(body, want) {
			t.Errorf("search body missing %s: %s", want, body)
		}
	}
}

func TestElasticEventsStopEarly(t *testing.T) {
	fake := &fakeElastic{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src := newTestElastic(t, srv.URL)
	for range src.Events(context.Background(), elasticQuery()) {
		break
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.scrolls != 0 {
		t.Errorf("expected no further pages, got %d", fake.scrolls)
	}
	if len(fake.cleared) != 1 || fake.cleared[0] != "scroll-1" {
		t.Errorf("expected first scroll to be cleared, got %v", fake.cleared)
	}
}

func TestElasticEventsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		http.Error(w, `{"error":"index_closed_exception"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	src := newTestElastic(t, srv.URL)
	var gotErr error
	count := 0
	for _, err := range src.Events(context.Background(), elasticQuery()) {
		count++
		gotErr = err
	}
	if count != 1 || gotErr == nil {
		t.Fatalf("expected a single error, got %d items (%v)", count, gotErr)
	}
	if !strings.Contains(gotErr.Error(), "400") {
		t.Errorf("expected status in error, got %v", gotErr)
	}
}
