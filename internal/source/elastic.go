package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/opensource-finance/pacifier/internal/domain"
)

const (
	scrollKeepAlive = time.Minute
	scrollPageSize  = 1000
)

// ElasticSource reads events from Elasticsearch with the scroll API.
type ElasticSource struct {
	es *elasticsearch.Client
}

// NewElastic creates an Elasticsearch source. A nil transport uses the
// client's default transport.
func NewElastic(baseURL string, transport http.RoundTripper) (*ElasticSource, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{strings.TrimRight(baseURL, "/")},
		Transport:    transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticSource{es: es}, nil
}

// Close is a no-op; the client keeps no resources beyond idle connections.
func (s *ElasticSource) Close() error {
	return nil
}

// Events scrolls through every hit of the query. The scroll context is
// cleared when the sequence ends or the consumer stops early.
func (s *ElasticSource) Events(ctx context.Context, q domain.EventQuery) iter.Seq2[domain.RawEvent, error] {
	return func(yield func(domain.RawEvent, error) bool) {
		body, err := json.Marshal(searchBody(q))
		if err != nil {
			yield(domain.RawEvent{}, fmt.Errorf("encode query: %w", err))
			return
		}

		search := s.es.Search
		page, err := decodePage(search(
			search.WithContext(ctx),
			search.WithIndex(strings.Split(q.Index, ",")...),
			search.WithBody(bytes.NewReader(body)),
			search.WithScroll(scrollKeepAlive),
			search.WithIgnoreUnavailable(true),
		))
		if err != nil {
			yield(domain.RawEvent{}, err)
			return
		}

		scrollID := page.ScrollID
		defer func() {
			if scrollID != "" {
				s.clearScroll(scrollID)
			}
		}()

		for len(page.Hits.Hits) > 0 {
			for _, hit := range page.Hits.Hits {
				ev, err := hit.Source.event()
				if err != nil {
					slog.Debug("ignoring hit size",
						"id", hit.ID,
						"error", err,
					)
				}
				if !yield(ev, nil) {
					return
				}
			}
			if scrollID == "" {
				return
			}

			scroll := s.es.Scroll
			page, err = decodePage(scroll(
				scroll.WithContext(ctx),
				scroll.WithScrollID(scrollID),
				scroll.WithScroll(scrollKeepAlive),
			))
			if err != nil {
				yield(domain.RawEvent{}, err)
				return
			}
			if page.ScrollID != "" {
				scrollID = page.ScrollID
			}
		}
	}
}

// searchBody excludes authenticated requests and bounds the time window.
func searchBody(q domain.EventQuery) map[string]any {
	must := []any{
		map[string]any{
			"range": map[string]any{
				"@timestamp": map[string]any{
					"gte":    q.From.UnixMilli(),
					"lte":    q.To.UnixMilli(),
					"format": "epoch_millis",
				},
			},
		},
	}
	if q.Filter != "" {
		must = append([]any{map[string]any{
			"query_string": map[string]any{
				"query":            q.Filter,
				"analyze_wildcard": true,
				"default_field":    "*",
			},
		}}, must...)
	}

	return map[string]any{
		"size": scrollPageSize,
		"sort": []string{"_doc"},
		"query": map[string]any{
			"bool": map[string]any{
				"must_not": []any{
					map[string]any{"exists": map[string]any{"field": "remote_user"}},
				},
				"must": must,
			},
		},
	}
}

type searchPage struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

type searchHit struct {
	ID     string    `json:"_id"`
	Source hitSource `json:"_source"`
}

// hitSource mirrors the log document. Sizes arrive as numbers or strings
// depending on the ingest pipeline; the country comes from the GeoIP
// enrichment of the client address.
type hitSource struct {
	RemoteAddr string          `json:"remote_addr"`
	Path       string          `json:"path"`
	Host       string          `json:"http_host"`
	UserAgent  string          `json:"user_agent_raw"`
	Referer    string          `json:"http_referer"`
	Size       json.RawMessage `json:"body_bytes_sent"`
	Timestamp  string          `json:"@timestamp"`
	GeoIP      struct {
		CountryName string `json:"country_name"`
	} `json:"geoip"`
}

func (h hitSource) event() (domain.RawEvent, error) {
	ev := domain.RawEvent{
		RemoteAddr: h.RemoteAddr,
		Path:       h.Path,
		Host:       h.Host,
		UserAgent:  h.UserAgent,
		Referer:    h.Referer,
		Timestamp:  h.Timestamp,
		Country:    h.GeoIP.CountryName,
	}

	raw := strings.Trim(string(h.Size), `"`)
	if raw == "" || raw == "null" || raw == "-" {
		return ev, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("body_bytes_sent %q: %w", raw, err)
	}
	ev.Size = &n
	return ev, nil
}

// decodePage turns a search or scroll response into a page of hits.
func decodePage(res *esapi.Response, err error) (*searchPage, error) {
	if err != nil {
		return nil, fmt.Errorf("elasticsearch request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("elasticsearch %s: %s", res.Status(), bytes.TrimSpace(msg))
	}

	var page searchPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &page, nil
}

func (s *ElasticSource) clearScroll(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs := s.es.ClearScroll
	res, err := cs(cs.WithContext(ctx), cs.WithScrollID(id))
	if err != nil {
		slog.Debug("clear scroll failed", "error", err)
		return
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		slog.Debug("clear scroll failed", "status", res.Status())
	}
}
