// Package broadcast pushes ban directives to the edge filter hosts.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// HostPlaceholder is replaced by the host name in the endpoint template.
const HostPlaceholder = "{host}"

// ErrRejected is returned when an edge host answers with a non-2xx status.
var ErrRejected = errors.New("edge host rejected payload")

// Broadcaster delivers one shared payload to every edge host.
type Broadcaster struct {
	client      *http.Client
	urlTemplate string
	timeout     time.Duration
}

// New creates a Broadcaster. A nil client uses a default transport.
func New(urlTemplate string, timeout time.Duration, client *http.Client) *Broadcaster {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Broadcaster{
		client:      client,
		urlTemplate: urlTemplate,
		timeout:     timeout,
	}
}

// Payload renders the request body: one directive line per address.
func Payload(directives []domain.BanDirective) string {
	var b strings.Builder
	for _, d := range directives {
		b.WriteString(d.Line())
	}
	return b.String()
}

// Endpoint returns the filter URL for host.
func (b *Broadcaster) Endpoint(host string) string {
	return strings.ReplaceAll(b.urlTemplate, HostPlaceholder, host)
}

// Broadcast posts the directives to every host concurrently. Each request
// has its own timeout; a failure on one host never affects another.
// Returns nil when there is nothing to send.
func (b *Broadcaster) Broadcast(ctx context.Context, hosts []string, directives []domain.BanDirective) []domain.Delivery {
	if len(directives) == 0 || len(hosts) == 0 {
		return nil
	}

	payload := Payload(directives)
	deliveries := make([]domain.Delivery, len(hosts))

	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Add(1)
		go func(idx int, host string) {
			defer wg.Done()

			d := domain.Delivery{Host: host}
			status, err := b.send(ctx, host, payload)
			d.StatusCode = status
			if err != nil {
				d.Error = err.Error()
				slog.Warn("ban broadcast failed",
					"host", host,
					"status", status,
					"error", err,
				)
			} else {
				slog.Debug("ban broadcast delivered",
					"host", host,
					"directives", len(directives),
				)
			}
			deliveries[idx] = d
		}(i, host)
	}
	wg.Wait()

	return deliveries
}

func (b *Broadcaster) send(ctx context.Context, host, payload string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint(host), strings.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to %s: %w", host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return resp.StatusCode, nil
}
