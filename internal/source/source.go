// Package source reads raw access-log events from the log store.
package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
	"github.com/opensource-finance/pacifier/internal/domain"
)

// New creates an event source based on configuration.
func New(cfg domain.SourceConfig) (domain.EventSource, error) {
	switch cfg.Driver {
	case "elastic", "":
		return NewElastic(cfg.ElasticURL, nil)
	case "sqlite", "postgres":
		return NewSQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported source driver: %s", cfg.Driver)
	}
}

// Query builds the query for the window ending at now.
func Query(cfg domain.SourceConfig, window time.Duration, now time.Time) domain.EventQuery {
	from := now.Add(-window)
	return domain.EventQuery{
		Index:         strings.Join(IndexNames(cfg.IndexTemplate, from, now), ","),
		From:          from,
		To:            now,
		Filter:        cfg.Query,
		Paths:         cfg.Paths,
		Method:        cfg.Method,
		ExcludeStatus: cfg.ExcludeStatus,
	}
}

// IndexNames renders the daily index of every UTC day touched by [from, to].
func IndexNames(template string, from, to time.Time) []string {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		from, to = to, from
	}

	var names []string
	seen := make(map[string]struct{})
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(to) {
		name := IndexName(template, day)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		day = day.AddDate(0, 0, 1)
	}
	return names
}

// IndexName expands the strftime directives of template in UTC.
func IndexName(template string, t time.Time) string {
	return strftime.Format(template, t.UTC())
}
