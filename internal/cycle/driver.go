// Package cycle runs the periodic detect, decide and broadcast loop.
package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/pacifier/internal/banmemory"
	"github.com/opensource-finance/pacifier/internal/domain"
	"github.com/opensource-finance/pacifier/internal/profile"
	"github.com/opensource-finance/pacifier/internal/source"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pacifier-cycle")

// Evaluator scores the profiles of one window.
type Evaluator interface {
	Evaluate(ctx context.Context, profiles map[string]*domain.RequestProfile, interval time.Duration, minScore int) []domain.Verdict
}

// Broadcaster delivers ban directives to the edge hosts.
type Broadcaster interface {
	Broadcast(ctx context.Context, hosts []string, directives []domain.BanDirective) []domain.Delivery
}

// Driver owns one evaluation cycle and the loop that repeats it.
type Driver struct {
	cfg         *domain.Config
	source      domain.EventSource
	engine      Evaluator
	memory      *banmemory.Memory
	broadcaster Broadcaster
	bus         domain.EventBus

	now func() time.Time

	mu   sync.RWMutex
	last *domain.CycleReport
}

// NewDriver creates a cycle driver. bus may be nil.
func NewDriver(cfg *domain.Config, src domain.EventSource, engine Evaluator, memory *banmemory.Memory, broadcaster Broadcaster, bus domain.EventBus) *Driver {
	return &Driver{
		cfg:         cfg,
		source:      src,
		engine:      engine,
		memory:      memory,
		broadcaster: broadcaster,
		bus:         bus,
		now:         time.Now,
	}
}

// LastReport returns the report of the most recent completed cycle.
func (d *Driver) LastReport() (domain.CycleReport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.last == nil {
		return domain.CycleReport{}, false
	}
	return *d.last, true
}

// Run repeats RunCycle every check interval until ctx is cancelled.
// A cycle in flight when ctx is cancelled runs to completion.
func (d *Driver) Run(ctx context.Context) error {
	interval := d.cfg.Detection.CheckInterval

	slog.Info("cycle loop started",
		"interval", interval.String(),
		"windows", len(d.cfg.Detection.Windows),
		"hosts", len(d.cfg.Ban.Hosts),
	)

	for {
		start := time.Now()
		if _, err := d.safeCycle(context.WithoutCancel(ctx)); err != nil {
			slog.Error("cycle failed",
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}

		wait := max(interval-time.Since(start), 0)
		select {
		case <-ctx.Done():
			slog.Info("cycle loop stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// safeCycle converts a panicking cycle into an error.
func (d *Driver) safeCycle(ctx context.Context) (report *domain.CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during cycle",
				"error", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return d.RunCycle(ctx)
}

// RunCycle evaluates every configured window, bans the union of flagged
// addresses and broadcasts the directives.
func (d *Driver) RunCycle(ctx context.Context) (*domain.CycleReport, error) {
	startedAt := d.now()
	report := &domain.CycleReport{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
	}

	ctx, span := tracer.Start(ctx, "cycle",
		trace.WithAttributes(attribute.String("cycle.id", report.ID)),
	)
	defer span.End()

	if evicted := d.memory.Evict(); evicted > 0 {
		slog.Debug("forgot stale offenders",
			"cycle_id", report.ID,
			"evicted", evicted,
		)
	}

	seen := make(map[string]struct{})
	for _, window := range d.cfg.Detection.Windows {
		res, err := d.evaluateWindow(ctx, window, startedAt)
		report.Events += res.stats.Events
		report.Malformed += res.stats.Malformed
		report.Profiles += res.profiles
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, fmt.Errorf("window %s: %w", window, err)
		}

		for _, v := range res.verdicts {
			if _, dup := seen[v.Address]; dup {
				continue
			}
			seen[v.Address] = struct{}{}
			report.Verdicts = append(report.Verdicts, v)
		}
	}

	for _, v := range report.Verdicts {
		report.Directives = append(report.Directives, domain.BanDirective{
			Address:  v.Address,
			Duration: d.memory.Decide(v.Address, d.cfg.Ban.BaseDuration),
			Action:   d.cfg.Ban.Action,
		})
	}

	if len(report.Directives) > 0 {
		_, bspan := tracer.Start(ctx, "broadcast",
			trace.WithAttributes(attribute.Int("ban.directives", len(report.Directives))),
		)
		report.Deliveries = d.broadcaster.Broadcast(ctx, d.cfg.Ban.Hosts, report.Directives)
		bspan.End()
	}

	for _, v := range report.Verdicts {
		slog.Info(v.Address+" added to filters",
			"cycle_id", report.ID,
			"address", v.Address,
			"total_score", v.TotalScore,
			"min_score", v.MinScore,
			"details", v.Matched,
		)
	}

	report.DurationMs = d.now().Sub(startedAt).Milliseconds()
	d.publish(ctx, report)

	d.mu.Lock()
	d.last = report
	d.mu.Unlock()

	slog.Info("cycle completed",
		"cycle_id", report.ID,
		"events", report.Events,
		"malformed", report.Malformed,
		"banned", len(report.Directives),
		"duration_ms", report.DurationMs,
	)
	return report, nil
}

type windowResult struct {
	verdicts []domain.Verdict
	stats    profile.Stats
	profiles int
}

func (d *Driver) evaluateWindow(ctx context.Context, window time.Duration, now time.Time) (windowResult, error) {
	ctx, span := tracer.Start(ctx, "window",
		trace.WithAttributes(attribute.String("window", window.String())),
	)
	defer span.End()

	q := source.Query(d.cfg.Source, window, now)
	profiles, stats, err := profile.Aggregate(d.source.Events(ctx, q))
	if err != nil {
		return windowResult{stats: stats}, err
	}

	verdicts := d.engine.Evaluate(ctx, profiles, window, d.cfg.Detection.MinScore)

	span.SetAttributes(
		attribute.Int("events", stats.Events),
		attribute.Int("profiles", len(profiles)),
		attribute.Int("verdicts", len(verdicts)),
	)
	slog.Debug("window evaluated",
		"window", window.String(),
		"index", q.Index,
		"events", stats.Events,
		"profiles", len(profiles),
		"verdicts", len(verdicts),
	)
	return windowResult{verdicts: verdicts, stats: stats, profiles: len(profiles)}, nil
}

// publish emits verdicts, directives and the report to the event bus.
func (d *Driver) publish(ctx context.Context, report *domain.CycleReport) {
	if d.bus == nil {
		return
	}

	for _, v := range report.Verdicts {
		d.send(ctx, domain.TopicVerdict, report.ID, v)
	}
	for _, dir := range report.Directives {
		d.send(ctx, domain.TopicBan, report.ID, dir)
	}
	d.send(ctx, domain.TopicCycle, report.ID, report)
}

func (d *Driver) send(ctx context.Context, topic, cycleID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event",
			"topic", topic,
			"error", err,
		)
		return
	}
	if err := d.bus.Publish(ctx, topic, payload); err != nil {
		slog.Error("failed to publish event",
			"cycle_id", cycleID,
			"topic", topic,
			"error", err,
		)
	}
}
