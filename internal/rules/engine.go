// Package rules provides the scored check registry and evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/pacifier/internal/domain"
)

// Options configures an Engine.
type Options struct {
	MaxWorkers   int
	MinPrefixLen int
	Clusterer    Clusterer
	Verifier     BotVerifier
}

// Engine evaluates request profiles against the check registry.
type Engine struct {
	mu     sync.RWMutex
	env    *cel.Env
	checks []Check
	ids    map[string]struct{}

	clusterer    Clusterer
	verifier     BotVerifier
	minPrefixLen int
	maxWorkers   int
}

// NewEngine creates an engine with an empty registry.
func NewEngine(opts Options) (*Engine, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.MinPrefixLen <= 0 {
		opts.MinPrefixLen = 23
	}

	// Profile features visible to expression checks
	env, err := cel.NewEnv(
		cel.Variable("request_count", cel.IntType),
		cel.Variable("span_secs", cel.IntType),
		cel.Variable("rps", cel.DoubleType),
		cel.Variable("hosts", cel.ListType(cel.StringType)),
		cel.Variable("paths", cel.ListType(cel.StringType)),
		cel.Variable("user_agents", cel.ListType(cel.StringType)),
		cel.Variable("referers", cel.ListType(cel.StringType)),
		cel.Variable("sizes", cel.ListType(cel.IntType)),
		cel.Variable("country", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:          env,
		ids:          make(map[string]struct{}),
		clusterer:    opts.Clusterer,
		verifier:     opts.Verifier,
		minPrefixLen: opts.MinPrefixLen,
		maxWorkers:   opts.MaxWorkers,
	}, nil
}

// NewDefaultEngine creates an engine loaded with the built-in checks.
func NewDefaultEngine(opts Options) (*Engine, error) {
	e, err := NewEngine(opts)
	if err != nil {
		return nil, err
	}
	if err := RegisterDefaults(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Register appends a check to the registry. IDs must be unique.
func (e *Engine) Register(c Check) error {
	if c.ID == "" {
		return fmt.Errorf("check id is required")
	}
	if c.Match == nil {
		return fmt.Errorf("check %s: predicate is required", c.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ids[c.ID]; ok {
		return fmt.Errorf("check %s already registered", c.ID)
	}
	e.ids[c.ID] = struct{}{}
	e.checks = append(e.checks, c)
	return nil
}

// RegisterExpr compiles a boolean CEL expression over profile features and
// registers it as a check.
func (e *Engine) RegisterExpr(id string, points int, description, expr string) error {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile check %s: %w", id, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("check %s: expression must return bool, got %s", id, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to create program for check %s: %w", id, err)
	}

	return e.Register(Check{
		ID:          id,
		Points:      points,
		Description: description,
		Expression:  expr,
		Match: func(ctx context.Context, s *Subject) bool {
			out, _, err := program.Eval(s.vars())
			if err != nil {
				slog.Debug("check evaluation failed",
					"check", id,
					"address", s.Address,
					"error", err,
				)
				return false
			}
			return out == types.True
		},
	})
}

// Checks returns the registry in evaluation order.
func (e *Engine) Checks() []Check {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Check, len(e.checks))
	copy(out, e.checks)
	return out
}

// ChecksCount returns the number of registered checks.
func (e *Engine) ChecksCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.checks)
}

// Evaluate scores every profile and returns the verdicts whose total reaches
// minScore, sorted by address. Profiles are scored in parallel; the network
// index is shared and built at most once.
func (e *Engine) Evaluate(ctx context.Context, profiles map[string]*domain.RequestProfile, interval time.Duration, minScore int) []domain.Verdict {
	if len(profiles) == 0 {
		return nil
	}

	checks := e.Checks()

	addrs := make([]string, 0, len(profiles))
	for addr := range profiles {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	signals := &cycleSignals{
		addrs:     addrs,
		clusterer: e.clusterer,
		minPrefix: e.minPrefixLen,
	}

	// Parallel evaluation using worker pool pattern
	results := make([]*domain.Verdict, len(addrs))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, addr := range addrs {
		wg.Add(1)
		go func(idx int, s *Subject) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			v := score(ctx, checks, s)
			v.MinScore = minScore
			if v.TotalScore >= minScore {
				results[idx] = &v
			}
		}(i, &Subject{
			Address:  addr,
			Profile:  profiles[addr],
			Interval: interval,
			signals:  signals,
			verifier: e.verifier,
		})
	}

	wg.Wait()

	verdicts := make([]domain.Verdict, 0, len(results))
	for _, v := range results {
		if v != nil {
			verdicts = append(verdicts, *v)
		}
	}
	return verdicts
}

// Score runs every check against one subject regardless of threshold.
func (e *Engine) Score(ctx context.Context, s *Subject) domain.Verdict {
	if s.verifier == nil {
		s.verifier = e.verifier
	}
	return score(ctx, e.Checks(), s)
}

func score(ctx context.Context, checks []Check, s *Subject) domain.Verdict {
	v := domain.Verdict{Address: s.Address}
	for _, c := range checks {
		if !c.Match(ctx, s) {
			continue
		}
		v.TotalScore += c.Points
		v.Matched = append(v.Matched, domain.Match{
			CheckID:     c.ID,
			Points:      c.Points,
			Description: c.Description,
		})
	}
	return v
}
