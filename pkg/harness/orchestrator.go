// Orchestrator: fans seeded runs out across workers and collects verdicts
// Each run is an independent simulated world; only the fan-out is concurrent
package harness

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Orchestrator runs batches of simulations.
type Orchestrator struct {
	settings Settings
	scenario *plan.Scenario
	log      zerolog.Logger
	observer telemetry.RequestObserver
	record   bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger; worlds log through it with their seed attached.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithObserver attaches a request observer to every simulated server.
func WithObserver(obs telemetry.RequestObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTrace keeps every dispatched event in each run's result.
func WithTrace() Option {
	return func(o *Orchestrator) { o.record = true }
}

// NewOrchestrator creates an orchestrator, loading the scenario file if one is configured.
func NewOrchestrator(s Settings, opts ...Option) (*Orchestrator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{settings: s, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	if s.Scenario != "" {
		cfg, err := plan.LoadScenario(s.Scenario)
		if err != nil {
			return nil, err
		}
		sc, err := plan.BuildScenario(cfg)
		if err != nil {
			return nil, err
		}
		o.scenario = sc
	}
	return o, nil
}

// WithScenario runs sc instead of generated plans.
func (o *Orchestrator) WithScenario(sc *plan.Scenario) *Orchestrator {
	o.scenario = sc
	return o
}

// Report is the outcome of a batch.
type Report struct {
	BaseSeed uint64
	Runs     []RunResult
	Elapsed  time.Duration
}

// Passed reports whether every run met its expected verdict.
func (r Report) Passed() bool {
	for _, run := range r.Runs {
		if !run.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the runs that did not meet their expected verdict.
func (r Report) Failed() []RunResult {
	var out []RunResult
	for _, run := range r.Runs {
		if !run.Passed() {
			out = append(out, run)
		}
	}
	return out
}

// RunSeed derives the seed of run index from a base seed.
func RunSeed(base uint64, index int) uint64 {
	return base + uint64(index) //nolint:gosec // index is non-negative
}

// Run executes every configured run, at most MaxParallel at a time.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	s := o.settings
	results := make([]RunResult, s.Runs)
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.MaxParallel)
	for i := range s.Runs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := o.RunOne(ctx, i, RunSeed(s.Seed, i))
			if err != nil {
				return fmt.Errorf("run %d: %w", i, err)
			}
			results[i] = res
			n := done.Add(1)
			ev := o.log.Info()
			if !res.Passed() {
				ev = o.log.Error()
			}
			ev.Int("run", i).Int64("done", n).Int("of", s.Runs).Uint64("seed", res.Seed).
				Str("verdict", res.Verdict()).Uint64("steps", res.Result.Steps).Msg("run finished")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return Report{BaseSeed: s.Seed, Runs: results, Elapsed: time.Since(started)}, nil
}

// RunOne builds and runs the world for one seed.
func (o *Orchestrator) RunOne(ctx context.Context, index int, seed uint64) (RunResult, error) {
	r, err := o.build(index, seed)
	if err != nil {
		return RunResult{}, err
	}
	r.Result = r.world.Run(ctx)
	r.collect()
	return r.RunResult, nil
}
