// Fault injector role: partitions and heals client links, bounces the server
package roles

import (
	"context"
	"fmt"

	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/rs/zerolog"
)

// FaultInjectorConfig configures a fault injector.
type FaultInjectorConfig struct {
	Name string
	// Server is the host name of the server. Partitions cut a target's link to it.
	Server  string
	Plan    *plan.Plan
	Control FaultControl
	Logger  zerolog.Logger
}

// FaultInjector perturbs the substrate on a schedule. It never talks to the server.
type FaultInjector struct {
	cfg    FaultInjectorConfig
	log    zerolog.Logger
	faults int
}

// NewFaultInjector creates a fault injector.
func NewFaultInjector(cfg FaultInjectorConfig) *FaultInjector {
	return &FaultInjector{
		cfg: cfg,
		log: cfg.Logger.With().Str("role", cfg.Name).Logger(),
	}
}

// Name returns the fault injector's host name.
func (f *FaultInjector) Name() string { return f.cfg.Name }

// Faults returns the number of faults applied so far.
func (f *FaultInjector) Faults() int { return f.faults }

// Run applies the plan until it is exhausted or ctx ends.
func (f *FaultInjector) Run(ctx context.Context, env substrate.Env) error {
	clock := env.Clock()
	start := clock.Now()
	for {
		e, ok := f.cfg.Plan.Next()
		if !ok {
			return nil
		}
		if !sleepUntil(ctx, clock, start.Add(e.At)) {
			return nil
		}
		if err := f.apply(e.Action); err != nil {
			return fmt.Errorf("%s: %s: %w", f.cfg.Name, e.Action, err)
		}
		f.faults++
		f.log.Info().Stringer("fault", e.Action).Msg("fault applied")
	}
}

func (f *FaultInjector) apply(a plan.Action) error {
	switch a.Kind {
	case plan.KindPartition:
		return f.cfg.Control.Partition(a.Target, f.cfg.Server)
	case plan.KindHeal:
		return f.cfg.Control.Heal(a.Target, f.cfg.Server)
	case plan.KindBounce:
		target := a.Target
		if target == "" {
			target = f.cfg.Server
		}
		return f.cfg.Control.Bounce(target)
	}
	return fmt.Errorf("unsupported fault %s", a.Kind)
}
