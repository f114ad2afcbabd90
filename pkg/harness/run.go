// Per-run world construction: server host, bankers, fault injector and health checker
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/roles"
	"github.com/andrewh/bankdst/pkg/server"
	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/andrewh/bankdst/pkg/wire"
)

// Host names inside every world.
const (
	ServerHost        = "server"
	FaultInjectorHost = "faults"
	HealthCheckerHost = "health"
	serverPort        = "3000"
)

// propertySalt separates the draws of run properties from the world's own stream.
const propertySalt = 0x5eed_ba5e_0f_c0ffee

// Properties are the randomised or configured parameters of one run.
type Properties struct {
	Scenario       string
	Start          time.Time
	Bankers        int
	Latency        sim.Distribution
	Timestamps     string
	StepMultiplier float64
	Faults         bool
	Health         bool
}

// RunResult is the outcome of one run.
type RunResult struct {
	Index         int
	Seed          uint64
	Properties    Properties
	Result        sim.Result
	ExpectFailure bool
	Stats         RunStats
}

// RunStats aggregates role counters.
type RunStats struct {
	Actions         int
	TransportErrors int
	Resets          int
	Faults          int
	Probes          int
	MissedProbes    int
	ServerBoots     int
}

// Passed reports whether the run met its expected verdict.
func (r RunResult) Passed() bool { return r.Result.Success() != r.ExpectFailure }

// Verdict is "pass" or "fail" for the run against its expectation.
func (r RunResult) Verdict() string {
	if r.Passed() {
		return "pass"
	}
	return "fail"
}

type run struct {
	RunResult
	world   *sim.World
	bankers []*roles.Banker
	faults  *roles.FaultInjector
	health  *roles.HealthChecker
}

func (r *run) collect() {
	for _, b := range r.bankers {
		st := b.Stats()
		r.Stats.Actions += st.Actions
		r.Stats.TransportErrors += st.TransportErrors
		r.Stats.Resets += st.Resets
	}
	if r.faults != nil {
		r.Stats.Faults = r.faults.Faults()
	}
	if r.health != nil {
		r.Stats.Probes, r.Stats.MissedProbes = r.health.Probes()
	}
	r.Stats.ServerBoots = r.world.Boots(ServerHost)
}

// randomLatency draws a mean in [1ms, 50ms) with a quarter of it as deviation.
func randomLatency(rng substrate.Rand) sim.Distribution {
	mean := time.Duration(rng.Range(int64(time.Millisecond), int64(50*time.Millisecond)))
	return sim.Distribution{Mean: mean, StdDev: mean / 4}
}

func scale(d time.Duration, mult float64) time.Duration {
	return time.Duration(float64(d) * mult)
}

func (o *Orchestrator) build(index int, seed uint64) (*run, error) {
	s := o.settings
	sc := o.scenario
	props := substrate.NewSeededRand(seed ^ propertySalt)

	p := Properties{
		StepMultiplier: s.StepMultiplier,
		Timestamps:     s.Timestamps.Name(),
		Faults:         s.Faults,
		Health:         true,
	}
	// Every property is drawn even when configured, so that settings do not
	// shift the draws of the properties that follow them.
	offset := time.Duration(props.Range(0, maxEpochOffset)) * time.Second
	bankers := int(props.Range(1, MaxRandomBankers))
	latency := randomLatency(props)
	if s.EpochOffset != nil {
		offset = *s.EpochOffset
	}
	if s.BankerCount > 0 {
		bankers = s.BankerCount
	}
	if s.Latency != (sim.Distribution{}) {
		latency = s.Latency
	}
	p.Start = time.Unix(0, 0).UTC().Add(offset)
	p.Bankers = bankers
	p.Latency = latency

	codec := wire.Codec{Timestamps: s.Timestamps}
	duration := s.Duration
	maxSteps := s.MaxSteps
	restart := sim.DefaultRestartDelay
	health := &plan.HealthSpec{
		Interval: scale(roles.DefaultProbeInterval, s.StepMultiplier),
		Bound:    scale(roles.DefaultLivenessBound, s.StepMultiplier) + 4*latency.Max(),
	}

	if sc != nil {
		p.Scenario = sc.Name
		if !sc.Start.IsZero() {
			p.Start = sc.Start
		}
		if sc.Duration > 0 {
			duration = sc.Duration
		}
		if sc.MaxSteps > 0 {
			maxSteps = sc.MaxSteps
		}
		if sc.Latency != (sim.Distribution{}) {
			p.Latency = sc.Latency
		}
		if sc.RestartDelay != (sim.Distribution{}) {
			restart = sc.RestartDelay
		}
		codec = wire.Codec{Timestamps: sc.Timestamps}
		p.Timestamps = sc.Timestamps.Name()
		p.Bankers = len(sc.Bankers)
		p.Faults = len(sc.Faults) > 0
		p.Health = sc.Health != nil
		health = sc.Health
	}

	w := sim.New(sim.Config{
		Seed:         seed,
		Start:        p.Start,
		Duration:     duration,
		MaxSteps:     maxSteps,
		Latency:      p.Latency,
		RestartDelay: restart,
		RecordTrace:  o.record,
		Logger:       o.log.With().Int("run", index).Uint64("seed", seed).Logger(),
	})
	r := &run{
		RunResult: RunResult{Index: index, Seed: seed, Properties: p, ExpectFailure: sc != nil && sc.ExpectFailure},
		world:     w,
	}

	log := o.log.With().Int("run", index).Uint64("seed", seed).Logger()
	if err := w.AddHost(ServerHost, func(ctx context.Context, env substrate.Env) error {
		return server.New(env, server.Config{
			Addr:     ":" + serverPort,
			Codec:    codec,
			Observer: o.observer,
			Logger:   log,
		}).Run(ctx)
	}); err != nil {
		return nil, err
	}

	addr := ServerHost + ":" + serverPort
	names := make([]string, 0, p.Bankers)
	for i := range p.Bankers {
		var name string
		var pl *plan.Plan
		if sc != nil {
			name = sc.Bankers[i].Name
			pl = sc.Bankers[i].Plan()
		} else {
			name = fmt.Sprintf("banker-%d", i+1)
			pl = plan.NewGenerated(name, plan.DefaultBatch, plan.BankerGenerator(w.Rand(), plan.BankerOptions{StepMultiplier: s.StepMultiplier}))
		}
		b := roles.NewBanker(roles.BankerConfig{
			Name:    name,
			Server:  addr,
			Plan:    pl,
			Codec:   codec,
			Timeout: scale(roles.DefaultInteractionTimeout, s.StepMultiplier),
			Logger:  log,
		})
		if err := addRole(w, b); err != nil {
			return nil, err
		}
		r.bankers = append(r.bankers, b)
		names = append(names, name)
	}

	if p.Faults {
		var pl *plan.Plan
		if sc != nil {
			var err error
			if pl, err = plan.New(FaultInjectorHost, sc.Faults); err != nil {
				return nil, err
			}
		} else {
			targets := names
			if p.Health {
				targets = append(targets, HealthCheckerHost)
			}
			pl = plan.NewGenerated(FaultInjectorHost, plan.DefaultBatch, plan.FaultGenerator(w.Rand(), plan.FaultOptions{
				Targets:        targets,
				Server:         ServerHost,
				StepMultiplier: s.StepMultiplier,
			}))
		}
		r.faults = roles.NewFaultInjector(roles.FaultInjectorConfig{
			Name:    FaultInjectorHost,
			Server:  ServerHost,
			Plan:    pl,
			Control: w,
			Logger:  log,
		})
		if err := addRole(w, r.faults); err != nil {
			return nil, err
		}
	}

	if p.Health {
		r.health = roles.NewHealthChecker(roles.HealthCheckerConfig{
			Name:       HealthCheckerHost,
			Server:     addr,
			ServerHost: ServerHost,
			Interval:   health.Interval,
			Bound:      health.Bound,
			Disruption: w,
			Logger:     log,
		})
		if err := addRole(w, r.health); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func addRole(w *sim.World, r roles.Role) error {
	return w.AddClient(r.Name(), r.Run)
}
