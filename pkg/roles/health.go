// Health checker role: periodic liveness probes over fresh connections
package roles

import (
	"context"
	"time"

	"github.com/andrewh/bankdst/pkg/client"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/rs/zerolog"
)

// Defaults for the health checker.
const (
	DefaultProbeInterval = time.Second
	DefaultLivenessBound = 3 * time.Second
)

// HealthCheckerConfig configures a health checker.
type HealthCheckerConfig struct {
	Name string
	// Server is the address probed; ServerHost the host name checked for disruption.
	Server     string
	ServerHost string
	Interval   time.Duration
	// Bound is the liveness bound: a reachable server must answer within it.
	Bound      time.Duration
	Disruption DisruptionQuery
	Logger     zerolog.Logger
}

// HealthChecker fails the run when the server stops answering while nothing
// stands between it and the checker.
type HealthChecker struct {
	cfg    HealthCheckerConfig
	log    zerolog.Logger
	probes int
	missed int
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(cfg HealthCheckerConfig) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProbeInterval
	}
	if cfg.Bound <= 0 {
		cfg.Bound = DefaultLivenessBound
	}
	return &HealthChecker{
		cfg: cfg,
		log: cfg.Logger.With().Str("role", cfg.Name).Logger(),
	}
}

// Name returns the health checker's host name.
func (h *HealthChecker) Name() string { return h.cfg.Name }

// Probes returns the number of probes sent and how many went unanswered.
func (h *HealthChecker) Probes() (sent, missed int) { return h.probes, h.missed }

// Run probes every interval until ctx ends.
func (h *HealthChecker) Run(ctx context.Context, env substrate.Env) error {
	clock := env.Clock()
	for {
		if clock.Sleep(ctx, h.cfg.Interval) != nil {
			return nil
		}
		if err := h.probe(ctx, env); err != nil {
			return err
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context, env substrate.Env) error {
	clock := env.Clock()
	since := clock.Now()

	// A fresh connection per probe, so a reset left over from an earlier fault
	// cannot fail a probe sent while the link is healthy.
	c := client.New(env, h.cfg.Server, client.WithTimeout(h.cfg.Bound))
	err := probeWithin(ctx, clock, c, since.Add(h.cfg.Bound))
	h.probes++
	if err == nil {
		_ = c.Close(ctx)
		return nil
	}
	h.missed++
	if ctx.Err() != nil {
		return nil
	}
	if h.cfg.Disruption != nil && h.cfg.Disruption.Disrupted(h.cfg.Name, h.cfg.ServerHost, since) {
		h.log.Debug().Err(err).Msg("probe failed during disruption")
		return nil
	}
	if !client.IsTransportError(err) {
		return &Violation{Role: h.cfg.Name, Action: "health", At: clock.Now(), Message: err.Error()}
	}
	return &Violation{
		Role:    h.cfg.Name,
		Action:  "health",
		At:      clock.Now(),
		Message: "no response within " + h.cfg.Bound.String() + " while the server was reachable: " + err.Error(),
	}
}

// probeWithin fails with ErrTimedOut if the answer arrives after deadline.
func probeWithin(ctx context.Context, clock substrate.Clock, c *client.Client, deadline time.Time) error {
	err := c.Health(ctx)
	if err == nil && clock.Now().After(deadline) {
		return substrate.ErrTimedOut
	}
	return err
}
