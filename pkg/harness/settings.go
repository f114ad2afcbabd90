// Orchestrator settings read through viper from SIMULATOR_* variables and flags
// Unset randomised settings are drawn per run from the run's seed
package harness

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the orchestrator.
const EnvPrefix = "SIMULATOR"

// Setting keys. Environment variables are the upper-cased key with EnvPrefix,
// e.g. SIMULATOR_MAX_PARALLEL.
const (
	KeySeed           = "seed"
	KeyRuns           = "runs"
	KeyMaxParallel    = "max_parallel"
	KeyDuration       = "duration"
	KeyMaxSteps       = "max_steps"
	KeyStepMultiplier = "step_multiplier"
	KeyEpochOffset    = "epoch_offset"
	KeyBankerCount    = "banker_count"
	KeyLatency        = "latency"
	KeyScenario       = "scenario"
	KeyTimestamps     = "timestamps"
	KeyFaults         = "faults"
	KeyLogLevel       = "log_level"
)

// Bounds for randomised settings.
const (
	MaxRandomBankers = 30
	maxEpochOffset   = 1 << 32 // seconds after the Unix epoch
)

// Settings configure a batch of runs. They never change request semantics.
type Settings struct {
	// Seed is the base seed; run i uses Seed+i. SeedSet is false when it was drawn at random.
	Seed           uint64
	SeedSet        bool
	Runs           int
	MaxParallel    int
	Duration       time.Duration
	MaxSteps       uint64
	StepMultiplier float64
	// EpochOffset places the simulated clock after the Unix epoch. Nil draws it per run.
	EpochOffset *time.Duration
	// BankerCount of zero draws a count in [1, MaxRandomBankers) per run.
	BankerCount int
	// Latency of the zero value draws a distribution per run.
	Latency    sim.Distribution
	Scenario   string
	Timestamps wire.TimestampCodec
	Faults     bool
	LogLevel   string
}

// NewViper returns a viper instance reading SIMULATOR_* variables, with defaults set.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyRuns, 10)
	v.SetDefault(KeyMaxParallel, runtime.NumCPU())
	v.SetDefault(KeyDuration, sim.DefaultDuration)
	v.SetDefault(KeyStepMultiplier, 1.0)
	v.SetDefault(KeyTimestamps, "wide")
	v.SetDefault(KeyFaults, true)
	v.SetDefault(KeyLogLevel, "info")
	return v
}

// LoadSettings reads and validates settings. seed supplies a base seed when none is configured.
func LoadSettings(v *viper.Viper, seed func() uint64) (Settings, error) {
	s := Settings{
		Runs:           v.GetInt(KeyRuns),
		MaxParallel:    v.GetInt(KeyMaxParallel),
		Duration:       v.GetDuration(KeyDuration),
		MaxSteps:       v.GetUint64(KeyMaxSteps),
		StepMultiplier: v.GetFloat64(KeyStepMultiplier),
		BankerCount:    v.GetInt(KeyBankerCount),
		Scenario:       v.GetString(KeyScenario),
		Faults:         v.GetBool(KeyFaults),
		LogLevel:       v.GetString(KeyLogLevel),
	}

	if v.IsSet(KeySeed) {
		s.Seed = v.GetUint64(KeySeed)
		s.SeedSet = true
	} else {
		s.Seed = seed()
	}
	if v.IsSet(KeyEpochOffset) {
		d, err := parseOffset(v.GetString(KeyEpochOffset))
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", KeyEpochOffset, err)
		}
		s.EpochOffset = &d
	}
	if l := v.GetString(KeyLatency); l != "" {
		d, err := sim.ParseDistribution(l)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", KeyLatency, err)
		}
		s.Latency = d
	}
	codec, err := wire.ParseTimestampCodec(v.GetString(KeyTimestamps))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyTimestamps, err)
	}
	s.Timestamps = codec

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// parseOffset accepts a Go duration or a whole number of seconds.
func parseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: want a duration or seconds", s)
	}
	return time.Duration(secs) * time.Second, nil
}

// Validate checks settings for consistency.
func (s Settings) Validate() error {
	if s.Runs < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyRuns, s.Runs)
	}
	if s.MaxParallel < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyMaxParallel, s.MaxParallel)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyDuration, s.Duration)
	}
	if s.StepMultiplier < 1 {
		return fmt.Errorf("%s must be at least 1, got %g", KeyStepMultiplier, s.StepMultiplier)
	}
	if s.BankerCount < 0 {
		return fmt.Errorf("%s must not be negative, got %d", KeyBankerCount, s.BankerCount)
	}
	if s.EpochOffset != nil && *s.EpochOffset < 0 {
		return fmt.Errorf("%s must not be negative, got %s", KeyEpochOffset, *s.EpochOffset)
	}
	return nil
}
