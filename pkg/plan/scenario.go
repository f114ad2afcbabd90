// YAML scenario files: hand-authored regression runs with scripted bankers and faults
// Loading normalises maps into sorted slices; building resolves offsets, amounts and codecs
package plan

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ScenarioConfig is the YAML representation of a scenario after normalisation.
type ScenarioConfig struct {
	Name         string
	Description  string
	Start        string
	Duration     string
	MaxSteps     uint64
	Latency      string
	RestartDelay string
	Timestamps   string
	Expect       string
	Health       *HealthConfig
	Bankers      []BankerConfig
	Faults       []ActionConfig
}

// rawScenarioConfig mirrors ScenarioConfig but keys bankers by name as in the YAML.
type rawScenarioConfig struct {
	Name         string                    `yaml:"name"`
	Description  string                    `yaml:"description,omitempty"`
	Start        string                    `yaml:"start,omitempty"`
	Duration     string                    `yaml:"duration,omitempty"`
	MaxSteps     uint64                    `yaml:"max_steps,omitempty"`
	Latency      string                    `yaml:"latency,omitempty"`
	RestartDelay string                    `yaml:"restart_delay,omitempty"`
	Timestamps   string                    `yaml:"timestamps,omitempty"`
	Expect       string                    `yaml:"expect,omitempty"`
	Health       *HealthConfig             `yaml:"health,omitempty"`
	Bankers      map[string][]ActionConfig `yaml:"bankers"`
	Faults       []ActionConfig            `yaml:"faults,omitempty"`
}

// BankerConfig is one scripted banker.
type BankerConfig struct {
	Name    string
	Actions []ActionConfig
}

// ActionConfig is one scripted action.
type ActionConfig struct {
	At     string `yaml:"at"`
	Action string `yaml:"action"`
	Amount string `yaml:"amount,omitempty"`
	ID     int64  `yaml:"id,omitempty"`
	Target string `yaml:"target,omitempty"`
}

// HealthConfig enables the health checker.
type HealthConfig struct {
	Interval string `yaml:"interval"`
	Bound    string `yaml:"bound"`
}

// Expected verdicts.
const (
	ExpectPass = "pass"
	ExpectFail = "fail"
)

// LoadScenario reads and parses a YAML scenario file.
func LoadScenario(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied scenario path is expected
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*ScenarioConfig, error) {
	var raw rawScenarioConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	cfg := &ScenarioConfig{
		Name:         raw.Name,
		Description:  raw.Description,
		Start:        raw.Start,
		Duration:     raw.Duration,
		MaxSteps:     raw.MaxSteps,
		Latency:      raw.Latency,
		RestartDelay: raw.RestartDelay,
		Timestamps:   raw.Timestamps,
		Expect:       raw.Expect,
		Health:       raw.Health,
		Faults:       raw.Faults,
	}

	// Sorted so that host registration order, and therefore the run, is stable
	names := make([]string, 0, len(raw.Bankers))
	for name := range raw.Bankers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cfg.Bankers = append(cfg.Bankers, BankerConfig{Name: name, Actions: raw.Bankers[name]})
	}
	return cfg, nil
}

// ValidateScenario checks a scenario for structural correctness.
func ValidateScenario(cfg *ScenarioConfig) error {
	_, err := BuildScenario(cfg)
	return err
}

// Scenario is a resolved scenario ready to run.
type Scenario struct {
	Name          string
	Description   string
	Start         time.Time
	Duration      time.Duration
	MaxSteps      uint64
	Latency       sim.Distribution
	RestartDelay  sim.Distribution
	Timestamps    wire.TimestampCodec
	ExpectFailure bool
	Health        *HealthSpec
	Bankers       []Script
	Faults        []Entry
}

// Script is the fixed plan of one named banker.
type Script struct {
	Name    string
	Entries []Entry
}

// Plan returns a fresh plan for the script.
func (s Script) Plan() *Plan {
	p, err := New(s.Name, s.Entries)
	if err != nil {
		// Entries were validated when the scenario was built.
		panic(err)
	}
	return p
}

// HealthSpec configures the health checker of a scenario.
type HealthSpec struct {
	Interval time.Duration
	Bound    time.Duration
}

// BuildScenario resolves a scenario configuration.
func BuildScenario(cfg *ScenarioConfig) (*Scenario, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("scenario name is required")
	}
	if len(cfg.Bankers) == 0 {
		return nil, fmt.Errorf("scenario %q: at least one banker is required", cfg.Name)
	}
	sc := &Scenario{
		Name:        cfg.Name,
		Description: cfg.Description,
		MaxSteps:    cfg.MaxSteps,
	}

	var err error
	if cfg.Start != "" {
		sc.Start, err = time.Parse(time.RFC3339Nano, cfg.Start)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid start: %w", cfg.Name, err)
		}
	}
	if cfg.Duration != "" {
		sc.Duration, err = time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid duration: %w", cfg.Name, err)
		}
		if sc.Duration <= 0 {
			return nil, fmt.Errorf("scenario %q: duration must be positive", cfg.Name)
		}
	}
	if cfg.Latency != "" {
		sc.Latency, err = sim.ParseDistribution(cfg.Latency)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid latency: %w", cfg.Name, err)
		}
	}
	if cfg.RestartDelay != "" {
		sc.RestartDelay, err = sim.ParseDistribution(cfg.RestartDelay)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid restart_delay: %w", cfg.Name, err)
		}
	}
	sc.Timestamps, err = wire.ParseTimestampCodec(cfg.Timestamps)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", cfg.Name, err)
	}
	switch cfg.Expect {
	case "", ExpectPass:
	case ExpectFail:
		sc.ExpectFailure = true
	default:
		return nil, fmt.Errorf("scenario %q: expect must be %q or %q, got %q", cfg.Name, ExpectPass, ExpectFail, cfg.Expect)
	}

	if cfg.Health != nil {
		h := &HealthSpec{}
		if h.Interval, err = time.ParseDuration(cfg.Health.Interval); err != nil || h.Interval <= 0 {
			return nil, fmt.Errorf("scenario %q: health interval %q must be a positive duration", cfg.Name, cfg.Health.Interval)
		}
		if h.Bound, err = time.ParseDuration(cfg.Health.Bound); err != nil || h.Bound <= 0 {
			return nil, fmt.Errorf("scenario %q: health bound %q must be a positive duration", cfg.Name, cfg.Health.Bound)
		}
		sc.Health = h
	}

	known := make(map[string]bool, len(cfg.Bankers))
	for _, b := range cfg.Bankers {
		entries, err := buildEntries(b.Actions, IsBankerKind)
		if err != nil {
			return nil, fmt.Errorf("scenario %q banker %q: %w", cfg.Name, b.Name, err)
		}
		if _, err := New(b.Name, entries); err != nil {
			return nil, fmt.Errorf("scenario %q: %w", cfg.Name, err)
		}
		sc.Bankers = append(sc.Bankers, Script{Name: b.Name, Entries: entries})
		known[b.Name] = true
	}

	sc.Faults, err = buildEntries(cfg.Faults, IsFaultKind)
	if err != nil {
		return nil, fmt.Errorf("scenario %q faults: %w", cfg.Name, err)
	}
	for _, e := range sc.Faults {
		if e.Action.Kind != KindBounce && !known[e.Action.Target] {
			return nil, fmt.Errorf("scenario %q faults: %s targets unknown banker %q", cfg.Name, e.Action.Kind, e.Action.Target)
		}
	}
	if _, err := New("faults", sc.Faults); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", cfg.Name, err)
	}
	return sc, nil
}

func buildEntries(actions []ActionConfig, allowed func(Kind) bool) ([]Entry, error) {
	entries := make([]Entry, 0, len(actions))
	for i, ac := range actions {
		at, err := ParseOffset(ac.At)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		a := Action{Kind: Kind(ac.Action), ID: ac.ID, Target: ac.Target}
		if !allowed(a.Kind) {
			return nil, fmt.Errorf("action %d: unsupported action %q", i, ac.Action)
		}
		switch a.Kind {
		case KindCreate:
			a.Amount, err = decimal.NewFromString(ac.Amount)
			if err != nil {
				return nil, fmt.Errorf("action %d: invalid amount %q: %w", i, ac.Amount, err)
			}
			if !a.Amount.IsPositive() {
				return nil, fmt.Errorf("action %d: amount %s must be positive, use create_invalid to send bad amounts", i, a.Amount)
			}
		case KindCreateInvalid:
			a.RawAmount = ac.Amount
		case KindVoid, KindGet:
			if a.ID < 0 {
				return nil, fmt.Errorf("action %d: id must not be negative", i)
			}
		}
		entries = append(entries, Entry{At: at, Action: a})
	}
	return entries, nil
}

// ParseOffset parses a time offset string like "+5m" or "30s" into a duration.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("offset cannot be empty")
	}
	s = strings.TrimPrefix(s, "+")
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("offset %q must not be negative", s)
	}
	return d, nil
}
