// Tests for settings, the orchestrator, bundled scenarios and reporting
package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/roles"
	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fixedSeed() uint64 { return 1234 }

func testSettings(t *testing.T) Settings {
	t.Helper()
	v := NewViper()
	v.Set(KeySeed, 77)
	v.Set(KeyRuns, 4)
	v.Set(KeyMaxParallel, 2)
	v.Set(KeyDuration, "45s")
	v.Set(KeyBankerCount, 3)
	s, err := LoadSettings(v, fixedSeed)
	require.NoError(t, err)
	return s
}

func TestLoadSettingsDefaults(t *testing.T) {
	t.Parallel()

	s, err := LoadSettings(NewViper(), fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), s.Seed)
	assert.False(t, s.SeedSet)
	assert.Equal(t, 10, s.Runs)
	assert.Positive(t, s.MaxParallel)
	assert.Equal(t, sim.DefaultDuration, s.Duration)
	assert.InDelta(t, 1.0, s.StepMultiplier, 0)
	assert.Nil(t, s.EpochOffset)
	assert.Zero(t, s.BankerCount)
	assert.Equal(t, sim.Distribution{}, s.Latency)
	assert.Equal(t, "wide", s.Timestamps.Name())
	assert.True(t, s.Faults)
}

func TestLoadSettingsOverrides(t *testing.T) {
	t.Parallel()

	v := NewViper()
	v.Set(KeySeed, "99")
	v.Set(KeyEpochOffset, "2147483646")
	v.Set(KeyLatency, "20ms +/- 5ms")
	v.Set(KeyTimestamps, "legacy")
	v.Set(KeyStepMultiplier, 2.5)
	s, err := LoadSettings(v, fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), s.Seed)
	assert.True(t, s.SeedSet)
	require.NotNil(t, s.EpochOffset)
	assert.Equal(t, 2147483646*time.Second, *s.EpochOffset)
	assert.Equal(t, 20*time.Millisecond, s.Latency.Mean)
	assert.IsType(t, wire.LegacyTimestamps{}, s.Timestamps)
	assert.InDelta(t, 2.5, s.StepMultiplier, 0)

	v.Set(KeyEpochOffset, "72h")
	s, err = LoadSettings(v, fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, *s.EpochOffset)
}

func TestLoadSettingsFromEnvironment(t *testing.T) {
	t.Setenv("SIMULATOR_RUNS", "3")
	t.Setenv("SIMULATOR_MAX_PARALLEL", "1")
	t.Setenv("SIMULATOR_BANKER_COUNT", "4")
	t.Setenv("SIMULATOR_SEED", "5")

	s, err := LoadSettings(NewViper(), fixedSeed)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Runs)
	assert.Equal(t, 1, s.MaxParallel)
	assert.Equal(t, 4, s.BankerCount)
	assert.Equal(t, uint64(5), s.Seed)
	assert.True(t, s.SeedSet)
}

func TestLoadSettingsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		value   any
		wantErr string
	}{
		{name: "zero runs", key: KeyRuns, value: 0, wantErr: "runs must be at least 1"},
		{name: "zero parallel", key: KeyMaxParallel, value: 0, wantErr: "max_parallel"},
		{name: "negative duration", key: KeyDuration, value: "-1s", wantErr: "duration must be positive"},
		{name: "small multiplier", key: KeyStepMultiplier, value: 0.5, wantErr: "step_multiplier"},
		{name: "negative bankers", key: KeyBankerCount, value: -2, wantErr: "banker_count"},
		{name: "bad offset", key: KeyEpochOffset, value: "soon", wantErr: "epoch_offset"},
		{name: "negative offset", key: KeyEpochOffset, value: "-5s", wantErr: "must not be negative"},
		{name: "bad latency", key: KeyLatency, value: "quick", wantErr: "latency"},
		{name: "bad codec", key: KeyTimestamps, value: "narrow", wantErr: "unknown timestamp codec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := NewViper()
			v.Set(tt.key, tt.value)
			_, err := LoadSettings(v, fixedSeed)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOrchestratorRunsAllSeeds(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	o, err := NewOrchestrator(s)
	require.NoError(t, err)
	rep, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Runs, 4)
	for i, r := range rep.Runs {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, uint64(77+i), r.Seed)
		assert.True(t, r.Passed(), "run %d: %v", i, r.Result.Failure)
		assert.Equal(t, 3, r.Properties.Bankers)
		assert.Positive(t, r.Stats.Actions)
		assert.Positive(t, r.Stats.Probes)
		assert.Equal(t, 45*time.Second, r.Result.Elapsed())
	}
	assert.True(t, rep.Passed())
	assert.Empty(t, rep.Failed())
}

func TestSameSeedReplaysIdentically(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	o, err := NewOrchestrator(s)
	require.NoError(t, err)

	a, err := o.RunOne(context.Background(), 0, 4242)
	require.NoError(t, err)
	b, err := o.RunOne(context.Background(), 0, 4242)
	require.NoError(t, err)
	c, err := o.RunOne(context.Background(), 0, 4243)
	require.NoError(t, err)

	assert.Equal(t, a.Result.TraceDigest, b.Result.TraceDigest)
	assert.Equal(t, a.Result.Steps, b.Result.Steps)
	assert.Equal(t, a.Verdict(), b.Verdict())
	assert.Equal(t, a.Properties, b.Properties)
	assert.Equal(t, a.Stats, b.Stats)
	assert.NotEqual(t, a.Result.TraceDigest, c.Result.TraceDigest)
}

func TestRandomPropertiesFollowSeedProperty(t *testing.T) {
	t.Parallel()

	v := NewViper()
	v.Set(KeyDuration, "1s")
	v.Set(KeyFaults, false)
	s, err := LoadSettings(v, fixedSeed)
	require.NoError(t, err)
	o, err := NewOrchestrator(s)
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Uint64().Draw(t, "seed")
		a, err := o.build(0, seed)
		if err != nil {
			t.Fatal(err)
		}
		b, err := o.build(0, seed)
		if err != nil {
			t.Fatal(err)
		}
		if a.Properties != b.Properties {
			t.Fatalf("properties differ for seed %d: %+v vs %+v", seed, a.Properties, b.Properties)
		}
		p := a.Properties
		if p.Bankers < 1 || p.Bankers >= MaxRandomBankers {
			t.Fatalf("banker count %d out of range", p.Bankers)
		}
		if p.Start.Before(time.Unix(0, 0)) || !p.Start.Before(time.Unix(maxEpochOffset, 0)) {
			t.Fatalf("start %s out of range", p.Start)
		}
		if p.Latency.Mean < time.Millisecond || p.Latency.Mean >= 50*time.Millisecond {
			t.Fatalf("latency %s out of range", p.Latency)
		}
	})
}

func TestConfiguredEpochOffsetPinsStart(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	offset := 2147483646 * time.Second
	s.EpochOffset = &offset
	o, err := NewOrchestrator(s)
	require.NoError(t, err)
	r, err := o.build(0, 1)
	require.NoError(t, err)
	assert.True(t, time.Date(2038, 1, 19, 3, 14, 6, 0, time.UTC).Equal(r.Properties.Start), "start %s", r.Properties.Start)
}

func TestLegacyCodecIsCaughtAcrossRollover(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	offset := 2147483640 * time.Second
	s.EpochOffset = &offset
	s.Timestamps = wire.LegacyTimestamps{}
	s.Faults = false
	o, err := NewOrchestrator(s)
	require.NoError(t, err)
	r, err := o.RunOne(context.Background(), 0, 8)
	require.NoError(t, err)
	require.False(t, r.Passed())
	var v *roles.Violation
	require.True(t, errors.As(r.Result.Failure, &v), "failure: %v", r.Result.Failure)
	assert.Contains(t, v.Message, "1901")
}

func scenarioPath(name string) string {
	return filepath.Join("..", "..", "scenarios", name)
}

func TestBundledScenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file        string
		wantSuccess bool
	}{
		{file: "epoch-boundary.yaml", wantSuccess: true},
		{file: "epoch-boundary-legacy.yaml", wantSuccess: false},
		{file: "partition-heal.yaml", wantSuccess: true},
		{file: "server-restart.yaml", wantSuccess: true},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			s := testSettings(t)
			s.Scenario = scenarioPath(tt.file)
			s.Runs = 3
			o, err := NewOrchestrator(s)
			require.NoError(t, err)
			rep, err := o.Run(context.Background())
			require.NoError(t, err)
			for _, r := range rep.Runs {
				assert.Equal(t, tt.wantSuccess, r.Result.Success(), "seed %d: %v", r.Seed, r.Result.Failure)
				assert.True(t, r.Passed())
			}
		})
	}
}

func TestPartitionHealScenarioKeepsEveryCreate(t *testing.T) {
	t.Parallel()

	cfg, err := plan.LoadScenario(scenarioPath("partition-heal.yaml"))
	require.NoError(t, err)
	sc, err := plan.BuildScenario(cfg)
	require.NoError(t, err)

	s := testSettings(t)
	o, err := NewOrchestrator(s)
	require.NoError(t, err)
	r, err := o.WithScenario(sc).RunOne(context.Background(), 0, 21)
	require.NoError(t, err)
	require.True(t, r.Passed(), "failure: %v", r.Result.Failure)
	assert.Positive(t, r.Stats.TransportErrors)
	assert.Equal(t, 2, r.Stats.Faults)
	assert.Zero(t, r.Stats.MissedProbes)
}

func TestNewOrchestratorRejectsBadScenario(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	s.Scenario = scenarioPath("missing.yaml")
	_, err := NewOrchestrator(s)
	assert.Error(t, err)

	s.Scenario = ""
	s.Runs = 0
	_, err = NewOrchestrator(s)
	assert.Error(t, err)
}

func TestReporting(t *testing.T) {
	t.Parallel()

	s := testSettings(t)
	failed := sim.Result{State: sim.StateFailed, Steps: 10, Failure: &sim.Failure{Step: 9, Source: "banker-2", Message: "boom"}}
	rep := Report{
		BaseSeed: 77,
		Elapsed:  2 * time.Second,
		Runs: []RunResult{
			{Index: 0, Seed: 77, Result: sim.Result{State: sim.StateSucceeded, Steps: 30}, Properties: Properties{Timestamps: "wide"}, Stats: RunStats{Actions: 5}},
			{Index: 1, Seed: 78, Result: failed, Properties: Properties{Timestamps: "legacy"}},
		},
	}
	assert.False(t, rep.Passed())
	require.Len(t, rep.Failed(), 1)

	var buf bytes.Buffer
	RenderTable(&buf, rep)
	assert.Contains(t, buf.String(), "SEED")
	assert.Contains(t, buf.String(), "VERDICT")
	assert.Contains(t, buf.String(), "78")
	assert.Contains(t, buf.String(), "1/2")

	buf.Reset()
	RenderFailures(&buf, rep, s)
	assert.Contains(t, buf.String(), "run 1 (seed 78) failed at step 9: boom")
	assert.Contains(t, buf.String(), "replay: bankdst run --seed 78 --runs 1 --duration 45s --banker-count 3 --timestamps legacy")

	buf.Reset()
	require.NoError(t, WriteStats(&buf, rep))
	var st Stats
	require.NoError(t, json.Unmarshal(buf.Bytes(), &st))
	assert.Equal(t, Stats{BaseSeed: 77, Runs: 2, Passed: 1, Failed: 1, Steps: 40, Actions: 5, ElapsedMs: 2000, StepsPerSec: 20}, st)

	s.Latency = sim.MustParseDistribution("5ms +/- 2ms")
	assert.Equal(t, "bankdst run --seed 78 --runs 1 --duration 45s --banker-count 3 --latency '5ms +/- 2ms' --timestamps legacy",
		ReplayCommand(rep.Runs[1], s))

	s.Scenario = "scenarios/partition-heal.yaml"
	assert.Equal(t, "bankdst run --seed 78 --runs 1 --scenario scenarios/partition-heal.yaml --duration 45s --latency '5ms +/- 2ms'",
		ReplayCommand(rep.Runs[1], s))
}

// replaySettings loads settings from a replay command line the way the run
// command's flags would set them.
func replaySettings(t *testing.T, command string) Settings {
	t.Helper()
	args := shellFields(command)
	require.GreaterOrEqual(t, len(args), 2)
	require.Equal(t, []string{"bankdst", "run"}, args[:2])

	v := NewViper()
	args = args[2:]
	for i := 0; i < len(args); i++ {
		flag, ok := strings.CutPrefix(args[i], "--")
		require.True(t, ok, "unexpected argument %q", args[i])
		name, value, hasValue := strings.Cut(flag, "=")
		if !hasValue {
			require.Less(t, i+1, len(args), "flag %s has no value", name)
			i++
			value = args[i]
		}
		v.Set(strings.ReplaceAll(name, "-", "_"), value)
	}
	s, err := LoadSettings(v, fixedSeed)
	require.NoError(t, err)
	return s
}

// shellFields splits a command line on spaces, honouring single quotes.
func shellFields(command string) []string {
	var fields []string
	var cur strings.Builder
	quoted, inField := false, false
	for _, r := range command {
		switch {
		case r == '\'':
			quoted = !quoted
			inField = true
		case r == ' ' && !quoted:
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(r)
			inField = true
		}
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}

func TestReplayCommandReproducesRun(t *testing.T) {
	t.Parallel()

	offset := 1000 * time.Hour
	tests := []struct {
		name   string
		adjust func(s *Settings)
	}{
		{name: "generated", adjust: func(s *Settings) {
			s.Timestamps = wire.LegacyTimestamps{}
			s.Faults = false
		}},
		{name: "scenario", adjust: func(s *Settings) {
			s.Scenario = scenarioPath("partition-heal.yaml")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := testSettings(t)
			s.Duration = 20 * time.Second
			s.StepMultiplier = 1.5
			s.EpochOffset = &offset
			s.Latency = sim.MustParseDistribution("7ms +/- 3ms")
			tt.adjust(&s)

			o, err := NewOrchestrator(s)
			require.NoError(t, err)
			orig, err := o.RunOne(context.Background(), 2, 79)
			require.NoError(t, err)

			command := ReplayCommand(orig, s)
			rs := replaySettings(t, command)
			assert.Equal(t, 1, rs.Runs)
			assert.Equal(t, uint64(79), rs.Seed)
			ro, err := NewOrchestrator(rs)
			require.NoError(t, err)
			again, err := ro.RunOne(context.Background(), 0, rs.Seed)
			require.NoError(t, err)

			assert.Equal(t, orig.Properties, again.Properties, command)
			assert.Equal(t, orig.Result.TraceDigest, again.Result.TraceDigest, command)
			assert.Equal(t, orig.Result.Steps, again.Result.Steps, command)
			assert.Equal(t, orig.Verdict(), again.Verdict(), command)
		})
	}
}
