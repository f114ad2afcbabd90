// Tests for the scheduler: ordering, budgets, failures and determinism
package sim

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestWorld(t *testing.T, seed uint64) *World {
	t.Helper()
	return New(Config{
		Seed:     seed,
		Start:    testEpoch,
		Duration: time.Hour,
		Latency:  MustParseDistribution("10ms +/- 3ms"),
	})
}

func TestSleepersWakeInTimeOrder(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	var order []string
	for _, tc := range []struct {
		name string
		d    time.Duration
	}{{"slow", 3 * time.Second}, {"fast", time.Second}, {"mid", 2 * time.Second}} {
		require.NoError(t, w.AddClient(tc.name, func(ctx context.Context, env substrate.Env) error {
			if err := env.Clock().Sleep(ctx, tc.d); err != nil {
				return err
			}
			order = append(order, fmt.Sprintf("%s@%s", tc.name, env.Clock().Now().Sub(testEpoch)))
			return nil
		}))
	}

	res := w.Run(context.Background())
	require.True(t, res.Success(), "failure: %v", res.Failure)
	assert.Equal(t, []string{"fast@1s", "mid@2s", "slow@3s"}, order)
	assert.Equal(t, testEpoch.Add(3*time.Second), res.End)
}

func TestSameInstantWakesInRegistrationOrder(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, w.AddClient(name, func(ctx context.Context, env substrate.Env) error {
			_ = env.Clock().SleepUntil(ctx, testEpoch.Add(time.Second))
			order = append(order, name)
			return nil
		}))
	}

	res := w.Run(context.Background())
	require.True(t, res.Success())
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestSleepUntilPastReturnsWithoutAdvancing(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	var at time.Time
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error {
		if err := env.Clock().SleepUntil(ctx, testEpoch.Add(-time.Hour)); err != nil {
			return err
		}
		at = env.Clock().Now()
		return nil
	}))

	res := w.Run(context.Background())
	require.True(t, res.Success())
	assert.Equal(t, testEpoch, at)
}

func TestDurationBudgetEndsRun(t *testing.T) {
	t.Parallel()

	w := New(Config{Seed: 1, Start: testEpoch, Duration: 10 * time.Second})
	ticks := 0
	require.NoError(t, w.AddClient("ticker", func(ctx context.Context, env substrate.Env) error {
		for {
			if err := env.Clock().Sleep(ctx, time.Second); err != nil {
				return nil
			}
			ticks++
		}
	}))

	res := w.Run(context.Background())
	require.True(t, res.Success(), "failure: %v", res.Failure)
	assert.Equal(t, 10, ticks)
	assert.Equal(t, 10*time.Second, res.Elapsed())
}

func TestStepBudgetEndsRun(t *testing.T) {
	t.Parallel()

	w := New(Config{Seed: 1, Start: testEpoch, Duration: time.Hour, MaxSteps: 25})
	require.NoError(t, w.AddClient("ticker", func(ctx context.Context, env substrate.Env) error {
		for env.Clock().Sleep(ctx, time.Second) == nil {
		}
		return nil
	}))

	res := w.Run(context.Background())
	require.True(t, res.Success())
	assert.Equal(t, uint64(25), res.Steps)
}

func TestClientErrorFailsRun(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	w := newTestWorld(t, 7)
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error {
		_ = env.Clock().Sleep(ctx, 5*time.Second)
		return boom
	}))

	res := w.Run(context.Background())
	require.False(t, res.Success())
	require.NotNil(t, res.Failure)
	assert.ErrorIs(t, res.Failure, boom)
	assert.Equal(t, "c", res.Failure.Source)
	assert.Equal(t, testEpoch.Add(5*time.Second), res.Failure.At)
	assert.Equal(t, uint64(7), res.Seed)
}

func TestTaskPanicFailsRun(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error {
		panic("kaboom")
	}))

	res := w.Run(context.Background())
	require.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Failure.Message, "kaboom")
	assert.NotEmpty(t, res.Failure.Panic)
}

func TestServerReturnFailsRun(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddHost("server", func(ctx context.Context, env substrate.Env) error {
		return env.Clock().Sleep(ctx, time.Second)
	}))

	res := w.Run(context.Background())
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, "server", res.Failure.Source)
	assert.Contains(t, res.Failure.Message, "terminated unexpectedly")
}

func TestCapabilityOutsideTaskIsDefect(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error {
		return env.Clock().Sleep(context.Background(), time.Second)
	}))

	res := w.Run(context.Background())
	require.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Failure.Message, "outside a task")
}

func TestDeadlockIsReported(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddHost("server", func(ctx context.Context, env substrate.Env) error {
		l, err := env.Net().Listen(ctx, "0.0.0.0:3000")
		if err != nil {
			return err
		}
		conn, err := l.Accept(ctx)
		if err != nil {
			return err
		}
		// Never answer; park forever on a receive.
		_, err = conn.Recv(ctx)
		return err
	}))
	require.NoError(t, w.AddClient("client", func(ctx context.Context, env substrate.Env) error {
		conn, err := env.Net().Dial(ctx, "server:3000")
		if err != nil {
			return err
		}
		_, err = conn.Recv(ctx)
		return err
	}))

	res := w.Run(context.Background())
	require.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Failure.Message, "deadlock")
	assert.Contains(t, res.Failure.Message, "client")
}

func TestIdleServerIsQuiescent(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddHost("server", acceptForever))
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error {
		return env.Clock().Sleep(ctx, time.Second)
	}))

	res := w.Run(context.Background())
	assert.True(t, res.Success(), "failure: %v", res.Failure)
}

func TestCancelledContextFailsRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newTestWorld(t, 1)
	require.NoError(t, w.AddClient("c", func(ctx context.Context, env substrate.Env) error { return nil }))

	res := w.Run(ctx)
	require.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Failure, context.Canceled)
}

func TestRunTwicePanics(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	w.Run(context.Background())
	assert.Panics(t, func() { w.Run(context.Background()) })
}

func TestAddHostValidation(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t, 1)
	require.NoError(t, w.AddHost("server", acceptForever))
	assert.Error(t, w.AddHost("server", acceptForever))
	assert.Error(t, w.AddClient("", acceptForever))
	assert.Equal(t, []string{"server"}, w.Hosts())
	assert.Equal(t, 1, w.Boots("server"))
}

// chatter runs an echo server and a few clients exchanging messages under
// jittered latency, so its trace exercises timers, dials and deliveries.
func chatter(t *testing.T, seed uint64) Result {
	t.Helper()
	w := New(Config{
		Seed:        seed,
		Start:       testEpoch,
		Duration:    time.Minute,
		Latency:     MustParseDistribution("20ms +/- 15ms"),
		RecordTrace: true,
	})
	require.NoError(t, w.AddHost("server", echoServer))
	for i := range 3 {
		require.NoError(t, w.AddClient(fmt.Sprintf("client-%d", i), func(ctx context.Context, env substrate.Env) error {
			conn, err := env.Net().Dial(ctx, "server:3000")
			if err != nil {
				return err
			}
			defer conn.Close()
			for j := range 5 {
				if err := env.Clock().Sleep(ctx, time.Duration(env.Rand().IntN(500))*time.Millisecond); err != nil {
					return err
				}
				msg := fmt.Sprintf("%d-%d", i, j)
				if err := conn.Send(ctx, []byte(msg)); err != nil {
					return err
				}
				got, err := conn.Recv(ctx)
				if err != nil {
					return err
				}
				if string(got) != msg {
					return fmt.Errorf("echo mismatch: sent %q got %q", msg, got)
				}
			}
			return nil
		}))
	}
	return w.Run(context.Background())
}

func TestSameSeedSameTrace(t *testing.T) {
	t.Parallel()

	a := chatter(t, 99)
	b := chatter(t, 99)
	require.True(t, a.Success(), "failure: %v", a.Failure)
	assert.Equal(t, a.TraceDigest, b.TraceDigest)
	assert.Equal(t, a.Trace, b.Trace)
	assert.Equal(t, a.Steps, b.Steps)

	c := chatter(t, 100)
	require.True(t, c.Success(), "failure: %v", c.Failure)
	assert.NotEqual(t, a.TraceDigest, c.TraceDigest)
}

func TestDeterminismProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.Uint64().Draw(rt, "seed")
		a := chatter(t, seed)
		b := chatter(t, seed)
		if a.TraceDigest != b.TraceDigest || a.State != b.State {
			rt.Fatalf("seed %d diverged: %s/%s vs %s/%s", seed, a.State, a.TraceDigest, b.State, b.TraceDigest)
		}
	})
}
