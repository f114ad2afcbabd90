package osenv

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramedRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := New()
	l, err := env.Net().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	done := make(chan error, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			done <- err
			return
		}
		defer c.Close() //nolint:errcheck // test server
		msg, err := c.Recv(ctx)
		if err != nil {
			done <- err
			return
		}
		done <- c.Send(ctx, append([]byte("echo:"), msg...))
	}()

	c, err := env.Net().Dial(ctx, l.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Send(ctx, []byte("hello")))
	got, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(got))
	require.NoError(t, <-done)

	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialRefused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := New()
	l, err := env.Net().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	require.NoError(t, l.Close())

	_, err = env.Net().Dial(ctx, addr)
	assert.ErrorIs(t, err, substrate.ErrConnectionRefused)
}

func TestRecvDeadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	env := New()
	l, err := env.Net().Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		c, err := l.Accept(ctx)
		if err == nil {
			time.Sleep(200 * time.Millisecond)
			_ = c.Close()
		}
	}()

	c, err := env.Net().Dial(ctx, l.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.SetDeadline(time.Now().Add(20*time.Millisecond)))
	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, substrate.ErrTimedOut)
}

func TestRecvContextCancel(t *testing.T) {
	t.Parallel()

	env := New()
	l, err := env.Net().Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = l.Accept(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClockSleepPastReturnsImmediately(t *testing.T) {
	t.Parallel()

	env := New()
	start := time.Now()
	require.NoError(t, env.Clock().SleepUntil(context.Background(), start.Add(-time.Hour)))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, substrate.BackendOS, env.Backend())
}
