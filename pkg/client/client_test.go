// Tests for the client against scripted peers in a simulated world
package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andrewh/bankdst/pkg/bank"
	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2032, 2, 29, 23, 59, 0, 0, time.UTC)

// reply decides what a scripted peer does with a request. A nil message with
// hangup false leaves the request unanswered.
type reply func(req wire.Request) (msg []byte, hangup bool)

func respond(t *testing.T, resp wire.Response) []byte {
	t.Helper()
	data, err := wire.MarshalResponse(resp)
	require.NoError(t, err)
	return data
}

// peer serves each accepted connection with handle and counts accepts.
func peer(handle reply, accepts *int) sim.HostMain {
	return func(ctx context.Context, env substrate.Env) error {
		l, err := env.Net().Listen(ctx, ":3000")
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck // listener teardown
		for {
			conn, err := l.Accept(ctx)
			if err != nil {
				return err
			}
			*accepts++
			env.Runtime().Go(ctx, "peer", func(ctx context.Context) {
				defer conn.Close() //nolint:errcheck // connection teardown
				for {
					msg, err := conn.Recv(ctx)
					if err != nil {
						return
					}
					req, err := wire.UnmarshalRequest(msg)
					if err != nil {
						return
					}
					out, hangup := handle(req)
					if hangup {
						return
					}
					if out != nil {
						if err := conn.Send(ctx, out); err != nil {
							return
						}
					}
				}
			})
		}
	}
}

func simulate(t *testing.T, server sim.HostMain, fn sim.HostMain) sim.Result {
	t.Helper()
	w := sim.New(sim.Config{Seed: 3, Start: testStart, Duration: 10 * time.Minute})
	require.NoError(t, w.AddHost("server", server))
	require.NoError(t, w.AddClient("client", fn))
	res := w.Run(context.Background())
	require.True(t, res.Success(), "run failed: %v", res.Failure)
	return res
}

func TestDialToHostWithoutListenerIsRefused(t *testing.T) {
	t.Parallel()

	idle := func(ctx context.Context, env substrate.Env) error {
		return env.Clock().Sleep(ctx, time.Hour)
	}
	simulate(t, idle, func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000")
		err := c.Health(ctx)
		assert.ErrorIs(t, err, substrate.ErrConnectionRefused)
		assert.True(t, IsTransportError(err))
		assert.Zero(t, c.Epoch())
		return nil
	})
}

func TestUnansweredRequestTimesOutAndRedials(t *testing.T) {
	t.Parallel()

	var accepts, seen int
	handle := func(req wire.Request) ([]byte, bool) {
		seen++
		if seen == 1 {
			return nil, false
		}
		return respond(t, wire.Response{OK: true, Status: "healthy", ServerEpoch: 9}), false
	}
	simulate(t, peer(handle, &accepts), func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000", WithTimeout(2*time.Second))
		sent := env.Clock().Now()
		err := c.Health(ctx)
		assert.ErrorIs(t, err, substrate.ErrTimedOut)
		assert.True(t, IsTransportError(err))
		waited := env.Clock().Now().Sub(sent)
		assert.GreaterOrEqual(t, waited, 2*time.Second)
		assert.Less(t, waited, 3*time.Second)

		require.NoError(t, c.Health(ctx))
		assert.Equal(t, int64(9), c.Epoch())
		return c.Close(ctx)
	})
	assert.Equal(t, 2, accepts)
}

func TestPeerHangupIsReportedAsReset(t *testing.T) {
	t.Parallel()

	var accepts int
	handle := func(req wire.Request) ([]byte, bool) {
		return nil, req.Op == wire.OpBalance
	}
	simulate(t, peer(handle, &accepts), func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000")
		_, err := c.Balance(ctx)
		assert.ErrorIs(t, err, substrate.ErrConnectionReset)
		assert.Contains(t, err.Error(), "server:3000")
		return nil
	})
}

func TestMalformedResponsesAreNotTransportErrors(t *testing.T) {
	t.Parallel()

	var accepts int
	handle := func(req wire.Request) ([]byte, bool) {
		switch req.Op {
		case wire.OpGet:
			return []byte("{not json"), false
		case wire.OpList:
			return respond(t, wire.Response{ServerEpoch: 4}), false
		case wire.OpVoid:
			return respond(t, wire.Response{OK: true, ServerEpoch: 4}), false
		case wire.OpBalance:
			return respond(t, wire.Response{OK: true, ServerEpoch: 4}), false
		case wire.OpHealth:
			return respond(t, wire.Response{OK: true, Status: "draining", ServerEpoch: 4}), false
		default:
			return respond(t, wire.Response{Error: wire.ErrorFor(bank.ErrNotFound), ServerEpoch: 4}), false
		}
	}
	simulate(t, peer(handle, &accepts), func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000")

		_, err := c.Get(ctx, 1)
		require.Error(t, err)
		assert.False(t, IsTransportError(err))
		assert.Zero(t, c.Epoch())

		_, err = c.List(ctx)
		assert.ErrorContains(t, err, "response without ok or error")
		assert.Equal(t, int64(4), c.Epoch())

		_, err = c.Void(ctx, 1)
		assert.ErrorContains(t, err, "carries no transaction")
		_, err = c.Balance(ctx)
		assert.ErrorContains(t, err, "carries no balance")
		assert.ErrorContains(t, c.Health(ctx), `"draining"`)

		_, err = c.Create(ctx, decimal.NewFromInt(5), "ref-1")
		assert.ErrorIs(t, err, bank.ErrNotFound)
		var werr *wire.Error
		require.True(t, errors.As(err, &werr))
		assert.Equal(t, wire.CodeNotFound, werr.Code)
		assert.False(t, IsTransportError(err))
		return c.Close(ctx)
	})
	// Only the undecodable response drops the connection.
	assert.Equal(t, 2, accepts)
}

func TestCreateSendsAmountAndReference(t *testing.T) {
	t.Parallel()

	var accepts int
	var got wire.Request
	var ops []wire.Op
	codec := wire.DefaultCodec()
	handle := func(req wire.Request) ([]byte, bool) {
		ops = append(ops, req.Op)
		if req.Op != wire.OpCreate {
			return nil, true
		}
		got = req
		amount, err := decimal.NewFromString(req.Amount)
		require.NoError(t, err)
		w, err := codec.EncodeTransaction(bank.Transaction{
			ID: 7, Amount: amount, Status: bank.StatusActive, CreatedAt: testStart, Reference: req.Reference,
		})
		require.NoError(t, err)
		return respond(t, wire.Response{OK: true, Transaction: &w, ServerEpoch: 1}), false
	}
	simulate(t, peer(handle, &accepts), func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000", WithCodec(codec))
		tx, err := c.Create(ctx, decimal.RequireFromString("19.99"), "abc")
		require.NoError(t, err)
		assert.Equal(t, int64(7), tx.ID)
		assert.True(t, tx.Amount.Equal(decimal.RequireFromString("19.99")))
		assert.True(t, tx.CreatedAt.Equal(testStart))
		assert.Equal(t, "abc", tx.Reference)
		return c.Close(ctx)
	})
	assert.Equal(t, []wire.Op{wire.OpCreate, wire.OpClose}, ops)
	assert.Equal(t, wire.OpCreate, got.Op)
	assert.Equal(t, "19.99", got.Amount)
	assert.Equal(t, "abc", got.Reference)
	assert.Zero(t, got.Epoch)
}

func TestInEpochPinsIDRequests(t *testing.T) {
	t.Parallel()

	var accepts int
	var got []wire.Request
	handle := func(req wire.Request) ([]byte, bool) {
		if req.Op == wire.OpClose {
			return nil, true
		}
		got = append(got, req)
		if req.Epoch != 0 && req.Epoch != 5 {
			return respond(t, wire.Response{Error: &wire.Error{Code: wire.CodeStaleEpoch, Message: "old boot"}, ServerEpoch: 5}), false
		}
		return respond(t, wire.Response{Error: &wire.Error{Code: wire.CodeNotFound, Message: "no such id"}, ServerEpoch: 5}), false
	}
	simulate(t, peer(handle, &accepts), func(ctx context.Context, env substrate.Env) error {
		c := New(env, "server:3000")
		_, err := c.Void(ctx, 3, InEpoch(4))
		require.ErrorIs(t, err, wire.ErrStaleEpoch)
		assert.Equal(t, int64(5), c.Epoch())

		_, err = c.Get(ctx, 3, InEpoch(c.Epoch()))
		require.ErrorIs(t, err, bank.ErrNotFound)
		_, err = c.Get(ctx, 3)
		require.ErrorIs(t, err, bank.ErrNotFound)
		return c.Close(ctx)
	})
	require.Len(t, got, 3)
	assert.Equal(t, wire.Request{Op: wire.OpVoid, ID: 3, Epoch: 4}, got[0])
	assert.Equal(t, wire.Request{Op: wire.OpGet, ID: 3, Epoch: 5}, got[1])
	assert.Equal(t, wire.Request{Op: wire.OpGet, ID: 3}, got[2])
	assert.Equal(t, 1, accepts)
}
