// OS-backed capabilities: wall clock, entropy-seeded randomness, real TCP sockets
// Used by the bank-server binary; never mixed with a simulated world
package osenv

import (
	"context"
	crand "crypto/rand"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// Env is the operating-system backend.
type Env struct {
	clock clock
	rand  *lockedRand
	net   *Network
	rt    runtime
}

// New returns an Env bound to the OS clock, OS entropy and real sockets.
func New() *Env {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand.Read never fails on supported platforms
		panic(err)
	}
	return &Env{
		rand: &lockedRand{r: substrate.NewRand(rand.NewChaCha8(seed))},
		net:  &Network{},
	}
}

// Backend reports substrate.BackendOS.
func (e *Env) Backend() substrate.Backend { return substrate.BackendOS }

// Clock returns the wall clock.
func (e *Env) Clock() substrate.Clock { return e.clock }

// Rand returns an entropy-seeded generator safe for concurrent use.
func (e *Env) Rand() substrate.Rand { return e.rand }

// Net returns the TCP network.
func (e *Env) Net() substrate.Network { return e.net }

// Runtime spawns goroutines.
func (e *Env) Runtime() substrate.Runtime { return e.rt }

type clock struct{}

func (clock) Now() time.Time { return time.Now() }

func (c clock) SleepUntil(ctx context.Context, t time.Time) error {
	return c.Sleep(ctx, time.Until(t))
}

func (clock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type runtime struct{}

func (runtime) Go(ctx context.Context, _ string, fn func(ctx context.Context)) {
	go fn(ctx)
}

type lockedRand struct {
	mu sync.Mutex
	r  substrate.Rand
}

func (l *lockedRand) Uint64() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Uint64()
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

func (l *lockedRand) Range(low, high int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Range(low, high)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.NormFloat64()
}

func (l *lockedRand) Bool(p float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Bool(p)
}

func (l *lockedRand) Choose(weights []uint) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Choose(weights)
}
