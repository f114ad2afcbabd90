// Capability interfaces for time, randomness, TCP-style networking and task spawning
// Business logic depends only on these; a simulated world or the OS backs them
package substrate

import (
	"context"
	"errors"
	"time"
)

// Backend names the implementation behind an Env.
type Backend string

// Known backends.
const (
	BackendSimulated Backend = "simulated"
	BackendOS        Backend = "os"
)

// Transport errors shared by every backend. Callers match them with errors.Is and
// never need to know which backend produced them.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset")
	ErrTimedOut          = errors.New("timed out")
	ErrClosed            = errors.New("use of closed connection")
	ErrAddressInUse      = errors.New("address already in use")
)

// Clock provides the current instant and timers.
type Clock interface {
	Now() time.Time
	// SleepUntil suspends the calling task until t. A t in the past returns immediately.
	SleepUntil(ctx context.Context, t time.Time) error
	Sleep(ctx context.Context, d time.Duration) error
}

// Rand is a source of pseudo-random values. Not safe for concurrent use on the
// simulated backend; tasks of one world never run concurrently.
type Rand interface {
	Uint64() uint64
	// IntN returns a value in [0, n). It panics if n <= 0.
	IntN(n int) int
	// Range returns a value in [low, high). It panics if high <= low.
	Range(low, high int64) int64
	Float64() float64
	// NormFloat64 returns a standard normally distributed value.
	NormFloat64() float64
	// Bool returns true with probability p.
	Bool(p float64) bool
	// Choose picks an index with probability proportional to its weight.
	// It returns -1 when every weight is zero or weights is empty.
	Choose(weights []uint) int
}

// Network opens listeners and connections.
type Network interface {
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts inbound connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Conn is a reliable, ordered, message-framed connection.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	// Recv returns the next message, or io.EOF once the peer has closed.
	Recv(ctx context.Context) ([]byte, error)
	// SetDeadline bounds subsequent Send and Recv calls. The zero time clears it.
	SetDeadline(t time.Time) error
	LocalAddr() string
	RemoteAddr() string
	Close() error
}

// Runtime spawns logically concurrent tasks.
type Runtime interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context))
}

// Env bundles one backend's capabilities. Envs are only constructed whole by a
// backend, so a run can never mix simulated time with real sockets.
type Env interface {
	Backend() Backend
	Clock() Clock
	Rand() Rand
	Net() Network
	Runtime() Runtime
}
