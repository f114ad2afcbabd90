// Hosts own tasks, listeners and connection endpoints
// A restartable host runs a main function that is relaunched after every bounce
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// HostMain is the entry point of a host. For a server host it must run until the
// host is bounced; returning is treated as an unexpected termination.
type HostMain func(ctx context.Context, env substrate.Env) error

type host struct {
	world       *World
	name        string
	main        HostMain
	restartable bool

	up          bool
	boots       int
	lastBounce  time.Time
	lastRestart time.Time
	tasks       []*task

	listeners map[int]*listener
	endpoints []*endpoint
	nextPort  int
}

const firstEphemeralPort = 49152

// AddHost registers a restartable host, typically a server. Its main function is
// started when the run begins and again after every bounce.
func (w *World) AddHost(name string, main HostMain) error {
	h, err := w.addHost(name, main, true)
	if err != nil {
		return err
	}
	w.boot(h)
	return nil
}

// AddClient registers a host that runs fn once. A non-nil error returned by fn
// fails the run.
func (w *World) AddClient(name string, fn HostMain) error {
	h, err := w.addHost(name, fn, false)
	if err != nil {
		return err
	}
	w.boot(h)
	return nil
}

func (w *World) addHost(name string, main HostMain, restartable bool) (*host, error) {
	if w.state != StateBuilding {
		return nil, fmt.Errorf("add host %q: world is %s", name, w.state)
	}
	if name == "" {
		return nil, fmt.Errorf("add host: name is required")
	}
	if _, ok := w.hosts[name]; ok {
		return nil, fmt.Errorf("add host %q: already registered", name)
	}
	h := &host{
		world:       w,
		name:        name,
		main:        main,
		restartable: restartable,
		listeners:   make(map[int]*listener),
		nextPort:    firstEphemeralPort,
	}
	w.hosts[name] = h
	w.hostOrder = append(w.hostOrder, name)
	return h, nil
}

// Hosts lists registered host names in registration order.
func (w *World) Hosts() []string {
	return append([]string(nil), w.hostOrder...)
}

// Boots reports how many times the named host has been started.
func (w *World) Boots(name string) int {
	if h, ok := w.hosts[name]; ok {
		return h.boots
	}
	return 0
}

func (w *World) boot(h *host) {
	h.up = true
	h.boots++
	if h.boots > 1 {
		h.lastRestart = w.now
	}
	env := &hostEnv{h: h}
	name := fmt.Sprintf("%s/main#%d", h.name, h.boots)
	w.spawn(context.Background(), h, name, func(ctx context.Context) {
		err := h.main(ctx, env)
		switch {
		case h.restartable:
			msg := "terminated unexpectedly"
			if err != nil {
				msg = fmt.Sprintf("terminated unexpectedly: %v", err)
			}
			w.fail(Failure{Source: h.name, Message: msg, Err: err})
		case err != nil:
			w.fail(Failure{Source: h.name, Message: err.Error(), Err: err})
		}
	})
}

// hostEnv is the capability set handed to tasks of one host.
type hostEnv struct {
	h *host
}

var _ substrate.Env = (*hostEnv)(nil)

func (e *hostEnv) Backend() substrate.Backend { return substrate.BackendSimulated }
func (e *hostEnv) Clock() substrate.Clock     { return clock{w: e.h.world} }
func (e *hostEnv) Rand() substrate.Rand       { return e.h.world.rand }
func (e *hostEnv) Net() substrate.Network     { return hostNet{h: e.h} }
func (e *hostEnv) Runtime() substrate.Runtime { return hostRuntime{h: e.h} }

type hostRuntime struct {
	h *host
}

// Go spawns a task on the calling host. The child does not inherit the parent's
// cancellation, only its values, so it outlives the parent until the host is bounced.
func (r hostRuntime) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	w := r.h.world
	w.taskFrom(ctx)
	if !r.h.up {
		return
	}
	w.spawn(context.WithoutCancel(ctx), r.h, r.h.name+"/"+name, fn)
}

type clock struct {
	w *World
}

func (c clock) Now() time.Time { return c.w.now }

func (c clock) SleepUntil(ctx context.Context, until time.Time) error {
	t := c.w.taskFrom(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if until.Before(c.w.now) {
		until = c.w.now
	}
	gen := t.prepark()
	c.w.wakeAt(t, gen, until)
	c.w.park(t)
	return ctx.Err()
}

func (c clock) Sleep(ctx context.Context, d time.Duration) error {
	return c.SleepUntil(ctx, c.w.now.Add(max(d, 0)))
}
