// Tasks are goroutines that run one at a time under the world's baton
// A task runs until it parks on a timer or network wait, then hands control back
package sim

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

type taskKey struct{}

type task struct {
	id     int
	name   string
	host   *host
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc

	wake chan struct{}

	started bool
	done    bool
	killed  bool
	parked  bool
	gen     uint64
}

func (t *task) String() string {
	return fmt.Sprintf("task#%d(%s)", t.id, t.name)
}

// spawn registers a task and schedules its first run at the current instant.
func (w *World) spawn(ctx context.Context, h *host, name string, fn func(ctx context.Context)) *task {
	w.nextTaskID++
	t := &task{
		id:   w.nextTaskID,
		name: name,
		host: h,
		fn:   fn,
		wake: make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.WithValue(ctx, taskKey{}, t))
	w.tasks = append(w.tasks, t)
	h.tasks = append(h.tasks, t)
	w.queue.push(&event{at: w.now, kind: eventStart, task: t, label: t.String()})
	return t
}

// taskFrom returns the task a capability call is made from. Calling a simulated
// capability outside a task is a programming defect.
func (w *World) taskFrom(ctx context.Context) *task {
	t, ok := ctx.Value(taskKey{}).(*task)
	if !ok || t.host.world != w {
		panic("sim: capability used outside a task of this world")
	}
	if t != w.current {
		panic(fmt.Sprintf("sim: %s used a capability while %v holds the baton", t, w.current))
	}
	return t
}

// launch starts the task goroutine and blocks until it parks or exits.
func (w *World) launch(t *task) {
	if t.done || t.started {
		return
	}
	t.started = true
	w.current = t
	go w.runTask(t)
	<-w.yield
	w.current = nil
}

func (w *World) runTask(t *task) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(Failure{
				Source:  t.name,
				Message: fmt.Sprintf("panic: %v", r),
				Panic:   string(debug.Stack()),
			})
		}
		t.done = true
		t.cancel()
		w.yield <- struct{}{}
	}()
	t.fn(t.ctx)
}

// resume hands the baton to a parked task and blocks until it parks again or exits.
func (w *World) resume(t *task) {
	if !t.parked {
		panic(fmt.Sprintf("sim: resume of %s which is not parked", t))
	}
	w.current = t
	t.wake <- struct{}{}
	<-w.yield
	w.current = nil
}

// prepark starts a new park generation. Wake events must be scheduled with the
// returned generation before calling park.
func (t *task) prepark() uint64 {
	t.gen++
	return t.gen
}

// park returns the baton to the scheduler and waits to be resumed. A task killed
// while parked never returns from park. Deferred calls of a killed task that reach
// park return at once and see a cancelled context.
func (w *World) park(t *task) {
	if t.killed {
		return
	}
	t.parked = true
	w.yield <- struct{}{}
	<-t.wake
	t.parked = false
	if t.killed {
		runtime.Goexit()
	}
}

// wakeAt schedules a wake for the task's current park generation.
func (w *World) wakeAt(t *task, gen uint64, at time.Time) {
	w.queue.push(&event{at: at, kind: eventWake, task: t, gen: gen, label: t.String()})
}

// kill terminates a task. Parked tasks are resumed so they unwind through
// runtime.Goexit; tasks that never started are simply marked done.
func (w *World) kill(t *task) {
	if t.done {
		return
	}
	t.killed = true
	t.cancel()
	if !t.started {
		t.done = true
		return
	}
	w.resume(t)
}

// yieldNow parks the task until every event already due at the current instant has run.
func (w *World) yieldNow(t *task) {
	gen := t.prepark()
	w.wakeAt(t, gen, w.now)
	w.park(t)
}
