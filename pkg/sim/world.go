// Simulated world: one seed, one logical clock, one network, many cooperative tasks
// Run pops the earliest event, advances the clock and dispatches it, one at a time
package sim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"runtime/debug"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
	"github.com/rs/zerolog"
)

// Defaults for world configuration.
const (
	DefaultDuration       = 10 * time.Minute
	DefaultConnectTimeout = 5 * time.Second
	progressInterval      = 1000
)

// Default delay distributions.
var (
	DefaultLatency      = MustParseDistribution("5ms +/- 2ms")
	DefaultRestartDelay = MustParseDistribution("2s +/- 500ms")
)

// State is the lifecycle state of a world.
type State int

// World states.
const (
	StateBuilding State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a world. Zero values select defaults.
type Config struct {
	Seed uint64
	// Start is the initial simulated instant.
	Start time.Time
	// Duration bounds simulated time; MaxSteps, when non-zero, bounds dispatched events.
	Duration       time.Duration
	MaxSteps       uint64
	Latency        Distribution
	RestartDelay   Distribution
	ConnectTimeout time.Duration
	// RecordTrace keeps every dispatched event label in Result.Trace.
	RecordTrace bool
	Logger      zerolog.Logger
}

// Failure describes why a run failed.
type Failure struct {
	Step    uint64
	At      time.Time
	Source  string
	Message string
	Err     error
	Panic   string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("step %d (%s) %s: %s", f.Step, f.At.UTC().Format(time.RFC3339Nano), f.Source, f.Message)
}

// Unwrap exposes the error reported by the failing task, if any.
func (f *Failure) Unwrap() error { return f.Err }

// Result summarises a finished run.
type Result struct {
	Seed        uint64
	State       State
	Steps       uint64
	Start       time.Time
	End         time.Time
	Failure     *Failure
	TraceDigest string
	Trace       []string
}

// Elapsed is the simulated time covered by the run.
func (r Result) Elapsed() time.Duration { return r.End.Sub(r.Start) }

// Success reports whether the run succeeded.
func (r Result) Success() bool { return r.State == StateSucceeded }

// World is a single deterministic simulation. It is not safe for concurrent use;
// independent worlds may run in parallel.
type World struct {
	cfg   Config
	log   zerolog.Logger
	rand  substrate.Rand
	state State

	start time.Time
	end   time.Time
	now   time.Time
	step  uint64
	queue eventQueue

	tasks      []*task
	nextTaskID int
	current    *task
	yield      chan struct{}

	hosts     map[string]*host
	hostOrder []string
	net       network

	failure *Failure
	digest  hash.Hash
	trace   []string
}

// New builds a world in the Building state.
func New(cfg Config) *World {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Latency.Mean <= 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.RestartDelay.Mean <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Unix(0, 0).UTC()
	}
	w := &World{
		cfg:    cfg,
		log:    cfg.Logger.With().Uint64("seed", cfg.Seed).Logger(),
		rand:   substrate.NewSeededRand(cfg.Seed),
		start:  cfg.Start,
		now:    cfg.Start,
		end:    cfg.Start.Add(cfg.Duration),
		yield:  make(chan struct{}),
		hosts:  make(map[string]*host),
		digest: sha256.New(),
	}
	w.net.init()
	return w
}

// Seed returns the world's seed.
func (w *World) Seed() uint64 { return w.cfg.Seed }

// Now returns the current simulated instant.
func (w *World) Now() time.Time { return w.now }

// Step returns the number of events dispatched so far.
func (w *World) Step() uint64 { return w.step }

// State returns the lifecycle state.
func (w *World) State() State { return w.state }

// Rand returns the world's generator. Everything random in a run draws from it.
func (w *World) Rand() substrate.Rand { return w.rand }

// Fail stops the run at the current step. Only the first failure is kept.
func (w *World) Fail(source string, err error) {
	w.fail(Failure{Source: source, Message: err.Error(), Err: err})
}

func (w *World) fail(f Failure) {
	if w.failure != nil {
		return
	}
	f.Step = w.step
	f.At = w.now
	w.failure = &f
	w.log.Error().Uint64("step", f.Step).Str("source", f.Source).Msg(f.Message)
}

// Run dispatches events until the duration or step budget is exhausted, a failure
// is reported, or ctx is cancelled. Run may be called once.
func (w *World) Run(ctx context.Context) (res Result) {
	if w.state != StateBuilding {
		panic("sim: Run called twice")
	}
	w.state = StateRunning
	w.log.Debug().Time("start", w.start).Dur("duration", w.cfg.Duration).Msg("world running")

	defer func() {
		if r := recover(); r != nil {
			w.fail(Failure{Source: "scheduler", Message: fmt.Sprintf("panic: %v", r), Panic: string(debug.Stack())})
		}
		w.shutdown()
		res = w.result()
	}()

	for w.failure == nil {
		if err := ctx.Err(); err != nil {
			w.fail(Failure{Source: "orchestrator", Message: "cancelled", Err: err})
			break
		}
		if w.cfg.MaxSteps > 0 && w.step >= w.cfg.MaxSteps {
			w.log.Debug().Uint64("steps", w.step).Msg("step budget exhausted")
			break
		}
		ev, ok := w.queue.pop()
		if !ok {
			if live := w.liveTasks(); len(live) > 0 {
				w.fail(Failure{Source: "scheduler", Message: fmt.Sprintf("deadlock: no pending events while %v are blocked", live)})
				break
			}
			w.log.Debug().Uint64("steps", w.step).Msg("quiescent")
			break
		}
		if ev.at.After(w.end) {
			w.now = w.end
			w.log.Debug().Uint64("steps", w.step).Msg("duration budget exhausted")
			break
		}
		if ev.kind == eventWake && (ev.task.done || !ev.task.parked || ev.task.gen != ev.gen) {
			continue
		}
		if ev.at.After(w.now) {
			w.now = ev.at
		}
		w.step++
		w.record(ev)
		if w.step%progressInterval == 0 {
			w.log.Info().Uint64("step", w.step).Dur("elapsed", w.now.Sub(w.start)).Msg("progress")
		}
		w.dispatch(ev)
	}
	return res
}

func (w *World) dispatch(ev *event) {
	switch ev.kind {
	case eventStart:
		w.launch(ev.task)
	case eventWake:
		w.resume(ev.task)
	case eventFunc:
		ev.fn()
	}
}

func (w *World) record(ev *event) {
	line := fmt.Sprintf("%d %d %s %s", w.step, w.now.UnixNano(), ev.kind, ev.label)
	w.digest.Write([]byte(line))
	w.digest.Write([]byte{'\n'})
	if w.cfg.RecordTrace {
		w.trace = append(w.trace, line)
	}
}

// after schedules fn to run on the scheduler at now+d.
func (w *World) after(d time.Duration, label string, fn func()) {
	w.queue.push(&event{at: w.now.Add(d), kind: eventFunc, label: label, fn: fn})
}

// liveTasks lists blocked client tasks. Server hosts idling in Accept are not
// counted; a world whose clients have all finished is quiescent, not deadlocked.
func (w *World) liveTasks() []string {
	var live []string
	for _, t := range w.tasks {
		if t.started && !t.done && !t.host.restartable {
			live = append(live, t.String())
		}
	}
	return live
}

// shutdown kills every remaining task so no goroutine outlives the world.
func (w *World) shutdown() {
	for _, t := range w.tasks {
		w.kill(t)
	}
	if w.failure != nil {
		w.state = StateFailed
	} else {
		w.state = StateSucceeded
	}
}

func (w *World) result() Result {
	return Result{
		Seed:        w.cfg.Seed,
		State:       w.state,
		Steps:       w.step,
		Start:       w.start,
		End:         w.now,
		Failure:     w.failure,
		TraceDigest: hex.EncodeToString(w.digest.Sum(nil)),
		Trace:       w.trace,
	}
}
