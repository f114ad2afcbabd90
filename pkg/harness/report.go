// Result presentation: per-run table, replay commands and JSON stats
package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/jedib0t/go-pretty/v6/table"
)

// ReplayCommand returns the command line that reruns r byte for byte. It
// carries every setting that shapes a world; a scenario overrides the
// banker count, timestamp codec and faults itself.
func ReplayCommand(r RunResult, s Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bankdst run --seed %d --runs 1", r.Seed)
	if s.Scenario != "" {
		fmt.Fprintf(&b, " --scenario %s", s.Scenario)
	}
	fmt.Fprintf(&b, " --duration %s", s.Duration)
	if s.MaxSteps > 0 {
		fmt.Fprintf(&b, " --max-steps %d", s.MaxSteps)
	}
	if s.StepMultiplier != 1 {
		fmt.Fprintf(&b, " --step-multiplier %g", s.StepMultiplier)
	}
	if s.EpochOffset != nil {
		fmt.Fprintf(&b, " --epoch-offset %s", *s.EpochOffset)
	}
	if s.Scenario == "" && s.BankerCount > 0 {
		fmt.Fprintf(&b, " --banker-count %d", s.BankerCount)
	}
	if s.Latency != (sim.Distribution{}) {
		fmt.Fprintf(&b, " --latency '%s'", s.Latency)
	}
	if s.Scenario != "" {
		return b.String()
	}
	if r.Properties.Timestamps != "wide" {
		fmt.Fprintf(&b, " --timestamps %s", r.Properties.Timestamps)
	}
	if !s.Faults {
		b.WriteString(" --faults=false")
	}
	return b.String()
}

// RenderTable writes one row per run followed by a totals footer.
func RenderTable(w io.Writer, rep Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Seed", "Verdict", "Steps", "Simulated", "Start", "Bankers", "Latency", "Actions", "Faults", "Boots", "Failure"})

	var steps uint64
	var actions, faults int
	for _, r := range rep.Runs {
		failure := ""
		if r.Result.Failure != nil {
			failure = r.Result.Failure.Error()
		}
		steps += r.Result.Steps
		actions += r.Stats.Actions
		faults += r.Stats.Faults
		t.AppendRow(table.Row{
			r.Index,
			r.Seed,
			r.Verdict(),
			r.Result.Steps,
			r.Result.Elapsed().Round(time.Millisecond),
			r.Properties.Start.Format(time.RFC3339),
			r.Properties.Bankers,
			r.Properties.Latency,
			r.Stats.Actions,
			r.Stats.Faults,
			r.Stats.ServerBoots,
			failure,
		})
	}
	passed := len(rep.Runs) - len(rep.Failed())
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d/%d", passed, len(rep.Runs)), steps, "", "", "", "", actions, faults, "", ""})
	t.Render()
}

// RenderFailures writes the seed, failing step and replay command of every failed run.
func RenderFailures(w io.Writer, rep Report, s Settings) {
	for _, r := range rep.Failed() {
		if r.Result.Failure == nil {
			_, _ = fmt.Fprintf(w, "run %d (seed %d) was expected to fail but passed\n", r.Index, r.Seed)
		} else {
			_, _ = fmt.Fprintf(w, "run %d (seed %d) failed at step %d: %s\n", r.Index, r.Seed, r.Result.Failure.Step, r.Result.Failure.Message)
			if r.Result.Failure.Panic != "" {
				_, _ = fmt.Fprintln(w, r.Result.Failure.Panic)
			}
		}
		_, _ = fmt.Fprintf(w, "  replay: %s\n", ReplayCommand(r, s))
	}
}

// Stats is the machine-readable summary of a batch.
type Stats struct {
	BaseSeed        uint64  `json:"base_seed"`
	Runs            int     `json:"runs"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	Steps           uint64  `json:"steps"`
	Actions         int     `json:"actions"`
	TransportErrors int     `json:"transport_errors"`
	Faults          int     `json:"faults"`
	ElapsedMs       int64   `json:"elapsed_ms"`
	StepsPerSec     float64 `json:"steps_per_second"`
}

// Summarize computes batch statistics.
func Summarize(rep Report) Stats {
	st := Stats{BaseSeed: rep.BaseSeed, Runs: len(rep.Runs), ElapsedMs: rep.Elapsed.Milliseconds()}
	for _, r := range rep.Runs {
		if r.Passed() {
			st.Passed++
		} else {
			st.Failed++
		}
		st.Steps += r.Result.Steps
		st.Actions += r.Stats.Actions
		st.TransportErrors += r.Stats.TransportErrors
		st.Faults += r.Stats.Faults
	}
	if secs := rep.Elapsed.Seconds(); secs > 0 {
		st.StepsPerSec = float64(st.Steps) / secs
	}
	return st
}

// WriteStats encodes the batch statistics as JSON.
func WriteStats(w io.Writer, rep Report) error {
	return json.NewEncoder(w).Encode(Summarize(rep))
}
