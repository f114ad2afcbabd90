// Deterministic simulation harness for the ledger server
// Runs seeded worlds of bankers, faults and health probes and reports a verdict per seed
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/bankdst/pkg/harness"
	"github.com/andrewh/bankdst/pkg/plan"
	"github.com/andrewh/bankdst/pkg/server"
	"github.com/andrewh/bankdst/pkg/sim"
	"github.com/andrewh/bankdst/pkg/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "bankdst",
		Short:        "Deterministic simulation testing for the ledger server",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

type telemetryOptions struct {
	signals       string
	stdout        bool
	endpoint      string
	protocol      string
	slowThreshold time.Duration
}

func runCmd() *cobra.Command {
	v := harness.NewViper()
	var (
		tele      telemetryOptions
		traceFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run seeded simulations and report a verdict per seed",
		Long: "Run seeded simulations and report a verdict per seed.\n\n" +
			"Every flag can also be set through a SIMULATOR_ environment variable,\n" +
			"e.g. SIMULATOR_RUNS=100 or SIMULATOR_EPOCH_OFFSET=2147483640.\n" +
			"Unset seed, epoch offset, banker count and latency are drawn at random;\n" +
			"a failing run prints the command that replays it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("slow-threshold") && tele.signals == "" {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: --slow-threshold has no effect without --signals")
			}
			s, err := harness.LoadSettings(v, rand.Uint64)
			if err != nil {
				return err
			}
			return runSimulations(cmd.Context(), s, tele, traceFile, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.Uint64("seed", 0, "base seed; run i uses seed+i (random when unset)")
	f.Int("runs", 10, "number of runs")
	f.Int("max-parallel", 0, "maximum runs in flight (default number of CPUs)")
	f.Duration("duration", sim.DefaultDuration, "simulated duration of each run")
	f.Uint64("max-steps", 0, "maximum scheduler steps per run (0 = unlimited)")
	f.Float64("step-multiplier", 1, "scale plan gaps, timeouts and probe intervals")
	f.String("epoch-offset", "", "simulated start after the Unix epoch, as seconds or a duration (random when unset)")
	f.Int("banker-count", 0, fmt.Sprintf("bankers per run (random in [1, %d) when 0)", harness.MaxRandomBankers))
	f.String("latency", "", `network latency distribution, e.g. "5ms +/- 2ms" (random when unset)`)
	f.String("scenario", "", "scenario YAML file replacing generated plans")
	f.String("timestamps", "wide", "timestamp codec: wide or legacy")
	f.Bool("faults", true, "inject partitions and server bounces")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	bindFlags(v, f, map[string]string{
		harness.KeySeed:           "seed",
		harness.KeyRuns:           "runs",
		harness.KeyMaxParallel:    "max-parallel",
		harness.KeyDuration:       "duration",
		harness.KeyMaxSteps:       "max-steps",
		harness.KeyStepMultiplier: "step-multiplier",
		harness.KeyEpochOffset:    "epoch-offset",
		harness.KeyBankerCount:    "banker-count",
		harness.KeyLatency:        "latency",
		harness.KeyScenario:       "scenario",
		harness.KeyTimestamps:     "timestamps",
		harness.KeyFaults:         "faults",
		harness.KeyLogLevel:       "log-level",
	})

	f.StringVar(&traceFile, "trace", "", "write every dispatched event of every run to this file")
	f.StringVar(&tele.signals, "signals", "", "comma-separated telemetry signals from simulated servers: traces,metrics,logs")
	f.BoolVar(&tele.stdout, "stdout", false, "emit telemetry to stdout as JSON")
	f.StringVar(&tele.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	f.StringVar(&tele.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	f.DurationVar(&tele.slowThreshold, "slow-threshold", time.Second, "simulated duration threshold for slow request log emission")

	return cmd
}

func bindFlags(v *viper.Viper, f *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
}

func runSimulations(ctx context.Context, s harness.Settings, tele telemetryOptions, traceFile string, out, errOut io.Writer) error {
	log, err := telemetry.NewLogger(errOut, s.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observers, shutdown, err := telemetry.Setup(ctx, server.DefaultService, telemetry.Options{
		Signals:       tele.signals,
		Stdout:        tele.stdout,
		Endpoint:      tele.endpoint,
		Protocol:      tele.protocol,
		SlowThreshold: tele.slowThreshold,
		Version:       version,
	})
	if err != nil {
		return err
	}
	defer shutdown()

	opts := []harness.Option{harness.WithLogger(log)}
	if len(observers) > 0 {
		opts = append(opts, harness.WithObserver(observers))
	}
	if traceFile != "" {
		opts = append(opts, harness.WithTrace())
	}
	o, err := harness.NewOrchestrator(s, opts...)
	if err != nil {
		return err
	}

	log.Info().Uint64("base_seed", s.Seed).Bool("seed_set", s.SeedSet).Int("runs", s.Runs).
		Int("max_parallel", s.MaxParallel).Str("scenario", s.Scenario).Msg("starting simulations")
	rep, err := o.Run(ctx)
	if err != nil {
		return err
	}

	harness.RenderTable(out, rep)
	harness.RenderFailures(out, rep, s)
	if traceFile != "" {
		if err := writeTraces(traceFile, rep); err != nil {
			return err
		}
	}
	if err := harness.WriteStats(errOut, rep); err != nil {
		return err
	}
	if failed := len(rep.Failed()); failed > 0 {
		return fmt.Errorf("%d of %d runs failed (base seed %d)", failed, len(rep.Runs), rep.BaseSeed)
	}
	return nil
}

func writeTraces(path string, rep harness.Report) error {
	f, err := os.Create(path) //nolint:gosec // user-supplied output path is expected
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, r := range rep.Runs {
		_, _ = fmt.Fprintf(w, "# run %d seed %d digest %s\n", r.Index, r.Seed, r.Result.TraceDigest)
		for _, line := range r.Result.Trace {
			_, _ = fmt.Fprintln(w, line)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing trace file: %w", err)
	}
	return f.Close()
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Parse and validate a scenario file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing scenario file\n\nUsage: bankdst validate <scenario.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := plan.LoadScenario(args[0])
			if err != nil {
				return err
			}
			sc, err := plan.BuildScenario(cfg)
			if err != nil {
				return err
			}
			actions := 0
			for _, b := range sc.Bankers {
				actions += len(b.Entries)
			}
			expect := plan.ExpectPass
			if sc.ExpectFailure {
				expect = plan.ExpectFail
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scenario %q valid: %d %s, %d %s, %d %s, expected to %s\n\n"+
				"To run it:\n"+
				"  bankdst run --scenario %s\n",
				sc.Name, len(sc.Bankers), plural(len(sc.Bankers), "banker"), actions, plural(actions, "action"),
				len(sc.Faults), plural(len(sc.Faults), "fault"), expect, args[0])
			return nil
		},
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bankdst %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
