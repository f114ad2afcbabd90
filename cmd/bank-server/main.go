// Ledger server on real sockets
// Reads ADDR and PORT from the environment and serves until SIGINT or SIGTERM
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/bankdst/pkg/server"
	"github.com/andrewh/bankdst/pkg/substrate/osenv"
	"github.com/andrewh/bankdst/pkg/telemetry"
	"github.com/andrewh/bankdst/pkg/wire"
	"github.com/spf13/cobra"
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

type serveOptions struct {
	addr          string
	port          string
	idleTimeout   time.Duration
	timestamps    string
	logLevel      string
	signals       string
	stdout        bool
	endpoint      string
	protocol      string
	slowThreshold time.Duration
	onListen      func(addr string)
}

func rootCmd() *cobra.Command {
	v := viper.New()
	v.AutomaticEnv()

	var opts serveOptions
	root := &cobra.Command{
		Use:          "bank-server",
		Short:        "Transaction ledger server",
		Long:         "Serves the transaction ledger over TCP. ADDR and PORT select the listen address.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.addr = v.GetString("addr")
			opts.port = v.GetString("port")
			return serve(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}

	root.Flags().String("addr", "0.0.0.0", "listen address (env ADDR)")
	root.Flags().String("port", "3000", "listen port (env PORT)")
	root.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", server.DefaultIdleTimeout, "close connections idle for this long (0 disables)")
	root.Flags().StringVar(&opts.timestamps, "timestamps", "wide", "timestamp codec: wide or legacy")
	root.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&opts.signals, "signals", "", "comma-separated telemetry signals: traces,metrics,logs")
	root.Flags().BoolVar(&opts.stdout, "stdout", false, "emit telemetry to stdout as JSON")
	root.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	root.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	root.Flags().DurationVar(&opts.slowThreshold, "slow-threshold", time.Second, "duration threshold for slow request log emission")
	_ = v.BindPFlag("addr", root.Flags().Lookup("addr"))
	_ = v.BindPFlag("port", root.Flags().Lookup("port"))

	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bank-server %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

func serve(ctx context.Context, opts serveOptions, logOut io.Writer) error {
	log, err := telemetry.NewLogger(logOut, opts.logLevel)
	if err != nil {
		return err
	}
	codec, err := wire.ParseTimestampCodec(opts.timestamps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observers, shutdown, err := telemetry.Setup(ctx, server.DefaultService, telemetry.Options{
		Signals:       opts.signals,
		Stdout:        opts.stdout,
		Endpoint:      opts.endpoint,
		Protocol:      opts.protocol,
		SlowThreshold: opts.slowThreshold,
		Version:       version,
	})
	if err != nil {
		return err
	}
	defer shutdown()

	cfg := server.Config{
		Addr:        net.JoinHostPort(opts.addr, opts.port),
		IdleTimeout: opts.idleTimeout,
		Codec:       wire.Codec{Timestamps: codec},
		Logger:      log,
		OnListen:    opts.onListen,
	}
	if len(observers) > 0 {
		cfg.Observer = observers
	}
	return server.New(osenv.New(), cfg).Run(ctx)
}
