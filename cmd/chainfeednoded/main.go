package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chainfeed/internal/bus"
	"chainfeed/internal/buildinfo"
	"chainfeed/internal/config"
	"chainfeed/internal/logging"
	"chainfeed/internal/node"
	"chainfeed/internal/startup"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var seedPath string
	var nodeIDFlag string
	var debug bool

	cmd := &cobra.Command{
		Use:     "chainfeednoded",
		Short:   "ChainFeed mesh node daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, seedPath, nodeIDFlag)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&seedPath, "seed", "", "Canonical truth seed file path (tried before the default search paths)")
	cmd.Flags().StringVar(&nodeIDFlag, "node-id", "", "Node identity override (falls back to NODE_ID then hostname)")
	return cmd
}

func run(ctx context.Context, seedPath, nodeIDFlag string) error {
	runtime, err := config.FromEnv(seedPath)
	if err != nil {
		return err
	}
	identity := node.Resolve(nodeIDFlag)

	client, err := bus.New(ctx, bus.Config{Addr: runtime.RedisAddr})
	if err != nil {
		return err
	}

	orch := startup.New(client, identity, runtime, slog.Default())
	if err := orch.Run(ctx); err != nil {
		orch.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	orch.Shutdown(context.Background())
	return nil
}
