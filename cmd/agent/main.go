package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-tunnel/agent"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var (
		cfg   agent.Config
		debug bool
	)

	cmd := &cobra.Command{
		Use:          "tunnel-agent",
		Short:        "Attach to a tunnel server and serve its requests from a local HTTP service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if debug {
				logger, err = zap.NewDevelopment()
			}
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg.Logger = logger.Named("agent")
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&cfg.ServerURL, "server", "s", "ws://localhost:8080/__tunnel/connect", "tunnel server websocket URL")
	cmd.Flags().StringVarP(&cfg.Target, "target", "t", "http://localhost:3000", "base URL of the local service")
	cmd.Flags().DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "maximum wait between reconnect attempts")
	cmd.Flags().IntVar(&cfg.MaxRetryCount, "max-retry-count", -1, "give up after this many failed attempts (-1 retries forever)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
