package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-tunnel/proxy"

	"github.com/jpillora/requestlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type flagValues struct {
	configPath       string
	addr             string
	adminAddr        string
	connectPath      string
	requestTimeoutMs int
	debug            bool
}

func newCommand() *cobra.Command {
	var flags flagValues

	cmd := &cobra.Command{
		Use:           "tunnel-server",
		Short:         "Expose a single agent's HTTP service through this server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLogger, err := newLogger(flags.debug)
			if err != nil {
				return err
			}

			cfg := loadConfig(flags.configPath, bootLogger.Named("config"))
			applyOverrides(cmd, cfg, &flags)

			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, flags.configPath, logger)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "path to the JSON config file")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address for proxied HTTP traffic and agent connections")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-addr", "", "listen address for /health and /metrics (empty disables)")
	cmd.Flags().StringVar(&flags.connectPath, "connect-path", "", "path agents connect to")
	cmd.Flags().IntVar(&flags.requestTimeoutMs, "request-timeout-ms", 0, "how long to wait for an agent reply (0 waits until disconnect)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	return cmd
}

// applyOverrides layers APP_SERVER_ADDR and any explicitly set flags over
// the file config.
func applyOverrides(cmd *cobra.Command, cfg *ServerConfig, flags *flagValues) {
	if addr := os.Getenv("APP_SERVER_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr = flags.addr
	}
	if f.Changed("admin-addr") {
		cfg.AdminAddr = flags.adminAddr
	}
	if f.Changed("connect-path") {
		cfg.ConnectPath = flags.connectPath
	}
	if f.Changed("request-timeout-ms") {
		cfg.RequestTimeoutMs = flags.requestTimeoutMs
	}
	if f.Changed("debug") {
		cfg.Debug = flags.debug
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *ServerConfig, configPath string, logger *zap.Logger) error {
	px := proxy.New(proxy.Config{
		RequestTimeout: cfg.requestTimeout(),
		Logger:         logger.Named("proxy"),
	})
	ws := proxy.NewWSHandler(px, cfg.wsConfig(logger.Named("ws")))

	handler := newRouter(px, ws, cfg.ConnectPath)
	if cfg.Debug {
		handler = requestlog.Wrap(handler)
	}

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		adminSrv = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: newAdminRouter(px),
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listen(httpSrv)
	})
	if adminSrv != nil {
		g.Go(func() error {
			return listen(adminSrv)
		})
	}
	if configPath != "" {
		g.Go(func() error {
			return watchConfig(gctx, configPath, px, logger.Named("config"))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down, disconnecting client and draining requests")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := px.Close(); err != nil {
			logger.Debug("closing client", zap.Error(err))
		}

		err := httpSrv.Shutdown(shutdownCtx)
		if adminSrv != nil {
			if aerr := adminSrv.Shutdown(shutdownCtx); err == nil {
				err = aerr
			}
		}
		if err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		} else {
			logger.Info("http server shut down cleanly")
		}
		return err
	})

	logger.Info("tunnel server listening",
		zap.String("addr", cfg.Addr),
		zap.String("connect_path", cfg.ConnectPath),
		zap.String("admin_addr", cfg.AdminAddr),
		zap.Int("request_timeout_ms", cfg.RequestTimeoutMs),
		zap.Int("ping_interval_ms", cfg.PingIntervalMs),
		zap.Int("idle_timeout_ms", cfg.IdleTimeoutMs),
	)

	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
