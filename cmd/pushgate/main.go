package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tasklink/pushgate/internal/config"
	"github.com/tasklink/pushgate/internal/history"
	"github.com/tasklink/pushgate/internal/httpapi"
	"github.com/tasklink/pushgate/internal/logging"
	"github.com/tasklink/pushgate/internal/push"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pushgate",
	Short: "Pushgate - real-time delivery gateway for TaskLink",
	Long: `Pushgate fans marketplace events out to connected clients over
websockets, queues them for offline users, tracks presence, and serves
the notification history API that clients reconcile against.`,
	Version: Version,
}

var configPath string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Pushgate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogJSON, os.Stdout)

	store, err := history.BuildStoreFromDSN(cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("initialize history store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	engine := push.NewEngine(push.EngineOptions{
		Logger:            logging.WithComponent(logger, "push"),
		Metrics:           push.NewMetrics(registry),
		Mailbox:           push.NewMailbox(cfg.Push.MailboxCapacity),
		RateLimit:         cfg.Push.RateLimitMax,
		RateWindow:        cfg.Push.RateLimitWindow.Std(),
		WriteTimeout:      cfg.Push.WriteTimeout.Std(),
		IdleSweepInterval: cfg.Push.IdleSweepInterval.Std(),
		MaxIdle:           cfg.Push.MaxIdle.Std(),
		FlushInterval:     cfg.Push.FlushInterval.Std(),
		HeartbeatInterval: cfg.Push.HeartbeatInterval.Std(),
	})
	engine.Start()
	defer engine.Stop()

	server := httpapi.NewServerWithConfig(engine, store, httpapi.ServerConfig{
		JWTSecret:          cfg.Auth.JWTSecret,
		InternalHMACSecret: cfg.Auth.InternalHMACSecret,
		InternalMaxSkew:    cfg.Auth.InternalMaxSkew.Std(),
		RateLimitMax:       cfg.HTTP.RateLimitMax,
		RateLimitWindow:    cfg.HTTP.RateLimitWindow.Std(),
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		Logger:             logging.WithComponent(logger, "http"),
		MetricsRegistry:    registry,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log level and the push rate limit take effect without a restart;
	// structural changes such as listen address or store DSN need a new
	// process.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, logging.WithComponent(logger, "config"), func(updated config.Config) {
			logging.SetLevel(updated.LogLevel)
			engine.SetRateLimit(updated.Push.RateLimitMax, updated.Push.RateLimitWindow.Std())
		})
		if err := watcher.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("pushgate listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}
