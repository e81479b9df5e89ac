// Command querymon monitors the progress of long-running queries.
//
// Each query ID given on the command line gets a monitoring session that
// streams progress over WebSocket and falls back to HTTP polling when the
// live channel keeps failing. Health, sessions and notifications are
// served over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rickgao/querywatch/internal/api"
	"github.com/rickgao/querywatch/internal/config"
	"github.com/rickgao/querywatch/internal/connection"
	"github.com/rickgao/querywatch/internal/database"
	"github.com/rickgao/querywatch/internal/journal"
	"github.com/rickgao/querywatch/internal/metrics"
	"github.com/rickgao/querywatch/internal/model"
	"github.com/rickgao/querywatch/internal/monitor"
	"github.com/rickgao/querywatch/internal/notify"
	"github.com/rickgao/querywatch/internal/poller"
	"github.com/rickgao/querywatch/internal/reconnect"
	"github.com/rickgao/querywatch/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("querymon", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "configs/querymon.yaml", "path to config file")
	queries := flagSet.StringArrayP("query", "q", nil, "query ID to monitor (repeatable)")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Println(version.Full("querymon"))
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", *logLevel, err)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting querymon",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ids := append(*queries, flagSet.Args()...)

	logger.Info("configuration loaded",
		"api_url", cfg.API.BaseURL,
		"ws_url", cfg.API.WSURL,
		"live_enabled", cfg.Live.IsEnabled(),
		"queries", len(ids),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	apiClient := api.NewClient(
		cfg.API.BaseURL,
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithRateLimit(rate.Limit(cfg.API.RateLimit), cfg.API.RateBurst),
	)

	factory := monitor.NewFactory(factoryConfig(cfg), apiClient, logger)

	notes := notify.NewQueue(
		notify.Config{
			Capacity:     cfg.Notifications.Capacity,
			DedupeWindow: cfg.Notifications.DedupeWindow,
		},
		notify.WithLogger(logger),
		notify.WithOnChange(func(list []notify.Notification) {
			logger.Debug("notifications changed", "count", len(list))
		}),
	)

	opts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithAggregator(metrics.NewAggregator()),
		monitor.WithNotifications(notes),
	}

	// Optional event journal
	var jw *journal.Writer
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to journal database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}

		jw = journal.New(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		// Not tied to ctx: Stop drains and flushes after the signal.
		if err := jw.Start(context.Background()); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		opts = append(opts, monitor.WithSink(jw))
	}

	mgr := monitor.NewManager(monitorConfig(cfg), factory, opts...)

	obs := loggingObserver(logger)
	for _, id := range ids {
		if _, err := mgr.StartMonitoring(id, obs); err != nil {
			logger.Error("failed to start monitoring", "query_id", id, "error", err)
		}
	}

	var stats journalStats
	if jw != nil {
		stats = jw
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           createHealthHandler(mgr, notes, stats, obs, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		var errs []error
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("health server shutdown: %w", err))
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("monitor shutdown: %w", err))
		}
		if jw != nil {
			if err := jw.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("journal stop: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	logger.Info("querymon running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	err = g.Wait()
	logger.Info("querymon stopped")
	return err
}

// factoryConfig maps the file config onto transport settings.
func factoryConfig(cfg *config.Config) monitor.FactoryConfig {
	return monitor.FactoryConfig{
		LiveEnabled: cfg.Live.IsEnabled(),
		Live: connection.LiveConfig{
			BaseURL:           cfg.API.WSURL,
			APIKey:            cfg.API.APIKey,
			HeartbeatInterval: cfg.Live.HeartbeatInterval,
			PingTimeout:       cfg.Live.PingTimeout,
			WriteTimeout:      cfg.Live.WriteTimeout,
			HandshakeTimeout:  cfg.Live.HandshakeTimeout,
			BufferSize:        cfg.Live.BufferSize,
		},
		Poll: poller.Config{
			Interval:   cfg.Polling.Interval,
			Jitter:     cfg.Polling.Jitter,
			Timeout:    cfg.Polling.Timeout,
			BufferSize: cfg.Polling.BufferSize,
		},
	}
}

// monitorConfig maps the file config onto session settings.
func monitorConfig(cfg *config.Config) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Reconnect = reconnect.Config{
		BaseDelay:         cfg.Reconnect.BaseDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		JitterRatio:       cfg.Reconnect.JitterRatio,
		FallbackThreshold: cfg.Reconnect.FallbackThreshold,
		MaxRetries:        cfg.Reconnect.MaxRetries,
	}
	mc.StallTimeout = cfg.Session.StallTimeout
	mc.GracePeriod = cfg.Session.GracePeriod
	mc.ProtocolErrorLimit = cfg.Session.ProtocolErrorLimit
	mc.ProbeInterval = cfg.Session.ProbeInterval
	mc.DegradedLatency = cfg.Live.DegradedLatency
	mc.UpgradeInterval = cfg.Reconnect.UpgradeInterval
	mc.UpgradeRate = rate.Limit(cfg.Reconnect.UpgradeRate)
	mc.UpgradeBurst = cfg.Reconnect.UpgradeBurst
	return mc
}

// loggingObserver logs every session event.
func loggingObserver(logger *slog.Logger) monitor.Observer {
	return monitor.Callbacks{
		OnProgress: func(queryID string, msg model.ProgressMessage) {
			logger.Info("query progress",
				"query_id", queryID,
				"sequence", msg.Sequence,
				"percent", msg.ProgressPercent,
				"step", fmt.Sprintf("%d/%d", msg.CurrentStep, msg.TotalSteps),
				"message", msg.Message,
			)
		},
		OnError: func(queryID string, msg model.ErrorMessage) {
			logger.Error("query failed",
				"query_id", queryID,
				"error_type", msg.ErrorType,
				"message", msg.Message,
			)
		},
		OnCompletion: func(queryID string, msg model.CompletionMessage) {
			logger.Info("query finished",
				"query_id", queryID,
				"status", msg.Status,
				"result_bytes", len(msg.Result),
			)
		},
		OnStatusChange: func(queryID string, status model.Status) {
			logger.Info("connection status", "query_id", queryID, "status", status)
		},
	}
}
