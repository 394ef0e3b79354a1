package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/star/orbitrack/internal/api"
	"github.com/star/orbitrack/internal/config"
	"github.com/star/orbitrack/internal/overlay"
	"github.com/star/orbitrack/internal/propagation"
	"github.com/star/orbitrack/internal/source"
	"github.com/star/orbitrack/internal/stream"
	"github.com/star/orbitrack/internal/tle"
	"github.com/star/orbitrack/internal/tracing"
	"github.com/star/orbitrack/internal/tracker"
)

func main() {
	configPath := flag.String("config", os.Getenv("ORBITRACK_CONFIG"), "path to a JSON or YAML config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	if cfg.Auth.Enabled {
		logger.Info("auth enabled")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	fetcher := tle.NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes, logger)
	aggregator, err := source.NewAggregator(cfg.Groups, fetcher, cfg.Tracker.Featured, logger)
	if err != nil {
		logger.Error("invalid source configuration", "error", err)
		os.Exit(1)
	}

	oracle := propagation.NewSGP4Oracle(logger)
	surface := stream.NewSurface(cfg.Stream.ClientBuffer)
	reconciler := overlay.NewReconciler(surface, logger)
	clock := tracker.SystemClock()
	sched := tracker.NewScheduler(cfg.Tracker, clock, aggregator, oracle, reconciler, logger)

	streamHandler := stream.NewHandler(surface, func() stream.Metadata {
		st := sched.Status()
		return stream.Metadata{
			Status:    st.Status,
			Tracked:   st.Tracked,
			Truncated: st.Truncated > 0,
			FetchedAt: st.FetchedAt,
		}
	}, cfg.Stream, logger)

	srv := api.NewServer(api.Options{
		Addr:       cfg.HTTPAddr,
		TrustProxy: cfg.TrustProxy,
		Auth:       cfg.Auth,
		Tracker:    sched,
		Oracle:     oracle,
		Now:        clock.Now,
		Track:      cfg.Tracker.Track,
		Stream:     streamHandler,
	}, logger)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("starting server",
			"addr", cfg.HTTPAddr,
			"auth_enabled", cfg.Auth.Enabled,
			"groups", len(cfg.Groups),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Disconnect SSE clients first so Shutdown does not wait on them.
	surface.Shutdown()
	sched.Close()
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
