package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/callcard/internal/api"
	"github.com/flowpbx/callcard/internal/app"
	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/flowpbx/callcard/internal/config"
	"github.com/flowpbx/callcard/internal/database"
	"github.com/flowpbx/callcard/internal/directory"
	"github.com/flowpbx/callcard/internal/incall"
	"github.com/flowpbx/callcard/internal/looper"
	"github.com/flowpbx/callcard/internal/metrics"
	sipserver "github.com/flowpbx/callcard/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callcard",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"locale", cfg.Locale,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Open database and run migrations.
	db, err := database.Open(appCtx, cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	contacts := database.NewContactRepository(db)
	prefixes := database.NewPrefixRepository(db)

	if cfg.SeedFile != "" {
		stats, err := database.SeedFromFile(appCtx, cfg.SeedFile, contacts, prefixes)
		if err != nil {
			slog.Error("failed to load seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
		slog.Info("directory seeded",
			"path", cfg.SeedFile,
			"contacts", stats.Contacts,
			"photos", stats.Photos,
			"prefixes", stats.Prefixes,
		)
	}

	// The looper is the delivery context: cache callbacks and every card
	// operation run on it.
	loop := looper.New(logger)
	loop.Start(appCtx)

	resolver := directory.New(contacts, prefixes, directory.NewNumberPlan(cfg.Locale), logger)
	cache := callerid.NewCache(resolver, loop, callerid.CacheConfig{
		Workers:       int64(cfg.LookupWorkers),
		LookupTimeout: cfg.LookupTimeout,
	}, logger)

	callState := incall.NewStateBroadcaster(logger)

	sipSrv, err := sipserver.NewEndpoint(cfg, logger)
	if err != nil {
		slog.Error("failed to create sip endpoint", "error", err)
		os.Exit(1)
	}

	card := app.New(app.Deps{
		Calls:    sipSrv.Calls(),
		Actions:  sipSrv,
		Profiles: cache,
		Notifier: callState,
		Viewed:   resolver,
		Location: incall.NewLocationPolicy(cfg.Locale, cfg.UnknownLocation),
		Loop:     loop,
		Logger:   logger,
	})
	sipSrv.SetHandler(card)

	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip endpoint", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(cache, sipSrv.Calls(), contacts, card, startTime, logger),
	)

	// HTTP server using the api package.
	handler := api.NewServer(cfg, card, callState, reg, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Ringing calls are declined before the card stops taking events.
	sipSrv.Stop()
	loop.Stop()
	cache.Clear()
	cache.Close()
	appCancel()

	slog.Info("callcard stopped")
}
