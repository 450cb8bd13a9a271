package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"portfolio-pulse/internal/cfg"
	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/dashboard"
	"portfolio-pulse/internal/history"
	"portfolio-pulse/internal/live"
	"portfolio-pulse/internal/metrics"
	"portfolio-pulse/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel, c.LogFormat)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	listener := live.NewListener(c.StreamURL(),
		live.WithReconnectDelay(c.ReconnectDelay),
		live.WithConnectTimeout(c.ConnectTimeout),
		live.WithIdleTimeout(c.IdleTimeout),
		live.WithPingInterval(c.Ping),
		live.WithAuthToken(c.AuthToken),
		live.WithMetrics(mw),
	)

	var historyClient *history.Client
	if c.APIBaseURL != "" {
		historyClient = history.NewClient(c.APIBaseURL, c.AuthToken, c.RESTTimeout, mw)
	}

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	opts := dashboard.Options{
		Port:          c.ListenPort,
		Recorder:      mw,
		Gatherer:      prometheus.DefaultGatherer,
		DefaultDays:   c.HistoryDays,
		Annualization: c.Annualization,
	}
	if historyClient != nil {
		opts.History = historyClient
	}
	if store != nil {
		opts.Points = store
	}
	dash := dashboard.New(listener, opts)

	var wg sync.WaitGroup
	if store != nil {
		startJournal(ctx, &wg, store, listener, c.SampleInterval, mw)
	}

	if err := dash.Start(); err != nil {
		log.Fatal().Err(err).Msg("dashboard start failed")
	}

	log.Info().
		Str("stream", listener.URL()).
		Str("api", c.APIBaseURL).
		Int("port", c.ListenPort).
		Str("annualization", c.Annualization).
		Msg("portfolio-pulse started")
	listener.Start(ctx)

	waitForShutdown(ctx, cancel, &wg, func() {
		if err := dash.Stop(); err != nil {
			log.Error().Err(err).Msg("dashboard stop failed")
		}
		listener.Close()
	})
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeStorage opens the local journal if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Warn().Err(err).Str("path", c.DataPath).Msg("storage directory unavailable, continuing without journal")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without journal")
		return nil
	}
	return store
}

func startJournal(ctx context.Context, wg *sync.WaitGroup, store *storage.Store, src storage.SnapshotSource, interval time.Duration, mw *metrics.MetricsWrapper) {
	journal := storage.NewJournal(store, src, interval, common.DefaultRetention, mw)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := journal.Run(ctx); err != nil {
			log.Error().Err(err).Msg("journal stopped")
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()
	stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
