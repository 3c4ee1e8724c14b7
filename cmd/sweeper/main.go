package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/bootstrap"
	"example.com/attendance/internal/config"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/outbox"
)

const defaultDLQBatchSize = 50

func main() {
	cfg := config.Load()
	logger := observability.InitLogger("attendance-sweeper", cfg.Development(), cfg.LogLevel)

	if bootstrap.InProcessSweeps(cfg) {
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("the memory store is process-local; the api runs the sweeps in this mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer stores.Close()

	rdb, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	var liveDeps *bootstrap.Live
	if rdb != nil {
		defer rdb.Close()
		l := bootstrap.NewLive(rdb, cfg, logger)
		liveDeps = &l
	}

	engine := attendance.NewEngine(stores.Store, bootstrap.EngineOptions(cfg, liveDeps, logger)...)
	sweeper := bootstrap.Sweeper(engine, cfg, logger)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("sweeper metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	go sweeper.Start(ctx)
	logger.Info().
		Dur("interval", cfg.SweepInterval).
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Msg("sweeper started")

	replayDone := make(chan struct{})
	if stores.Pool != nil {
		replayer := outbox.NewReplayer(stores.Pool, logger, cfg.DLQMaxRetries, cfg.DLQBaseDelay)
		go runReplayer(ctx, replayer, cfg.DLQPollInterval, logger, replayDone)
	} else {
		close(replayDone)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("sweeper shutdown requested")
	cancel()
	sweeper.Wait()
	<-replayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
}

func runReplayer(ctx context.Context, replayer *outbox.Replayer, interval time.Duration, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Msg("dlq replayer started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := replayer.RunOnce(ctx, defaultDLQBatchSize); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("dlq replay error")
			}
		}
	}
}
