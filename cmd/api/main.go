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
	"github.com/rs/zerolog/log"

	"example.com/attendance/internal/api"
	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/bootstrap"
	"example.com/attendance/internal/config"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/outbox"
	httptransport "example.com/attendance/internal/transport/http"
)

func main() {
	cfg := config.Load()
	logger := observability.InitLogger("attendance-api", cfg.Development(), cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer stores.Close()

	rdb, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	liveDeps := bootstrap.NewLive(rdb, cfg, logger)
	if liveDeps.Broadcaster != nil {
		go func() {
			if err := liveDeps.Broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("live relay stopped")
			}
		}()
	} else {
		logger.Warn().Msg("REDIS_ADDR not set; live updates and check-in locks are process-local")
	}

	engine := attendance.NewEngine(stores.Store, bootstrap.EngineOptions(cfg, &liveDeps, logger)...)

	var sweeper *attendance.Sweeper
	if bootstrap.InProcessSweeps(cfg) {
		sweeper = bootstrap.Sweeper(engine, cfg, logger)
		go sweeper.Start(ctx)
		logger.Info().Dur("interval", cfg.SweepInterval).Msg("in-process sweeper started")
	}

	var dispatcher *outbox.Dispatcher
	if stores.Pool != nil {
		producer := outbox.NewKafkaProducer(outbox.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			WriteTimeout: cfg.KafkaWriteTimeout,
		}, logger)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(outbox.RegistryConfig{
			BaseURL: cfg.SchemaRegistryURL,
			Timeout: cfg.SchemaRegistryTimeout,
		}, logger)
		queue := outbox.NewPostgresQueue(stores.Pool, cfg.OutboxClaimLease)
		dispatcher = outbox.NewDispatcher(queue, producer, registry, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	}

	handler := api.NewHandler(engine, liveDeps.Source(), logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.HTTPAddress,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, httptransport.CORS(cfg.CORSOrigin)(authMiddleware.Wrap(observability.RequestLogger(logger)(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress).Str("store", cfg.StoreDriver).Msg("attendance api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
	if sweeper != nil {
		sweeper.Wait()
	}
}
