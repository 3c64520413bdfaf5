package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parkwise/internal/api"
	"parkwise/internal/billing"
	"parkwise/internal/config"
	"parkwise/internal/database"
	"parkwise/internal/domain"
	"parkwise/internal/events"
	"parkwise/internal/export"
	"parkwise/internal/logging"
	"parkwise/internal/metrics"
	"parkwise/internal/propagation"
	"parkwise/internal/relay"
	"parkwise/internal/repository"
	"parkwise/internal/service"
	"parkwise/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()
	db, err := database.NewDB(cfg.Database.Path, &logger,
		database.WithBusyTimeout(cfg.Database.BusyTimeoutMS),
		database.WithPublisher(bus),
	)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	retry := worker.PolicyFromConfig(cfg.Engine.Retry)
	reconciler := service.NewReconciler(db, cfg.Engine.StoreTimeout, logging.Component(&logger, "reconciler"))
	reconcileWorker := worker.NewReconcileWorker(reconciler, redisClient, retry,
		cfg.Engine.SweepInterval, cfg.Engine.StoreTimeout, logging.Component(&logger, "reconcile-worker"))
	go reconcileWorker.Start(ctx)

	spaces := service.NewSpaceService(db, reconciler, initLocker(cfg, redisClient, &logger), reconcileWorker,
		billing.Schedule{StudentDaily: cfg.Billing.StudentDailyRate, GuestHourly: cfg.Billing.GuestHourlyRate},
		service.SpaceOptions{StoreTimeout: cfg.Engine.StoreTimeout, TransitionTries: cfg.Engine.TransitionTries},
		logging.Component(&logger, "spaces"))
	lots := service.NewLotService(db, reconciler, cfg.Engine.StoreTimeout, logging.Component(&logger, "lots"))

	if err := seedLots(ctx, cfg.SeedPath, lots, spaces, &logger); err != nil {
		return err
	}

	hub := propagation.NewHub(db, retry, logging.Component(&logger, "propagation"))
	defer hub.Close()
	detach := hub.Attach(bus)
	defer detach()

	if redisClient != nil {
		r := relay.NewRedisRelay(redisClient, bus, cfg.Redis.Channel, logging.Component(&logger, "relay"))
		go func() {
			if err := r.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("change relay stopped")
			}
		}()
	}

	go database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup")).Start(ctx)

	startMetrics(ctx, cfg, &logger)

	exporter := export.NewExporter(db, cfg.Exports.Path, logging.Component(&logger, "export"))
	httpServer, err := api.NewHTTPServer(cfg.API, api.Deps{
		Spaces: spaces,
		Lots:   lots,
		Feeds:  hub,
		Report: exporter,
		Health: db.PingContext,
	}, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("create http server")
		return err
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, db.PingContext, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		go grpcServer.WatchHealth(ctx, 15*time.Second)
	}

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, *baseLogger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initLocker serializes number allocation across instances when Redis is
// available and within this process otherwise.
func initLocker(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.LotLocker {
	memory := repository.NewMemoryLotLocker()
	if client == nil {
		return memory
	}
	primary := repository.NewRedisLotLocker(client, cfg.Engine.LockTTL)
	return repository.NewFailoverLotLocker(primary, memory, logging.Component(logger, "locker"))
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if cfg.API.HTTP.Enabled {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("grpc", grpcServer != nil).Msg("parkwise started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("parkwise stopped")
	return nil
}
