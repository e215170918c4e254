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

	"clinicbook/internal/api"
	"clinicbook/internal/config"
	"clinicbook/internal/database"
	"clinicbook/internal/events"
	"clinicbook/internal/google"
	"clinicbook/internal/logging"
	"clinicbook/internal/metrics"
	"clinicbook/internal/notify"
	"clinicbook/internal/repository"
	"clinicbook/internal/service"
	"clinicbook/internal/slots"
	"clinicbook/internal/worker"

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

	policy, err := cfg.Booking.Policy()
	if err != nil {
		return fmt.Errorf("booking policy: %w", err)
	}
	for _, w := range cfg.Booking.Warnings() {
		logger.Warn().Msg("booking config: " + w)
	}

	db, err := database.Open(cfg.Database.Path, database.Options{BusyTimeoutMS: cfg.Database.BusyTimeoutMS}, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	startMetrics(ctx, cfg, &logger)

	go database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	cache := initCache(redisClient, &logger)

	bus := events.NewEventBus()
	bus.UseLedger(db)
	bus.SubscribeAll(events.LogHandler(&logger))
	initTelegram(cfg, bus, &logger)
	initAuditSheet(ctx, cfg, policy, bus, &logger)

	outbox := worker.NewOutboxWorker(db, bus, redisClient, worker.OutboxOptions{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		Retry:        worker.RetryPolicy{MaxRetries: cfg.Outbox.MaxRetries},
	}, &logger)
	go outbox.Start(ctx)

	svc := service.NewBookingService(db, policy, service.Options{
		Cache:     cache,
		HoldQuota: cfg.Booking.HoldQuota,
		CacheTTL:  cfg.Booking.AvailabilityCacheTTL,
		OnCommit:  outbox.Notify,
	}, &logger)

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, db, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	httpServer := api.NewHTTPServer(cfg.API, svc, db, &logger)

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
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// initRedis returns nil when redis is not configured. An unreachable server
// is kept: the failover cache serves from memory until it comes back.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, serving cache from memory until it recovers")
		return client
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initCache(client *redis.Client, logger *zerolog.Logger) repository.Cache {
	memory := repository.NewMemoryCacheRepository()
	if client == nil {
		return memory
	}
	return repository.NewFailoverCacheRepository(repository.NewRedisCacheRepository(client), memory, logger)
}

func initTelegram(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	tg := cfg.Notify.Telegram
	if tg.BotToken == "" || tg.ChatID == 0 {
		return
	}

	bot, err := notify.NewTelegramBot(tg)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without staff notifications")
		return
	}
	bus.SubscribeAllOnce("telegram", notify.NewTelegramNotifier(bot, tg.ChatID, logger).Handle)
	logger.Info().Str("bot", bot.Self.UserName).Msg("telegram notifications enabled")
}

func initAuditSheet(ctx context.Context, cfg *config.Config, policy slots.Policy, bus *events.EventBus, logger *zerolog.Logger) {
	if cfg.Google.CredentialsFile == "" || cfg.Google.AuditSpreadsheetID == "" {
		return
	}

	sink, err := google.NewAuditSink(ctx, cfg.Google.CredentialsFile, cfg.Google.AuditSpreadsheetID, cfg.Google.AuditSheet, policy.Location)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without audit sheet")
		return
	}
	if err := sink.EnsureHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets header check failed, continuing without audit sheet")
		return
	}

	bus.SubscribeAllOnce("sheets_audit", sink.Handler())
	logger.Info().Str("sheet", cfg.Google.AuditSheet).Msg("google sheets audit enabled")
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go grpcServer.WatchHealth(ctx)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Bool("grpc", grpcServer != nil).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
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
