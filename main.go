package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convertrelay/api"
	"convertrelay/config"
	"convertrelay/services"
	"convertrelay/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting CloudConvert relay")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize quota store
	var quota services.QuotaStore
	var redisClient *redis.Client
	switch cfg.QuotaBackend {
	case config.QuotaBackendRedis:
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		logger.Info("Connected to Redis successfully", zap.String("addr", cfg.RedisAddr))

		quota = services.NewRedisQuota(redisClient, cfg.RedisKey("conversion:quota:window"), cfg.QuotaLimit, cfg.QuotaResetInterval)
	default:
		quota = services.NewMemoryQuota(cfg.QuotaLimit, cfg.QuotaResetInterval)
	}

	cloudConvert := services.NewCloudConvertService(cfg, logger)
	converter := worker.NewConverter(cfg, cloudConvert, logger)
	handler := api.NewConvertHandler(converter, quota, cfg.MaxUploadSize, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(cfg, handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Service is ready to relay conversions",
			zap.String("addr", server.Addr),
			zap.String("api_url", cfg.APIURL),
			zap.String("quota_backend", cfg.QuotaBackend),
			zap.Int("quota_limit", cfg.QuotaLimit),
			zap.Duration("quota_reset_interval", cfg.QuotaResetInterval),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, draining in-flight conversions")
	case err := <-serverErr:
		if err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown timeout, forcing exit", zap.Error(err))
	} else {
		logger.Info("All conversions finished")
	}

	if redisClient != nil {
		redisClient.Close()
	}
	logger.Info("Relay stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
