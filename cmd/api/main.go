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

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"presence-service/internal/broker"
	"presence-service/internal/client"
	"presence-service/internal/config"
	"presence-service/internal/database"
	"presence-service/internal/job"
	"presence-service/internal/metrics"
	"presence-service/internal/repository"
	"presence-service/internal/router"
	"presence-service/internal/service"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("Starting Presence Service",
		zap.String("port", cfg.Server.Port),
		zap.String("mode", cfg.Server.Mode),
		zap.String("base_path", cfg.Server.BasePath),
		zap.Duration("reap_interval", cfg.Presence.ReapInterval),
		zap.Duration("stale_after", cfg.Presence.StaleAfter),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(logger)

	connectCtx, cancelConnect := context.WithTimeout(rootCtx, time.Minute)
	db, err := database.Connect(connectCtx, database.Config{
		DSN:             cfg.Database.GetDSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, 5*time.Second, logger)
	cancelConnect()
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)
	logger.Info("Database connected successfully")

	if err := database.AutoMigrateWithRetry(db, logger, 3, repository.Models()...); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	if err := database.RegisterMetricsCallbacks(db, m); err != nil {
		logger.Warn("Failed to register database metrics callbacks", zap.Error(err))
	}
	database.StartDBStatsCollector(rootCtx, db, m, 15*time.Second)

	redisClient, b := initBroker(rootCtx, cfg.Redis, logger)
	defer b.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	documents := initDocumentStore(rootCtx, cfg.S3, logger)

	clock := quartz.NewReal()
	presenceRepo := repository.NewPresenceRepository(db)

	collector := metrics.NewPresenceCollector(presenceRepo, m, logger, cfg.Presence.PresentWindow, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	scheduler := job.NewScheduler(logger)
	reaper := job.NewReaperJob(presenceRepo, b, m, clock, cfg.Presence.StaleAfter, logger)
	if err := scheduler.Add(cfg.Presence.ReapSchedule(), reaper); err != nil {
		logger.Fatal("Failed to schedule presence reaper", zap.Error(err))
	}
	scheduler.Start()

	r := router.Setup(router.Config{
		DB:            db,
		Redis:         redisClient,
		Broker:        b,
		DocumentStore: documents,
		Logger:        logger,
		Metrics:       m,
		Clock:         clock,
		Windows: service.Windows{
			Present: cfg.Presence.PresentWindow,
			Active:  cfg.Presence.ActiveWindow,
		},
		JWTSecret:      cfg.JWT.Secret,
		BasePath:       cfg.Server.BasePath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Presence Service started successfully", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(ctx); err != nil {
		logger.Warn("Presence reaper did not stop in time", zap.Error(err))
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}

// initBroker connects to redis when it is configured and falls back to the
// in-process broker otherwise. The in-process broker only fans out within
// one replica.
func initBroker(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, broker.Broker) {
	url := cfg.URL
	if url == "" {
		url = cfg.Addr
	}
	redisClient, err := database.NewRedis(ctx, database.RedisConfig{
		URL:      url,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		logger.Warn("Failed to connect to redis, using in-memory presence broker", zap.Error(err))
		return nil, broker.NewMemoryBroker()
	}
	if redisClient == nil {
		logger.Info("Redis not configured, using in-memory presence broker")
		return nil, broker.NewMemoryBroker()
	}
	logger.Info("Redis connected, presence events fan out across replicas")
	return redisClient, broker.NewRedisBroker(redisClient, logger)
}

// initDocumentStore uses S3 when a bucket is configured
func initDocumentStore(ctx context.Context, cfg config.S3Config, logger *zap.Logger) client.DocumentStore {
	if cfg.Bucket == "" || cfg.Region == "" {
		logger.Warn("S3 configuration incomplete, documents are kept in memory")
		return client.NewMemoryDocumentStore()
	}
	store, err := client.NewS3DocumentStore(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to initialize S3 document store, documents are kept in memory", zap.Error(err))
		return client.NewMemoryDocumentStore()
	}
	logger.Info("S3 document store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
	)
	return store
}

// initLogger initializes the zap logger with the specified level
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      zapLevel == zapcore.DebugLevel,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapConfig.Build()
}
