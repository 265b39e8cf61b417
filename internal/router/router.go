package router

import (
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"presence-service/internal/broker"
	"presence-service/internal/client"
	"presence-service/internal/handler"
	"presence-service/internal/metrics"
	"presence-service/internal/middleware"
	"presence-service/internal/repository"
	"presence-service/internal/service"
)

// Config holds router configuration
type Config struct {
	DB             *gorm.DB
	Redis          *redis.Client
	Broker         broker.Broker
	DocumentStore  client.DocumentStore
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Clock          quartz.Clock
	Windows        service.Windows
	JWTSecret      string
	BasePath       string
	AllowedOrigins []string
}

// Setup sets up the router with all routes
func Setup(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Broker == nil {
		cfg.Broker = broker.NewMemoryBroker()
	}
	if cfg.DocumentStore == nil {
		cfg.DocumentStore = client.NewMemoryDocumentStore()
	}

	r := gin.New()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.Metrics(cfg.Metrics))

	// Prometheus metrics endpoint
	metricsHandler := promhttp.Handler()
	if cfg.Gatherer != nil {
		metricsHandler = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(metricsHandler))

	healthHandler := handler.NewHealthHandler(cfg.DB, cfg.Redis)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)

	presenceRepo := repository.NewPresenceRepository(cfg.DB)
	presenceService := service.NewPresenceService(presenceRepo, cfg.Broker, cfg.Metrics, cfg.Clock, cfg.Windows, cfg.Logger)

	presenceHandler := handler.NewPresenceHandler(presenceService, cfg.Clock, cfg.Logger)
	wsHandler := handler.NewWSHandler(presenceService, cfg.Broker, cfg.Metrics, cfg.Clock, cfg.Logger)
	documentHandler := handler.NewDocumentHandler(cfg.DocumentStore, cfg.Logger)

	api := r.Group(cfg.BasePath)
	api.GET("/health", healthHandler.Health)
	api.GET("/ready", healthHandler.Ready)

	workspaces := api.Group("/workspaces/:workspaceId")
	workspaces.Use(middleware.Auth(cfg.JWTSecret))
	{
		presence := workspaces.Group("/presence")
		{
			presence.PUT("", presenceHandler.UpsertPresence)
			presence.GET("", presenceHandler.ListPresence)
			presence.DELETE("", presenceHandler.RemovePresence)
			presence.GET("/active", presenceHandler.GetActiveCollaborators)
			presence.GET("/ws", wsHandler.StreamPresence)
		}

		workspaces.GET("/content", documentHandler.GetContent)
		workspaces.PUT("/content", documentHandler.UpdateContent)
	}

	return r
}
