package app

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/billing"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/gate"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/generation"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/ledger"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/cache"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/database"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/logger"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/middleware"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/storage"
)

// App wires the server together. Construction is explicit and ordered;
// each module receives only what it uses.
type App struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	router  *gin.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	ledgerService  *ledger.Service
	billingService *billing.Service
	stripeClient   *billing.StripeClient
	orchestrator   *generation.Orchestrator
}

// New creates the application.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{config: cfg, logger: log}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if err := db.AutoMigrate(&model.Subscription{}, &model.UsageRecord{}, &model.CreditGrant{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if cfg.Redis.Address != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, rate limits fall back to in-process counters", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	registry := prometheus.NewRegistry()
	app.metrics = metrics.New(registry)

	app.initModules()
	app.router = app.setupRouter(registry)

	return app, nil
}

func (a *App) initModules() {
	a.ledgerService = ledger.NewService(ledger.NewStore(a.db), a.logger, a.metrics)

	a.stripeClient = billing.NewStripeClient(&a.config.Stripe)
	a.billingService = billing.NewService(billing.NewRepository(a.db), a.stripeClient, a.logger)

	var store *storage.Client
	if a.config.Storage.Bucket != "" {
		client, err := storage.NewClient(&a.config.Storage)
		if err != nil {
			a.logger.Warn("object storage unavailable, artifacts will be inlined", zap.Error(err))
		} else {
			store = client
		}
	}

	narrator := generation.NewTextProvider(&a.config.AI)
	images := generation.NewBreakerProvider(generation.NewImageProvider(&a.config.AI))

	// A typed nil must not end up in the orchestrator's store interface.
	if store != nil {
		a.orchestrator = generation.NewOrchestrator(narrator, images, store, a.ledgerService, a.logger, a.metrics)
	} else {
		a.orchestrator = generation.NewOrchestrator(narrator, images, nil, a.ledgerService, a.logger, a.metrics)
	}
}

func (a *App) setupRouter(registry *prometheus.Registry) *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Metrics(a.metrics))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	billing.NewWebhookHandler(a.billingService, a.stripeClient, a.logger, a.metrics).RegisterRoutes(r)

	jwtCfg := &middleware.JWTConfig{
		Secret: a.config.Auth.JWTSecret,
		Issuer: a.config.Auth.Issuer,
	}
	api := r.Group("/api", middleware.Auth(jwtCfg))

	ledger.NewHandler(a.ledgerService, a.logger).RegisterRoutes(api.Group("/credits"))
	billing.NewHandler(a.billingService, a.logger).RegisterRoutes(api.Group("/billing"))

	limiter := gate.NewLimiter(a.redis, &a.config.RateLimit, a.logger)
	generate := api.Group("/generate", gate.Middleware(limiter, a.ledgerService, a.logger))
	generation.NewHandler(a.orchestrator, a.logger).RegisterRoutes(generate)

	return r
}

// Router returns the configured HTTP handler.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop releases held connections.
func (a *App) Stop() {
	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
