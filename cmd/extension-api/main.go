package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/extension-api/api/swagger"
	"github.com/noah-isme/extension-api/internal/handler"
	"github.com/noah-isme/extension-api/internal/middleware"
	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/internal/repository"
	"github.com/noah-isme/extension-api/internal/service"
	"github.com/noah-isme/extension-api/pkg/cache"
	"github.com/noah-isme/extension-api/pkg/config"
	"github.com/noah-isme/extension-api/pkg/database"
	"github.com/noah-isme/extension-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/extension-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/extension-api/pkg/middleware/requestid"
	"github.com/noah-isme/extension-api/pkg/storage"
)

// @title Extension API
// @version 0.1.0
// @description Deadline extension request workflow
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, aggregate caching disabled", "error", err)
		redisClient = nil
	}
	defer func() {
		if redisClient != nil {
			redisClient.Close()
		}
	}()

	requestRepo := repository.NewRequestRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	commentRepo := repository.NewCommentRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	overrideRepo := repository.NewOverrideRepository(db)
	activityRepo := repository.NewActivityRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	attachmentStore, err := storage.NewAttachmentStore(cfg.Attachments.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init attachment storage", "error", err)
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	registry := service.NewHandlerRegistry(
		service.NewAssignmentHandler(overrideRepo, ruleRepo, requestRepo, cfg.Rules.TriggerTTL, logr),
		service.NewQuizHandler(overrideRepo, ruleRepo, requestRepo, cfg.Rules.TriggerTTL, logr),
	)

	authSvc := service.NewAuthService(userRepo, cfg.JWT, logr)
	requestSvc := service.NewRequestService(requestRepo, commentRepo, historyRepo, subscriptionRepo,
		activityRepo, registry, cacheRepo, attachmentStore, nil, metricsSvc, cfg.Extension, logr)
	stateSvc := service.NewStateService(requestRepo, historyRepo, activityRepo, registry,
		requestSvc, requestSvc, metricsSvc, logr)
	ruleSvc := service.NewRuleService(ruleRepo, requestRepo, activityRepo, subscriptionRepo,
		userRepo, stateSvc, registry, metricsSvc, logr)
	requestSvc.SetAccessResolver(ruleSvc)
	stateSvc.SetAccessResolver(ruleSvc)
	digestSvc := service.NewDigestService(subscriptionRepo, service.LogSink{Logger: logr}, cfg.Digest, metricsSvc, logr)
	exportSvc := service.NewExportService(requestRepo, activityRepo, nil, nil, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	digestSvc.Start(ctx)
	defer digestSvc.Stop()

	if cfg.Rules.SweepEnabled && cfg.Rules.SweepInterval > 0 {
		go runSweepLoop(ctx, ruleSvc, cfg.Rules.SweepInterval, logr)
	}
	if cfg.Digest.Enabled && cfg.Digest.Interval > 0 {
		go runDigestLoop(ctx, digestSvc, cfg.Digest.Interval, logr)
	}

	authHandler := handler.NewAuthHandler(authSvc)
	requestHandler := handler.NewRequestHandler(requestSvc, stateSvc, exportSvc, cfg.Attachments)
	ruleHandler := handler.NewRuleHandler(ruleSvc, digestSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	requests := api.Group("/requests", middleware.JWT(authSvc))
	requests.GET("", requestHandler.List)
	requests.POST("", requestHandler.Create)
	requests.GET("/candidates", requestHandler.Candidates)
	if cfg.Exports.Enabled {
		requests.GET("/export", middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), requestHandler.Export)
	}
	requests.GET("/:id", requestHandler.Detail)
	requests.POST("/:id/items/:itemId/state", requestHandler.UpdateItemState)
	requests.POST("/:id/items/:itemId/modify", requestHandler.ModifyLength)
	requests.POST("/:id/comments", requestHandler.AddComment)
	requests.POST("/:id/attachments", requestHandler.AddAttachment)

	rules := api.Group("/rules", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	rules.GET("", ruleHandler.Tree)
	rules.POST("", ruleHandler.Create)
	rules.PUT("/:id", ruleHandler.Update)
	rules.DELETE("/:id", ruleHandler.Delete)

	admin := api.Group("/admin", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	admin.POST("/rule-sweep", ruleHandler.Sweep)
	admin.POST("/digest", ruleHandler.RunDigest)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("forced shutdown", "error", err)
	}
}

func runSweepLoop(ctx context.Context, rules *service.RuleService, interval time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := rules.Sweep(ctx)
			if err != nil {
				logr.Warn("trigger sweep failed", zap.Error(err))
				continue
			}
			if result.Triggered > 0 || result.Failed > 0 {
				logr.Info("trigger sweep finished",
					zap.Int("scanned", result.Scanned),
					zap.Int("triggered", result.Triggered),
					zap.Int("failed", result.Failed))
			}
		}
	}
}

func runDigestLoop(ctx context.Context, digest *service.DigestService, interval time.Duration, logr *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := digest.Run(ctx); err != nil {
				logr.Warn("digest run failed", zap.Error(err))
			}
		}
	}
}
