package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/ampline/fieldtest-api/api/swagger"
	"github.com/ampline/fieldtest-api/internal/handler"
	"github.com/ampline/fieldtest-api/internal/middleware"
	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/repository"
	"github.com/ampline/fieldtest-api/internal/service"
	"github.com/ampline/fieldtest-api/pkg/cache"
	"github.com/ampline/fieldtest-api/pkg/config"
	"github.com/ampline/fieldtest-api/pkg/database"
	"github.com/ampline/fieldtest-api/pkg/export"
	"github.com/ampline/fieldtest-api/pkg/logger"
	corsmiddleware "github.com/ampline/fieldtest-api/pkg/middleware/cors"
	reqidmiddleware "github.com/ampline/fieldtest-api/pkg/middleware/requestid"
	"github.com/ampline/fieldtest-api/pkg/storage"
)

// @title Fieldtest Report Workflow API
// @version 1.0.0
// @description Report lifecycle, job assets and approval review.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close() //nolint:errcheck
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, logr); err != nil {
			logr.Sugar().Fatalw("database migration failed", "error", err)
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("redis connection failed", "error", err)
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	metricsSvc := service.NewMetricsService()

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	} else {
		cacheRepo = repository.NewMemoryCacheRepository(cfg.Review.CacheSize, cfg.Review.CacheTTL)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Review.CacheTTL, logr)

	notifier := newNotifier(cfg, redisClient, metricsSvc, logr)
	notifier.Start(ctx)
	defer notifier.Stop()

	reportRepo := repository.NewReportRepository(db)
	assetRepo := repository.NewAssetRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	assetStorage, err := storage.NewLocalStorage(cfg.Assets.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("asset storage unavailable", "error", err)
	}
	exportStorage, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("export storage unavailable", "error", err)
	}

	lifecycleSvc := service.NewLifecycleService(reportRepo, assetRepo, auditRepo, service.LifecycleConfig{
		StoreTimeout:           cfg.Workflow.StoreTimeout,
		AllowResubmission:      cfg.Workflow.AllowResubmission,
		DefaultApprovalComment: cfg.Workflow.DefaultApprovalComment,
	}, logr,
		service.WithLifecycleNotifier(notifier),
		service.WithLifecycleCache(cacheSvc),
		service.WithLifecycleMetrics(metricsSvc),
		service.WithLifecycleAuditTrail(auditRepo),
	)
	assetSvc := service.NewAssetService(
		assetRepo,
		assetStorage,
		storage.NewSignedURLSigner(cfg.Assets.SignedURLSecret, cfg.Assets.SignedURLTTL),
		lifecycleSvc,
		auditRepo,
		cacheSvc,
		validator.New(),
		logr,
		service.AssetServiceConfig{
			MaxFileSize:  cfg.Assets.MaxFileSizeBytes,
			APIPrefix:    cfg.APIPrefix,
			StoreTimeout: cfg.Workflow.StoreTimeout,
		},
	)
	reviewSvc := service.NewReviewService(reportRepo, assetRepo, cacheSvc, cfg.Workflow.StoreTimeout, logr)
	exportSvc := service.NewExportService(
		reviewSvc,
		exportStorage,
		storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL),
		service.ExportConfig{APIPrefix: cfg.APIPrefix},
		logr,
		export.NewCSVExporter(),
		export.NewPDFExporter(),
	)
	tokenSvc := service.NewTokenService(service.TokenConfig{
		Secret: cfg.JWT.Secret,
		Issuer: cfg.JWT.Issuer,
		Expiry: cfg.JWT.Expiration,
	})

	checks := map[string]handler.ReadinessCheck{
		"postgres": database.NewReadinessChecker(db).Ready,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	registerRoutes(r.Group(cfg.APIPrefix), tokenSvc, routeHandlers{
		reports: handler.NewReportHandler(lifecycleSvc),
		assets:  handler.NewAssetHandler(assetSvc),
		review:  handler.NewReviewHandler(reviewSvc),
		exports: handler.NewExportHandler(exportSvc),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type routeHandlers struct {
	reports *handler.ReportHandler
	assets  *handler.AssetHandler
	review  *handler.ReviewHandler
	exports *handler.ExportHandler
}

func registerRoutes(api *gin.RouterGroup, tokens *service.TokenService, h routeHandlers) {
	// Register download tokens are the credential.
	api.GET("/exports/:token", h.exports.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(tokens))

	reports := secured.Group("/reports")
	reports.POST("", middleware.RequirePermission(models.PermReportCreate), h.reports.Create)
	reports.GET("/:id", middleware.RequirePermission(models.PermReviewRead), h.reports.Get)
	reports.GET("/:id/audit", middleware.RequirePermission(models.PermReviewRead), h.reports.AuditTrail)
	reports.POST("/:id/submit", middleware.RequirePermission(models.PermReportSubmit), h.reports.Submit)
	reports.POST("/:id/approve", middleware.RequirePermission(models.PermReportReview), h.reports.Approve)
	reports.POST("/:id/reject", middleware.RequirePermission(models.PermReportReview), h.reports.Reject)
	reports.POST("/:id/archive", middleware.RequirePermission(models.PermReportArchive), h.reports.Archive)

	jobs := secured.Group("/jobs/:jobId/assets")
	jobs.GET("", middleware.RequirePermission(models.PermReviewRead), h.assets.List)
	jobs.POST("", middleware.RequirePermission(models.PermAssetManage), h.assets.Create)
	jobs.PUT("/:assetId", middleware.RequirePermission(models.PermAssetManage), h.assets.Link)
	jobs.DELETE("/:assetId", middleware.RequirePermission(models.PermAssetManage), h.assets.Unlink)

	assets := secured.Group("/assets/:id")
	assets.PATCH("/status", middleware.RequirePermission(models.PermAssetManage), h.assets.UpdateStatus)
	assets.POST("/revert", middleware.RequirePermission(models.PermAssetRevert), h.reports.RevertAsset)
	assets.GET("/report", middleware.RequirePermission(models.PermReviewRead), h.reports.GetByAsset)
	assets.GET("/download-url", middleware.RequirePermission(models.PermReviewRead), h.assets.DownloadURL)
	assets.GET("/download", middleware.RequirePermission(models.PermReviewRead), h.assets.Download)

	review := secured.Group("/review", middleware.RequirePermission(models.PermReviewRead))
	review.GET("/reports", h.review.List)
	review.GET("/folders", h.review.Folders)
	review.GET("/metrics", h.review.Metrics)
	review.POST("/exports", middleware.RequirePermission(models.PermReviewExport), h.exports.Generate)
}

func newNotifier(cfg *config.Config, client *redis.Client, metrics *service.MetricsService, logr *zap.Logger) *service.NotificationService {
	var publisher service.EventPublisher = service.NewLogEventPublisher(logr)
	if client != nil {
		publisher = service.NewRedisEventPublisher(client, cfg.Notifications.Channel)
	}
	if !cfg.Notifications.Enabled {
		publisher = nil
	}
	return service.NewNotificationService(publisher, service.NotificationConfig{
		Workers: cfg.Notifications.Workers,
		Retries: cfg.Notifications.Retries,
	}, metrics, logr)
}
