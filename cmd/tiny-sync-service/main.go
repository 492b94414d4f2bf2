package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/autosend"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/erpsync"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// services is built once the database and Redis are reachable.
type services struct {
	engine   *erpsync.Engine
	sync     *erpsync.Handlers
	dispatch *erpsync.Dispatcher
	send     *autosend.Handlers
}

var current atomic.Pointer[services]

func main() {
	settings := config.GetSettings()
	port := os.Getenv("TINY_SYNC_PORT")
	if port == "" {
		port = settings.Port
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := appctx.WithCorrelationId(c.Request.Context(), cid)
		if companyId := erpsync.ResolveCompanyID(c); companyId != "" {
			ctx = appctx.WithCompanyId(ctx, companyId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil || current.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	if settings.IsProduction() {
		corsConfig.AllowOrigins = splitAndTrim(settings.CorsAllowedOrigins)
		if corsConfig.AllowOrigins == nil {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Company-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(accessLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !settings.SkipMigrations {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	svc, err := buildServices(sigCtx, db, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("failed to build sync services: " + err.Error())
	}
	current.Store(svc)

	logger.WithFields(logrus.Fields{
		"field": "startup",
		"mode":  settings.TransportMode,
		"port":  port,
	}).Info("tiny sync service ready")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the polling timer before draining so no new batch starts.
	svc.engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func buildServices(ctx context.Context, db *gorm.DB, settings config.Settings, logger *logrus.Logger) (*services, error) {
	orders := models.NewOrderStore(db)
	companies := models.NewCompanyStore(db)
	products := models.NewProductStore(db)

	transport, err := tinyerp.NewTransport(settings, tinyerp.CompanyCredentials{Companies: companies})
	if err != nil {
		return nil, err
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if settings.NotifyTopic != "" {
		notifier = notify.Multi{notifier, notify.NewPubSubNotifier(settings.NotifyTopic, settings.CreateTopics)}
	}

	clock := erpsync.RealClock()
	matcher := erpsync.NewProductMatcher(erpsync.CatalogFunc(products.List), clock, 0)

	engine, err := erpsync.NewEngine(erpsync.Options{
		Transport:  transport,
		Matcher:    matcher,
		Notifier:   notifier,
		History:    erpsync.NewHistoryLog(erpsync.DefaultHistoryLimit, models.NewHistoryStore(db)),
		Clock:      clock,
		BatchDelay: settings.BatchDelay(),
		Orders:     orders,
		Configs:    models.NewSyncConfigStore(db),
		Companies:  companies,
		Locker:     config.GetRedisLock(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}

	dispatcher := erpsync.NewDispatcher(engine, erpsync.DispatcherOptions{
		Runs:        models.NewSyncRunStore(db),
		Keys:        models.NewIdempotencyStore(db),
		Topic:       settings.SyncTopic,
		CreateTopic: settings.CreateTopics,
		UsePubSub:   settings.EnablePubSub,
	})

	orchestrator, err := autosend.New(autosend.Options{
		Transport: transport,
		Customers: models.NewCustomerStore(db),
		Products:  erpsync.CatalogFunc(products.List),
		Orders:    orders,
		Notifier:  notifier,
		Matcher:   matcher,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		engine:   engine,
		sync:     &erpsync.Handlers{Engine: engine, Dispatcher: dispatcher, Orders: orders},
		dispatch: dispatcher,
		send:     &autosend.Handlers{Orchestrator: orchestrator, Orders: orders, Companies: companies},
	}, nil
}

// ready defers to a handler built from the live services; the readiness gate
// guarantees they exist before any API route runs.
func ready(build func(s *services) gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		build(current.Load())(c)
	}
}

func registerRoutes(r *gin.Engine) {
	api := r.Group("/api/integrations/tiny")

	api.GET("/sync/config", ready(func(s *services) gin.HandlerFunc { return s.sync.GetConfigHandler() }))
	api.PUT("/sync/config", ready(func(s *services) gin.HandlerFunc { return s.sync.PutConfigHandler() }))
	api.GET("/sync/config/:companyId", ready(func(s *services) gin.HandlerFunc { return s.sync.GetCompanyConfigHandler() }))
	api.PUT("/sync/config/:companyId", ready(func(s *services) gin.HandlerFunc { return s.sync.PutCompanyConfigHandler() }))
	api.POST("/sync", ready(func(s *services) gin.HandlerFunc { return s.sync.TriggerSyncHandler() }))
	api.GET("/sync/runs", ready(func(s *services) gin.HandlerFunc { return s.sync.RunsHandler() }))
	api.GET("/sync/runs/:id", ready(func(s *services) gin.HandlerFunc { return s.sync.RunDetailHandler() }))
	api.GET("/sync/history", ready(func(s *services) gin.HandlerFunc { return s.sync.HistoryHandler() }))
	api.DELETE("/sync/history", ready(func(s *services) gin.HandlerFunc { return s.sync.ClearHistoryHandler() }))

	api.POST("/orders/:id/sync", ready(func(s *services) gin.HandlerFunc { return s.sync.SyncOrderHandler() }))
	api.POST("/orders/:id/send", ready(func(s *services) gin.HandlerFunc { return s.send.SendHandler() }))
	api.POST("/orders/:id/auto-send", ready(func(s *services) gin.HandlerFunc { return s.send.AutoSendHandler() }))
	api.GET("/orders/:id/editable", ready(func(s *services) gin.HandlerFunc { return s.send.EditableHandler() }))
	api.GET("/orders/:id/analyze", ready(func(s *services) gin.HandlerFunc { return s.send.AnalyzeHandler() }))

	webhookLimit := NewRateLimiter(120, time.Minute)
	r.POST("/webhooks/tiny", webhookLimit.RateLimitMiddleware, ready(func(s *services) gin.HandlerFunc { return s.sync.WebhookHandler() }))

	// Pub/Sub push endpoint for the bulk sync worker.
	r.POST("/pubsub/tiny-sync", ready(func(s *services) gin.HandlerFunc { return s.dispatch.PubSubPushHandler() }))
}

// accessLogger logs every request at info and the gin errors of failed ones.
func accessLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"latency":        time.Since(start).String(),
			"correlation_id": appctx.CorrelationId(c.Request.Context()),
		})
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.IsValid() {
			entry = entry.WithField("trace_id", sc.TraceID().String())
		}
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Info("request")
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
