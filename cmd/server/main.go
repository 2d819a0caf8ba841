package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/handlers"
	"livedesk/internal/middleware"
	"livedesk/internal/observability"
	"livedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// 直接启动服务器的入口；完整 CLI 见 cmd/cli
func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	def := config.GetDefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server = def.Server
	}
	if cfg.Database.Driver == "" {
		cfg.Database = def.Database
	}
	if cfg.Dispatch.AvgSessionMinutes == 0 {
		cfg.Dispatch = def.Dispatch
	}
	if cfg.Transport.PollInterval == 0 {
		cfg.Transport = def.Transport
	}
	if cfg.Auth.Secret == "" {
		cfg.Auth = def.Auth
	}
	if cfg.Log.Level == "" {
		cfg.Log = def.Log
	}
	if cfg.Monitoring.MetricsPath == "" {
		cfg.Monitoring = def.Monitoring
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var db *gorm.DB
	switch cfg.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		path := cfg.Database.Path
		if path == "" {
			path = "./livedesk.db"
		}
		db, err = gorm.Open(sqlite.Open(path), gormCfg)
	}
	if err != nil {
		appLogger.Warnf("DB connect failed, session persistence disabled: %v", err)
		db = nil
	}
	if db != nil && cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := services.NewPollBuffer(cfg.Transport.PollBufferSize)
	wsHub := services.NewWebSocketHub(polls, appLogger)
	dispatcher := services.NewDispatcher(cfg.Dispatch, appLogger, wsHub)
	dispatcher.SetPollBuffer(polls)
	eventRouter := services.NewEventRouter(dispatcher, wsHub, appLogger)
	wsHub.SetRouter(eventRouter)

	var store *services.PersistenceService
	if db != nil {
		store, err = services.NewPersistenceService(db, cfg.Dispatch.CircuitBreaker, appLogger)
		if err != nil {
			appLogger.Warnf("init persistence: %v", err)
			store = nil
		} else {
			store.Start(ctx)
			dispatcher.SetPersistence(store)
			eventRouter.SetPersistence(store)
		}
	}

	audit := services.NewAuditProducer(cfg.Audit, appLogger)
	defer audit.Close()
	dispatcher.SetAudit(audit)

	go wsHub.Run()
	dispatcher.Start(ctx)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg))
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(store)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(wsHub).GetMetrics)
	}

	wsHandler := handlers.NewWebSocketHandler(wsHub)
	r.GET("/ws", wsHandler.HandleGuestWS)
	r.GET("/ws/stats", wsHandler.GetStats)

	publicHandler := handlers.NewPublicHandler(eventRouter, dispatcher, polls, appLogger)
	public := r.Group("/api/public")
	{
		public.POST("/events", publicHandler.SubmitEvent)
		public.GET("/poll", publicHandler.Poll)
		public.GET("/sessions/:id", publicHandler.GetSession)
	}

	auth := middleware.AuthMiddleware(cfg)
	r.GET("/ws/staff", auth, wsHandler.HandleStaffWS)

	staffHandler := handlers.NewStaffHandler(dispatcher, store, appLogger)
	api := r.Group("/api")
	api.Use(auth)
	{
		api.GET("/queue", staffHandler.GetQueue)
		api.GET("/staff", staffHandler.GetStaff)
		api.POST("/sessions/claim", staffHandler.ClaimSession)
		api.GET("/sessions/:id/messages", staffHandler.GetMessages)
		api.POST("/sessions/:id/boost", staffHandler.BoostPriority)
		api.PUT("/staff/:id/work-mode", staffHandler.SetWorkMode)
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}
