package cli

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
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the livedesk server",
	Long:  `Run the livedesk queueing and dispatch server`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	// 初始化数据库；失败时继续跑，持久化与恢复降级关闭
	db := openDatabase(cfg, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 组装实时派单核心
	polls := services.NewPollBuffer(cfg.Transport.PollBufferSize)
	wsHub := services.NewWebSocketHub(polls, appLogger)
	dispatcher := services.NewDispatcher(cfg.Dispatch, appLogger, wsHub)
	dispatcher.SetPollBuffer(polls)
	eventRouter := services.NewEventRouter(dispatcher, wsHub, appLogger)
	wsHub.SetRouter(eventRouter)

	var store *services.PersistenceService
	if db != nil {
		var err error
		store, err = services.NewPersistenceService(db, cfg.Dispatch.CircuitBreaker, appLogger)
		if err != nil {
			appLogger.Warnf("init persistence: %v", err)
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
	router := setupRouter(cfg, wsHub, dispatcher, eventRouter, store, polls)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// loadConfig 读取配置并回填缺省值
func loadConfig() *config.Config {
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
	if cfg.Audit.Topic == "" {
		cfg.Audit.Topic = def.Audit.Topic
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
	return cfg
}

// openDatabase 按驱动打开数据库；失败返回 nil（内存模式继续服务）
func openDatabase(cfg *config.Config, appLogger *logrus.Logger) *gorm.DB {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var (
		db  *gorm.DB
		err error
	)
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
		return nil
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	return db
}

func setupRouter(cfg *config.Config, wsHub *services.WebSocketHub, dispatcher *services.Dispatcher, eventRouter *services.EventRouter, store *services.PersistenceService, polls *services.PollBuffer) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	healthHandler := handlers.NewHealthHandler(store)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(wsHub).GetMetrics)
	}

	wsHandler := handlers.NewWebSocketHandler(wsHub)
	router.GET("/ws", wsHandler.HandleGuestWS)
	router.GET("/ws/stats", wsHandler.GetStats)

	// 访客侧 HTTP 通道（轮询降级）
	publicHandler := handlers.NewPublicHandler(eventRouter, dispatcher, polls, logrus.StandardLogger())
	public := router.Group("/api/public")
	{
		public.POST("/events", publicHandler.SubmitEvent)
		public.GET("/poll", publicHandler.Poll)
		public.GET("/sessions/:id", publicHandler.GetSession)
	}

	// 客服侧：WebSocket 与 REST 均需鉴权
	auth := middleware.AuthMiddleware(cfg)
	router.GET("/ws/staff", auth, wsHandler.HandleStaffWS)

	staffHandler := handlers.NewStaffHandler(dispatcher, store, logrus.StandardLogger())
	api := router.Group("/api")
	api.Use(auth)
	{
		api.GET("/queue", staffHandler.GetQueue)
		api.GET("/staff", staffHandler.GetStaff)
		api.POST("/sessions/claim", staffHandler.ClaimSession)
		api.GET("/sessions/:id/messages", staffHandler.GetMessages)
		api.POST("/sessions/:id/boost", staffHandler.BoostPriority)
		api.PUT("/staff/:id/work-mode", staffHandler.SetWorkMode)
	}

	return router
}
