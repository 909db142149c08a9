// Package main runs the dream stream orchestrator: camera capture, WHIP
// publish, session lifecycle, and the control-plane HTTP server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamcast/orchestrator/config"
	"github.com/dreamcast/orchestrator/internal/api"
	"github.com/dreamcast/orchestrator/internal/auth"
	"github.com/dreamcast/orchestrator/internal/capture"
	"github.com/dreamcast/orchestrator/internal/controller"
	"github.com/dreamcast/orchestrator/internal/health"
	"github.com/dreamcast/orchestrator/internal/ingest"
	"github.com/dreamcast/orchestrator/internal/middleware"
	"github.com/dreamcast/orchestrator/internal/promptsync"
	"github.com/dreamcast/orchestrator/internal/retry"
	"github.com/dreamcast/orchestrator/internal/session"
	"github.com/dreamcast/orchestrator/internal/statusfeed"
	"github.com/dreamcast/orchestrator/pkg/redis"
	"github.com/dreamcast/orchestrator/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.API.Key == "" {
		logger.Warn("DREAM_API_KEY is empty; session API calls will be unauthenticated")
	}

	ctx := context.Background()

	// Optional Redis status mirror.
	var mirror statusfeed.Publisher
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis mirror disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			mirror = statusfeed.NewRedisMirror(rdb.Client, logger)
		}
	}
	hub := statusfeed.NewHub(logger, mirror)

	// Optional control-plane auth.
	var jwtService *auth.JWTService
	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	} else {
		logger.Warn("CONTROL_JWT_SECRET is empty; control-plane auth disabled")
	}

	// Capture pipeline: camera frames onto the mirrored square surface,
	// VP8 encoded into the WebRTC track.
	size := cfg.Capture.SurfaceSize
	fps := cfg.Capture.TargetFPS
	source := capture.NewV4L2Source(cfg.Capture.Device, size, size, fps, logger)
	encoder := capture.NewVP8Encoder(size, size, fps, logger)
	pipeline, err := capture.NewPipeline(source, encoder, size, fps, logger)
	if err != nil {
		logger.Fatal("capture pipeline", zap.Error(err))
	}

	sessionClient := session.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.Timeout, logger)
	ingestMgr := ingest.NewManager(logger, cfg.WebRTC.ICEUrls, cfg.API.Key)
	poller := health.NewPoller(sessionClient, logger)
	syncer := promptsync.New(sessionClient, promptsync.Config{
		FailureThreshold: cfg.Stream.SyncFailureThreshold,
		Backoff: retry.Policy{
			BaseDelay: cfg.Stream.SyncBaseDelay,
			MaxDelay:  cfg.Stream.SyncMaxDelay,
		},
	}, logger)

	ctrl := controller.New(controller.Config{
		DefaultPrompt:    cfg.Stream.DefaultPrompt,
		ModelID:          cfg.Stream.ModelID,
		CountdownSeconds: cfg.Stream.CountdownSeconds,
		WarmupWindow:     cfg.Stream.WarmupWindow,
		StartupGrace:     cfg.Stream.StartupGrace,
		IngestRetry: retry.Policy{
			MaxAttempts: cfg.Stream.IngestMaxAttempts,
			BaseDelay:   cfg.Stream.IngestBaseDelay,
			MaxDelay:    cfg.Stream.IngestMaxDelay,
		},
		HealthInterval:    cfg.Stream.HealthInterval,
		HealthMaxAttempts: cfg.Stream.HealthMaxAttempts,
		RestartDelay:      cfg.Stream.RestartDelay,
	}, sessionClient, pipeline, ingestMgr, poller, syncer, logger)

	disposeStatus := ctrl.OnStatus(hub.Broadcast)
	defer disposeStatus()

	handler := api.NewHandler(ctrl, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	protected := router.Group("")
	protected.Use(middleware.JWT(jwtService))
	{
		protected.POST("/dream/start", middleware.RequireRole(auth.RoleOperator), handler.Start)
		protected.POST("/dream/stop", middleware.RequireRole(auth.RoleOperator), handler.Stop)
		protected.POST("/dream/retry", middleware.RequireRole(auth.RoleOperator), handler.Retry)
		protected.GET("/dream/status", handler.Status)
		protected.GET("/dream/status/history", handler.StatusHistory)
		protected.PUT("/dream/prompt", middleware.RequireRole(auth.RoleOperator), handler.SetPrompt)
		protected.POST("/dream/prompt/sync", middleware.RequireRole(auth.RoleOperator), handler.ForceSync)

		// Status feed (token in query for browser WebSocket clients).
		protected.GET("/ws", statusfeed.ServeWs(hub, logger))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("orchestrator listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Release the stream lock before going away so another client can
	// start immediately.
	ctrl.ReleaseOnExit()
	ctrl.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("orchestrator stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
