package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/realtime-service/config"
	"chorus/realtime-service/db"
	"chorus/realtime-service/handlers"
	"chorus/realtime-service/middleware"
	"chorus/realtime-service/services"
	"chorus/realtime-service/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger := utils.NewLogger(cfg.Environment)

	// Connect to Redis (shared presence store + fanout bus)
	redisClient := services.NewRedisClient(cfg, logger)
	defer redisClient.Close()

	// Connect to database (persistence collaborator)
	database, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "error", err)
	}
	chatStore := db.NewChatStore(database, logger)

	// Initialize services
	presence := services.NewPresenceService(redisClient, cfg, logger)
	manager := services.NewConnectionManager(presence, presence, logger)
	listener := services.NewListener(redisClient, manager, chatStore, logger)
	monitor := services.NewHeartbeatMonitor(manager, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)

	// Start background tasks
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil {
			logger.Fatal("Fanout listener failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(manager, chatStore, cfg, logger)
	presenceHandler := handlers.NewPresenceHandler(manager, presence, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Logging(logger), gin.Recovery())

	router.GET("/health", handlers.HealthCheck)

	authorized := router.Group("/", middleware.JWTAuth(cfg.JWTSecret))
	authorized.GET("/ws", wsHandler.Serve)
	authorized.GET("/presence/status", presenceHandler.GetStatus)
	authorized.GET("/presence/online", presenceHandler.GetOnlineUsers)
	authorized.GET("/presence/typing", presenceHandler.GetTypingUsers)

	// Create HTTP server. Write timeouts are left unset: they would apply to
	// hijacked websocket connections too.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting Realtime Service", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop background tasks
	cancel()
	wg.Wait()

	logger.Info("Server exited")
}
