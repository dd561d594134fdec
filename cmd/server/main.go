package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brewlog/internal/api"
	"brewlog/internal/config"
	"brewlog/internal/db"
	"brewlog/internal/naming"
	"brewlog/internal/repository"
	"brewlog/internal/services"
	"brewlog/internal/services/presence"
	"brewlog/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN OF THE STORE OF RECORD

Startup order: config, tracing, database, then the presence hub and the
HTTP server. Shutdown runs the other way round: stop taking requests first
so no create is cut off halfway, then say goodbye to the connected agents.
An agent that sees the goodbye flips to offline and keeps drafting locally.
*/

func main() {
	log.Println("🚀 Starting Brewlog server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Log)
	for _, w := range cfg.Warnings {
		logger.Warn("config override ignored", "detail", w)
	}

	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	brewRepo := repository.NewBrewRepository(database.DB)
	catalogRepo := repository.NewCatalogRepository(database.DB)

	names, err := naming.New(config.DefaultNaming(), naming.WithLogger(logger))
	if err != nil {
		log.Fatalf("❌ Failed to build name templates: %v", err)
	}
	namer := services.NewBrewNamer(catalogRepo, names, logger)

	// Learning: agents hold /ws/connectivity open and treat a silent socket as offline
	hub := presence.NewHub(cfg.HeartbeatInterval, logger)
	hub.Start()

	handler := api.NewHandler(brewRepo, catalogRepo, namer, presence.NewHandler(hub), logger)
	router := api.SetupRoutes(handler, logger)

	addr := net.JoinHostPort(cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/brews               - Create brew (Idempotency-Key header)")
		log.Printf("   GET    /api/brews               - List brews")
		log.Printf("   GET    /api/brews/:id           - Get brew")
		log.Printf("   GET    /api/brews/by-key/:key   - Find brew by idempotency key")
		log.Printf("   GET    /api/baristas/:id        - Get barista")
		log.Printf("   GET    /api/bags/:id            - Get bag")
		log.Printf("   GET    /api/agents              - Connected agents")
		log.Printf("   WS     /ws/connectivity         - Agent heartbeat")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Learning: hijacked websocket connections are not tracked by Shutdown,
	// the hub closes those itself
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	hub.Shutdown()

	log.Println("✓ Server shutdown complete")
}
