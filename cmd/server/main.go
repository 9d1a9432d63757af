package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ravipandeydu/interview-pro-sub000/internal/api"
	"github.com/ravipandeydu/interview-pro-sub000/internal/auth"
	"github.com/ravipandeydu/interview-pro-sub000/internal/config"
	"github.com/ravipandeydu/interview-pro-sub000/internal/db"
	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
	"github.com/ravipandeydu/interview-pro-sub000/internal/middleware"
	"github.com/ravipandeydu/interview-pro-sub000/internal/pubsub"
	"github.com/ravipandeydu/interview-pro-sub000/internal/repository"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services/collaboration"
	"github.com/ravipandeydu/interview-pro-sub000/internal/services/events"
	"github.com/ravipandeydu/interview-pro-sub000/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Two realtime channels served side by side (CRDT sync and events)
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting, close sockets, drain saves
*/

func main() {
	log.Println("🚀 Starting Interview Pro collaboration backend...")
	logger := logging.Default()
	middleware.SetLogger(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.RequireServer(); err != nil {
		log.Fatalf("❌ %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("interview-pro", cfg.JaegerEndpoint, cfg.TraceSampleRatio, logger)
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

	// Storage: postgres when enabled, in-process otherwise
	var updates services.UpdateRepository
	var checkpoints services.CheckpointRepository
	if cfg.DBEnabled {
		database, err := db.NewGorm(cfg, logger)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer database.Close()
		updates = repository.NewUpdateRepository(database.DB)
		checkpoints = repository.NewCheckpointRepository(database.DB)
	} else {
		log.Println("⚠️  DB_ENABLED=false, documents live in memory only")
		updates = repository.NewMemoryUpdates()
		checkpoints = repository.NewMemoryCheckpoints()
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)

	// Persistence worker pool
	// Learning: This spawns goroutines that will process save jobs concurrently
	persistence := services.NewPersistenceService(checkpoints, logger, cfg.PersistenceWorkers, cfg.PersistenceQueueSize)
	persistence.Start()

	// CRDT sync rooms
	sessionManager := collaboration.NewSessionManager(updates, logger)
	sessionManager.Start()
	syncHandler := collaboration.NewWebSocketHandler(sessionManager, verifier)

	// Event channel, fanned out over Redis when configured
	var hubOpts []events.Option
	fanoutCtx, stopFanout := context.WithCancel(context.Background())
	defer stopFanout()
	var bus *pubsub.Redis
	if cfg.RedisURL != "" {
		client, err := pubsub.Dial(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		bus = pubsub.NewRedis(client, pubsub.DefaultChannel, logger)
		hubOpts = append(hubOpts, events.WithFanout(bus))
		log.Printf("✓ Redis fan-out enabled (instance %s)", bus.Instance())
	}
	hub := events.NewHub(verifier, persistence, logger, hubOpts...)
	if bus != nil {
		err := bus.Subscribe(fanoutCtx, func(m pubsub.Message) {
			hub.Deliver(m.Room, m.Exclude, m.Envelope)
		})
		if err != nil {
			log.Fatalf("❌ Failed to subscribe to Redis: %v", err)
		}
	}
	polling := events.NewPolling(hub)
	polling.Start()

	// Initialize handlers with dependency injection
	handler := api.NewHandler(checkpoints, persistence, hub)
	router := api.SetupRoutes(handler, api.Realtime{
		Sync:        syncHandler.HandleRoomConnection,
		Socket:      hub.ServeWebSocket,
		PollingOpen: polling.HandleOpen,
		Polling:     polling.HandleSession,
	}, verifier)

	// Configure HTTP server
	// Learning: WriteTimeout must outlast a long poll
	addr := cfg.ListenAddr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   WS     /yjs/{room}?token=              - CRDT sync")
		log.Printf("   WS     /socket                         - Event channel")
		log.Printf("   HTTP   /socket/polling                 - Event channel (long-polling)")
		log.Printf("   GET    /api/checkpoints/{kind}/{id}    - Latest saved content")
		log.Printf("   GET    /api/rooms/{kind}/{id}/participants")
		log.Printf("   POST   /api/users/{id}/disconnect")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Hijacked websockets are not closed by server.Shutdown
	polling.Stop()
	hub.Shutdown()
	sessionManager.Shutdown()
	if bus != nil {
		bus.Close()
	}

	// Learning: This waits for workers to finish queued saves
	persistence.Shutdown()

	log.Println("✓ Server shutdown complete")
}
