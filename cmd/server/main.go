package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morphlab/adapt/internal/api"
	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/guardrail"
	"github.com/morphlab/adapt/internal/identity"
	"github.com/morphlab/adapt/internal/ingest"
	"github.com/morphlab/adapt/internal/llm"
	"github.com/morphlab/adapt/internal/ratelimit"
	"github.com/morphlab/adapt/internal/regen"
	"github.com/morphlab/adapt/internal/store"
	"github.com/morphlab/adapt/internal/variant"
	"github.com/morphlab/adapt/internal/workflow"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  ADAPT Optimization Server (cmd/server/main.go)            ║")
	log.Println("║  Per-user variant selection with behavioral targeting      ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("STORAGE_URI") != "" {
		log.Println("[config] STORAGE_URI env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Storage initialized (type=%s)", cfg.Storage.Type)

	// Initialize Redis for cross-instance coordination. The server runs
	// without it; rate limiting and event gating fall back to local state.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis unreachable at %s, falling back to local state: %v", cfg.Redis.Addr, err)
			rdb.Close()
			rdb = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	} else {
		log.Println("Redis disabled; coordination is process-local")
	}

	// Initialize the model backend. Bedrock when configured, otherwise a
	// deterministic stub so the selection loop still runs end to end.
	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		log.Printf("Warning: LLM backend init failed, running in stub mode: %v", err)
		client = llm.NewStub()
	}
	log.Printf("Decision backend: %s", client.Mode())

	// Core services
	resolver := identity.NewResolver(st)
	ring := workflow.NewAuditRing(512)
	guard := guardrail.New(cfg.Guardrail)
	bandit := variant.New(st, cfg.Bandit, cfg.Rewards)
	engine := regen.New(st, client, guard, rdb, cfg.Bandit, cfg.LLM, ring)

	ingestor := ingest.New(st, rdb, cfg.Ingest)
	if err := ingestor.Start(); err != nil {
		log.Fatalf("Failed to start event pipeline: %v", err)
	}
	log.Printf("Event pipeline started (workers=%d, queue=%d)", cfg.Ingest.Workers, cfg.Ingest.QueueDepth)

	flow := workflow.New(st, resolver, ingestor, bandit, guard, client, engine, ring, cfg)

	// HTTP surface
	handlers := api.NewHandlers(st, resolver, flow, ingestor, bandit, ring, cfg)
	if rdb != nil {
		handlers.SetRateLimiter(ratelimit.NewLimiter(rdb, "apikey", cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst))
	}
	server := api.NewServer(handlers)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized, server is ready")

	<-done
	log.Println("Shutting down...")

	cancel()

	// Stop accepting requests, then drain the pipeline and any in-flight
	// regeneration before releasing Redis.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	ingestor.Stop()
	engine.Wait()
	if rdb != nil {
		rdb.Close()
	}

	log.Println("Server stopped")
}
