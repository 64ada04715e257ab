package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/lucalabs/cosmic-family/config"
	"github.com/lucalabs/cosmic-family/internal/api"
	"github.com/lucalabs/cosmic-family/internal/auth"
	"github.com/lucalabs/cosmic-family/internal/family"
	"github.com/lucalabs/cosmic-family/internal/ledger"
	"github.com/lucalabs/cosmic-family/internal/provider"
	"github.com/lucalabs/cosmic-family/internal/provider/anthropic"
	"github.com/lucalabs/cosmic-family/internal/provider/human"
	"github.com/lucalabs/cosmic-family/internal/provider/openaicompat"
	"github.com/lucalabs/cosmic-family/internal/seeder"
	"github.com/lucalabs/cosmic-family/internal/telemetry"
	"github.com/lucalabs/cosmic-family/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("cosmic-family", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init ledger with background archiver
	archiveStore := ledger.NewPostgresStore(pool)
	archiver := ledger.NewArchiver(archiveStore, 256)

	archiverCtx, stopArchiver := context.WithCancel(ctx)
	defer stopArchiver()
	go archiver.Run(archiverCtx)

	usageLedger := ledger.NewLedger()
	usageLedger.SetSink(archiver.Sink())

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitQPM)

	// 8. Init the provider family. API keys stay here; the family only
	// sees constructed invokers.
	fam := family.New(usageLedger)
	if cfg.DeepSeekAPIKey != "" {
		client := openaicompat.NewDeepSeek(cfg.DeepSeekAPIKey)
		fam.Register("deepseek", provider.WithBreaker("deepseek", client), client.Model(), provider.KindChatCompletion)
	}
	if cfg.AnthropicAPIKey != "" {
		client := anthropic.New(cfg.AnthropicAPIKey)
		fam.Register("claude", provider.WithBreaker("claude", client), client.Model(), provider.KindNativeMessages)
	}
	if cfg.XAIAPIKey != "" {
		client := openaicompat.NewGrok(cfg.XAIAPIKey)
		fam.Register("grok", provider.WithBreaker("grok", client), client.Model(), provider.KindChatCompletion)
	}
	if cfg.EnableHumanOracle {
		// No breaker: the operator blocks as long as they like.
		fam.Register("human", human.New(os.Stdin, os.Stdout), human.ModelLabel, provider.KindHuman)
	}
	log.Printf("Registered %d providers", len(fam.Providers()))

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("cosmic-family")
	handler := api.NewHandler(fam, usageLedger, archiveStore, limiter, tracer)

	// 10. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"cosmic-family"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/query", handler.HandleQuery)
		r.Post("/v1/synthesis", handler.HandleSynthesis)
		r.Post("/v1/consensus", handler.HandleConsensus)
		r.Get("/v1/stats", handler.HandleStats)
		r.Get("/v1/providers", handler.HandleListProviders)
		r.Post("/v1/providers", handler.HandleRegisterProvider)
		r.Delete("/v1/providers/{name}", handler.HandleUnregisterProvider)
		r.Get("/v1/history", handler.HandleHistory)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Cosmic family starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
