package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/veridex/pnl-engine/internal/api"
	"github.com/veridex/pnl-engine/internal/engine"
	"github.com/veridex/pnl-engine/internal/ledger"
	"github.com/veridex/pnl-engine/internal/metrics"
	"github.com/veridex/pnl-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// Settlement inputs go through a Redis read-through cache if configured.
	var resolutions store.ResolutionSource = st
	var prices store.PriceSource = st
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		ttl := 30 * time.Second
		if raw := os.Getenv("PRICE_CACHE_TTL"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				slog.Error("invalid PRICE_CACHE_TTL", "err", err)
				os.Exit(1)
			}
			ttl = d
		}
		cached := store.NewCachedSource(st, st, rdb, ttl)
		resolutions, prices = cached, cached
		slog.Info("Redis cache enabled", "ttl", ttl.String())
	}

	// --- PnL engine ---
	workers := 0
	if raw := os.Getenv("PNL_WORKERS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			slog.Error("invalid PNL_WORKERS", "err", err)
			os.Exit(1)
		}
		workers = n
	}
	eng := engine.New(st, resolutions, prices, workers)

	// Server-level policy defaults; request bodies may override per run.
	defaults := engine.DefaultOptions()
	if v := os.Getenv("SHORT_POLICY"); v != "" {
		defaults.ShortPolicy = v
	}
	if v := os.Getenv("COST_METHOD"); v != "" {
		defaults.CostMethod = v
	}
	if err := (ledger.Config{ShortPolicy: defaults.ShortPolicy, CostMethod: defaults.CostMethod}).Validate(); err != nil {
		slog.Error("invalid policy configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- API service ---
	svc := api.NewService(eng, st, wsHub, defaults)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	health := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pnl-engine"}`))
	}
	r.Get("/health", health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health)

		// WebSocket stream of finished summaries.
		r.Get("/ws", wsHub.HandleWS)

		// Per-wallet computation and queries.
		r.Post("/wallets/{wallet}/pnl", svc.ComputePnl)
		r.Get("/wallets/{wallet}/pnl", svc.GetPnl)
		r.Get("/wallets/{wallet}/positions", svc.GetPositions)

		// Batch computation.
		r.Post("/pnl/batch", svc.ComputeBatch)

		// Cross-wallet listings.
		r.Get("/summaries", svc.ListSummaries)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pnl-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pnl-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pnl-engine stopped")
}
