package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predyx/exchange-core/internal/api"
	"github.com/predyx/exchange-core/internal/engine"
	"github.com/predyx/exchange-core/internal/notify"
	"github.com/predyx/exchange-core/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap event reads with a Redis read-through cache if available.
		if rdb != nil {
			st = store.NewCachedEvents(st, rdb, 30*time.Second)
			slog.Info("Redis event cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryLedger()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Engine configuration ---
	cfg := engine.DefaultConfig()
	if v := os.Getenv("TAKER_FEE_RATE"); v != "" {
		cfg.TakerFeeRate = mustDecimal("TAKER_FEE_RATE", v)
	}
	if v := os.Getenv("MAKER_FEE_RATE"); v != "" {
		cfg.MakerFeeRate = mustDecimal("MAKER_FEE_RATE", v)
	}
	if v := os.Getenv("SLIPPAGE_TOLERANCE"); v != "" {
		cfg.SlippageTolerance = mustDecimal("SLIPPAGE_TOLERANCE", v)
	}
	if v := os.Getenv("POOL_LIQUIDITY"); v != "" {
		cfg.PoolLiquidity = mustDecimal("POOL_LIQUIDITY", v)
	}

	// --- Notification sinks ---
	wsHub := notify.NewWSHub()
	go wsHub.Run()

	sinks := notify.Multi{wsHub}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb, logger))
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		pub, err := notify.NewNATSPublisher(natsURL, logger)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, pub)
		slog.Info("NATS order stream enabled")
	}

	// --- Matching engine + HTTP surface ---
	eng := engine.New(st, cfg, logger, sinks)
	handler := api.NewHandler(eng, st, wsHub)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-core...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-core stopped")
}

func mustDecimal(name, v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Error("invalid decimal in environment", "var", name, "value", v)
		os.Exit(1)
	}
	return d
}
