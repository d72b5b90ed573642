package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb/migrations"
	redisadapter "github.com/robertarktes/show-seat-reservations/internal/adapters/redis"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/config"
	httphandler "github.com/robertarktes/show-seat-reservations/internal/http"
	"github.com/robertarktes/show-seat-reservations/internal/idempotency"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"github.com/robertarktes/show-seat-reservations/internal/query"
	"github.com/robertarktes/show-seat-reservations/internal/rateLimit"
	"github.com/robertarktes/show-seat-reservations/internal/reservation"
	"github.com/robertarktes/show-seat-reservations/internal/seed"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Require("CRDB_DSN"); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "seating-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	repo := crdb.NewRepository(pool, crdb.WithLockTimeout(cfg.LockTimeout))
	clk := clock.NewSystem()

	if cfg.SeedDemo {
		if _, err := seed.Demo(ctx, repo, clk.Now(), logger); err != nil {
			log.Fatalf("failed to seed demo show: %v", err)
		}
	}

	// Redis is optional: without it availability is read from the ledger
	// every time and there is no rate limiting or idempotent replay.
	var (
		cache query.SeatCache
		rl    httphandler.Limiter
		idemp idempotency.Store
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		redisCache := redisadapter.NewCache(redisClient, cfg.AvailabilityCacheTTL)
		cache = redisCache
		rl = rateLimit.NewRateLimiter(redisCache)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_ADDR not set, running without cache, rate limiting and idempotency")
	}

	engine := reservation.NewEngine(repo, clk,
		reservation.WithHoldTTL(cfg.HoldTTL),
		reservation.WithLogger(logger),
	)
	queries := query.NewService(repo, cache, clk, logger)

	handlers := httphandler.NewHandlers(engine, queries, repo)
	r := httphandler.SetupRouter(handlers, logger, rl, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
	if err := observability.Serve(ctx, srv); err != nil {
		log.Fatalf("server: %v", err)
	}
	logger.Info("Server exiting")
}
