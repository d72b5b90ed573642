package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/show-seat-reservations/internal/adapters/redis"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/config"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"github.com/robertarktes/show-seat-reservations/internal/sweeper"
	"golang.org/x/sync/errgroup"
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

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "seating-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, crdb.WithLockTimeout(cfg.LockTimeout))

	var invalidator sweeper.Invalidator
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		invalidator = redisadapter.NewCache(redisClient, cfg.AvailabilityCacheTTL)
	}

	worker := sweeper.New(repo, clock.NewSystem(), logger, invalidator)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		return observability.ServeMetrics(ctx, cfg.MetricsAddr)
	})

	logger.WithField("interval", cfg.SweepInterval.String()).Info("expiry worker started")
	if err := g.Wait(); err != nil {
		log.Fatalf("expiry worker: %v", err)
	}
	logger.Info("Shutdown expiry worker")
}
