package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/crdb"
	"github.com/robertarktes/show-seat-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/show-seat-reservations/internal/clock"
	"github.com/robertarktes/show-seat-reservations/internal/config"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"github.com/robertarktes/show-seat-reservations/internal/outbox"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Require("CRDB_DSN", "RABBIT_URL"); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "seating-outbox-publisher")
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	relay := outbox.NewPublisher(repo, rabbitPub, clock.NewSystem(), logger, cfg.OutboxBatch)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		relay.Run(ctx, cfg.OutboxInterval)
		return nil
	})
	g.Go(func() error {
		return observability.ServeMetrics(ctx, cfg.MetricsAddr)
	})

	logger.Info("outbox publisher started")
	if err := g.Wait(); err != nil {
		log.Fatalf("outbox publisher: %v", err)
	}
	logger.Info("Shutdown outbox publisher")
}
