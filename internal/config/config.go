package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	CRDBDSN      string
	MongoURI     string
	RedisAddr    string
	RabbitURL    string
	OTLPEndpoint string

	HTTPAddr    string
	MetricsAddr string

	HoldTTL              time.Duration
	SweepInterval        time.Duration
	LockTimeout          time.Duration
	AvailabilityCacheTTL time.Duration
	IdempotencyTTL       time.Duration
	OutboxInterval       time.Duration
	OutboxBatch          int

	SeedDemo bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		MetricsAddr:  envOr("METRICS_ADDR", ":9102"),
	}

	var err error
	if cfg.HoldTTL, err = duration("HOLD_TTL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = duration("SWEEP_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTimeout, err = duration("LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.AvailabilityCacheTTL, err = duration("AVAILABILITY_CACHE_TTL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = duration("IDEMPOTENCY_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = duration("OUTBOX_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.OutboxBatch, err = integer("OUTBOX_BATCH", 50); err != nil {
		return nil, err
	}
	if v := os.Getenv("SEED_DEMO"); v != "" {
		if cfg.SeedDemo, err = strconv.ParseBool(v); err != nil {
			return nil, errors.Wrapf(err, "parse SEED_DEMO %q", v)
		}
	}

	return cfg, nil
}

// Require reports the first of the named settings that is empty. Each binary
// names the backends it talks to.
func (c *Config) Require(names ...string) error {
	values := map[string]string{
		"CRDB_DSN":   c.CRDBDSN,
		"MONGO_URI":  c.MongoURI,
		"REDIS_ADDR": c.RedisAddr,
		"RABBIT_URL": c.RabbitURL,
	}
	for _, name := range names {
		v, known := values[name]
		if !known {
			return errors.Newf("unknown setting %s", name)
		}
		if v == "" {
			return errors.Newf("%s is required", name)
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s %q", key, v)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s %q", key, v)
	}
	if n <= 0 {
		return 0, errors.Newf("%s must be positive, got %d", key, n)
	}
	return n, nil
}
