// Package bootstrap wires configuration into the shared components of the
// ingest-api and aggregation-worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"device-pipeline/internal/config"
	"device-pipeline/internal/queue"
	"device-pipeline/internal/store"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func SetupLogging(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, level, format)))
}

func NewHandler(w io.Writer, level, format string) slog.Handler {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func OpenRepo(cfg *config.Config) (*store.Repo, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		db, err = store.OpenSQLite(cfg.SQLitePath)
	default:
		db, err = store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	}
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	repo, err := store.New(db, store.Options{AggregateTable: cfg.Tables.Aggregates, DedupTable: cfg.Tables.Dedup})
	if err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return repo, nil
}

// OpenQueue connects to Redis and makes sure the consumer group exists.
func OpenQueue(ctx context.Context, cfg *config.Config, onDeadLetter func(queue.Delivery)) (*queue.Queue, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	q := queue.New(rdb, queue.Options{
		Stream:            cfg.Queue.Stream,
		Group:             cfg.Queue.Group,
		Consumer:          cfg.Queue.Consumer,
		DeadLetterStream:  cfg.Queue.DeadLetterStream,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		PollWait:          cfg.Queue.PollWait,
		OnDeadLetter:      onDeadLetter,
	})
	if err := q.EnsureGroup(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, rdb, nil
}
