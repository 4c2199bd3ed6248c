package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects and configures a backend for Open.
type Options struct {
	Driver     string // memory, sqlite, postgres
	DSN        string
	SQLitePath string
	RedisURL   string // optional read-through cache
	RedisTTL   time.Duration
}

// Open builds the configured store. The caller owns Close.
func Open(ctx context.Context, opts Options) (Store, error) {
	var st Store
	switch opts.Driver {
	case "", "memory":
		slog.Warn("using in-memory store (data will not persist)")
		st = NewMemoryStore()

	case "sqlite":
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("opened SQLite store", "path", opts.SQLitePath)
		st = s

	case "postgres":
		pool, err := pgxpool.New(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		st = pg

	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}

	// Wrap with Redis read-through cache if configured.
	if opts.RedisURL != "" {
		opt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		st = NewCachedStore(st, redis.NewClient(opt), opts.RedisTTL)
		slog.Info("Redis cache enabled", "ttl", opts.RedisTTL)
	}
	return st, nil
}
