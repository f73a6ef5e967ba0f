// Package store provides PostgreSQL persistence for projects, tasks,
// sessions, model pricing, and allocation proposals. Connections run
// through a pgx pool; schema migrations are embedded in the binary and
// applied on connect.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database settings, sourced from the environment. DATABASE_URL
// wins when set; otherwise the discrete fields are assembled into a DSN.
type Config struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"trafficcontrol"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_NAME" envDefault:"trafficcontrol"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MaxConns        int           `env:"DB_MAX_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	// ConnectTimeout bounds the initial connect-and-migrate phase.
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"60s"`
}

// DSN returns the connection string.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store is the persistence layer. All methods are safe for concurrent use;
// the pool serializes nothing beyond what PostgreSQL itself does.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens the pool, waits for the database with exponential backoff,
// and applies pending migrations. The returned store is ready for queries.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	logger := slog.Default().With("component", "store")

	// The database may still be starting; retry the first ping.
	ping := func() error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		return pool.Ping(pingCtx)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	if err := backoff.RetryNotify(ping, policy, func(err error, next time.Duration) {
		logger.Warn("Database not ready, retrying", "error", err, "next_attempt_in", next)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(cfg.DSN()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("Connected to PostgreSQL", "max_conns", poolCfg.MaxConns)
	return &Store{pool: pool, logger: logger}, nil
}

// NewWithPool wraps an existing pool without running migrations. Used by
// tests that manage their own schema.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "store"),
	}
}

// Ping probes database connectivity. The DB health monitor uses this as its
// recovery probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// mapError translates pgx-level errors to store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}
