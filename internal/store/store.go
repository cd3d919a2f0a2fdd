package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolInterface defines the database pool operations the store depends on.
// Satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store wraps the PostgreSQL connection pool with domain queries.
type Store struct {
	pool PoolInterface
	full *pgxpool.Pool // nil when constructed from an interface (tests)
}

// New creates a store backed by a new connection pool.
func New(ctx context.Context, databaseURL string, poolSize int) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	cfg.MaxConns = int32(poolSize)
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Database connection pool created successfully")

	return &Store{pool: pool, full: pool}, nil
}

// NewWithPool creates a store from an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, full: pool}
}

// NewWithInterface creates a store from any PoolInterface (used in tests).
func NewWithInterface(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	if s.full != nil {
		s.full.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.full != nil {
		return s.full.Ping(ctx)
	}
	return nil
}
