// Package store persists the trading record: agents, decisions, orders,
// trades, account snapshots and the singleton bot state. PostgreSQL via
// pgx is the only backend; everything the process must survive a restart
// with lives here.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Querier is the subset of pgxpool.Pool the store uses. Tests substitute
// a pgxmock pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the persistence layer.
type Store struct {
	db     Querier
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects a pooled store from config and verifies connectivity.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: pool, pool: pool, logger: config.NewLogger("store")}
	s.logger.Info().Msg("Database connection pool created")
	return s, nil
}

// NewWithQuerier builds a store over an arbitrary querier. Test only.
func NewWithQuerier(q Querier) *Store {
	return &Store{db: q, logger: config.NewLogger("store")}
}

// Migrate applies the embedded schema. Every statement is idempotent so
// running it at startup is safe.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info().Msg("Schema applied")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info().Msg("Database connection pool closed")
	}
}
