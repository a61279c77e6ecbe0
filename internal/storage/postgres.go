package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openbenchlab/psuwatch/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema creates the history tables when they do not exist yet.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS limit_events (
			id         BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			elapsed_s  DOUBLE PRECISION NOT NULL,
			channel    INT NOT NULL,
			event      TEXT NOT NULL,
			kind       TEXT NOT NULL,
			voltage    DOUBLE PRECISION NOT NULL,
			current    DOUBLE PRECISION NOT NULL,
			power      DOUBLE PRECISION NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create limit_events: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS measurements (
			id         BIGSERIAL PRIMARY KEY,
			sampled_at TIMESTAMPTZ NOT NULL,
			elapsed_s  DOUBLE PRECISION NOT NULL,
			channel    INT NOT NULL,
			voltage    DOUBLE PRECISION NOT NULL,
			current    DOUBLE PRECISION NOT NULL,
			power      DOUBLE PRECISION NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create measurements: %w", err)
	}

	return nil
}
