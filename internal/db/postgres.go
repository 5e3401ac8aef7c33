// Package db owns the PostgreSQL pool and the schema of the job queue.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/config"
)

const (
	applicationName = "wfsearch"
	connectTimeout  = 10 * time.Second
	pingTimeout     = 5 * time.Second
)

// Pool is the shared connection pool of the job and run repositories.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool connects to the database described by cfg and verifies the connection.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pgPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	p := &Pool{Pool: pgPool, logger: logger.With(zap.String("database", cfg.Name))}
	if err := p.Ping(ctx); err != nil {
		pgPool.Close()
		return nil, err
	}

	p.logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns),
	)
	return p, nil
}

// NewPoolFromURL connects using a postgres:// URL; pool limits keep pgx defaults.
func NewPoolFromURL(ctx context.Context, url string, logger *zap.Logger) (*Pool, error) {
	pgPool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	p := &Pool{Pool: pgPool, logger: logger}
	if err := p.Ping(ctx); err != nil {
		pgPool.Close()
		return nil, err
	}
	return p, nil
}

func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pc.MaxConns = int32(cfg.MaxConnections)
	pc.MinConns = int32(cfg.MaxIdleConnections)
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		pc.MaxConnLifetime = lifetime
	}

	pc.ConnConfig.ConnectTimeout = connectTimeout
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// Ping checks that the database answers a query.
func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	var one int
	if err := p.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close releases every connection.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("Database connection pool closed")
}

// WithTx runs fn in a transaction that commits when fn returns nil and rolls back otherwise.
func (p *Pool) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, p.Pool, fn)
	if err != nil {
		p.logger.Debug("Transaction rolled back", zap.Error(err))
	}
	return err
}
