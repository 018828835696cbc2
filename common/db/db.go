package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ronkeiser/wonder/common/config"
	"github.com/ronkeiser/wonder/common/logger"
)

// DB wraps pgxpool with common operations against the resources store
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ResourcesURL())
	if err != nil {
		return nil, fmt.Errorf("parse resources URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Resources.MaxConns)
	poolConfig.MinConns = int32(cfg.Resources.MinConns)
	poolConfig.MaxConnLifetime = cfg.Resources.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Resources.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping resources store: %w", err)
	}

	log.Info("resources store connected", "host", cfg.Resources.Host, "db", cfg.Resources.Database)

	return &DB{
		Pool: pool,
		log:  log,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.log.Info("closing resources store connection pool")
	db.Pool.Close()
}

// Health checks database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
