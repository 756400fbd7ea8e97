// Package database implements the metadata store for generation requests,
// stories, episodes and user preferences on PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"manga-server/internal/config"
)

// DBTX is the querying surface shared by *pgxpool.Pool and pgx.Tx, so
// repositories work the same inside and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	connectMaxRetries = 50
	connectRetryDelay = 3 * time.Second
	connectTimeout    = 5 * time.Second
)

// NewPgxPool connects to PostgreSQL with retries so the service survives
// the database coming up after it does.
func NewPgxPool(cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	log := logger.Named("Database")

	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MaxConnIdleTime = cfg.DBIdleTimeout

	log.Info("Connecting to PostgreSQL",
		zap.String("dsn", cfg.GetMaskedDSN()),
		zap.Int("maxRetries", connectMaxRetries),
		zap.Duration("retryDelay", connectRetryDelay),
	)

	var pool *pgxpool.Pool
	for i := 0; i < connectMaxRetries; i++ {
		attempt := i + 1
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)

		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				cancel()
				log.Info("Connected to PostgreSQL", zap.Int("attempt", attempt))
				return pool, nil
			}
			pool.Close()
		}
		cancel()

		log.Warn("PostgreSQL not ready",
			zap.Int("attempt", attempt),
			zap.Int("maxRetries", connectMaxRetries),
			zap.Error(err),
		)
		if i < connectMaxRetries-1 {
			time.Sleep(connectRetryDelay)
		}
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectMaxRetries, err)
}
