// Package storage provides the PostgreSQL storage layer for sterilis.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY, and the transactional writes behind every phase
// transition: tool updates, the version-guarded cycle update and the audit
// rows commit together or not at all.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "sterilis"

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Touched only by the single relay goroutine (see Listen).
	notifyDSN  string
	notifyConn *pgx.Conn
	channels   []string
}

// New connects the pool and, when notifyDSN is set, the notify connection.
// notifyDSN must reach Postgres directly, not through a transaction pooler.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	// Each station terminal holds at most one transition in flight; a small
	// floor keeps the tick loop and SSE relay from starving handlers.
	if poolCfg.MaxConns < 4 {
		poolCfg.MaxConns = 4
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	sessionParams(poolCfg.ConnConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	db := &DB{pool: pool, logger: logger, notifyDSN: notifyDSN}
	if notifyDSN != "" {
		if db.notifyConn, err = connectNotify(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return db, nil
}

// sessionParams pins every session to UTC so audit timestamps read back
// exactly as they were hashed.
func sessionParams(cfg *pgx.ConnConfig) {
	cfg.RuntimeParams["application_name"] = applicationName
	cfg.RuntimeParams["timezone"] = "UTC"
}

func connectNotify(ctx context.Context, dsn string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
	}
	sessionParams(cfg)
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect notify: %w", err)
	}
	return conn, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
