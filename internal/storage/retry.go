package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Transition writes run at most txAttempts times.
const (
	txAttempts  = 4
	txBaseDelay = 10 * time.Millisecond
)

// transientCode reports whether a Postgres error is worth another attempt:
// serialization failure, deadlock, or a lock wait that timed out while two
// terminals raced for the same cycle row.
func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return pgErr.Code, true
	}
	return "", false
}

// inTx runs fn in a transaction and commits it. Transient failures roll
// back and retry with jittered exponential backoff; domain errors such as
// ErrVersionConflict return immediately.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	delay := txBaseDelay
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = db.runTx(ctx, op, fn)
		code, retry := transientCode(err)
		if !retry {
			return err
		}
		if attempt == txAttempts {
			break
		}
		db.logger.Warn("storage: retrying transaction", "op", op, "attempt", attempt, "sqlstate", code)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return fmt.Errorf("storage: %s: gave up after %d attempts: %w", op, txAttempts, err)
}

func (db *DB) runTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin %s tx: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit %s tx: %w", op, err)
	}
	return nil
}
