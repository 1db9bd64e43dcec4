package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker serialises control cycles across replicas.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PGLocker takes session-level Postgres advisory locks.
type PGLocker struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var _ AdvisoryLocker = (*PGLocker)(nil)

// NewPGLocker wires a pool into a PGLocker.
func NewPGLocker(pool *pgxpool.Pool, logger zerolog.Logger) *PGLocker {
	return &PGLocker{pool: pool, logger: logger.With().Str("component", "cycle_lock").Logger()}
}

// TryAdvisoryLock attempts the lock on a dedicated connection and returns a release func.
func (l *PGLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l == nil || l.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			l.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// NoopLocker always grants the lock. Used when no database is configured.
type NoopLocker struct{}

var _ AdvisoryLocker = NoopLocker{}

func (NoopLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, true, nil
}
