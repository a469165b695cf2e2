package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/lock"
)

// Locker implements lock.Locker on the tenantflow_locks lease table. Writers
// to one key are serialised by a transaction-scoped advisory lock on the
// key's hash, and expiry is judged by the database clock.
type Locker struct {
	pool *pgxpool.Pool
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker returns a Locker sharing the store's pool. Migrate must have run.
func NewLocker(s *Store) *Locker {
	return &Locker{pool: s.pool}
}

// advisoryKey maps a lock key onto the int64 space of pg_advisory_xact_lock.
func advisoryKey(key string) int64 {
	return int64(xxhash.Sum64String(key)) //nolint:gosec // wraparound is intended
}

func (l *Locker) withKey(ctx context.Context, key string, fn func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(key)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	token := lock.NewToken()
	var taken bool
	err := l.withKey(ctx, key, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO tenantflow_locks (key, token, expires_at)
			VALUES ($1, $2, NOW() + $3::float8 * INTERVAL '1 second')
			ON CONFLICT (key) DO UPDATE
				SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
				WHERE tenantflow_locks.expires_at <= NOW()`,
			key, token, ttl.Seconds(),
		)
		taken = err == nil && tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: acquire %s: %w", key, err)
	}
	if !taken {
		return nil, tenantflow.ErrLockHeld
	}
	return &lease{locker: l, key: key, token: token}, nil
}

type lease struct {
	locker *Locker
	key    string
	token  string
}

func (l *lease) Key() string   { return l.key }
func (l *lease) Token() string { return l.token }

func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	var held bool
	err := l.locker.withKey(ctx, l.key, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tenantflow_locks
			SET expires_at = NOW() + $3::float8 * INTERVAL '1 second'
			WHERE key = $1 AND token = $2 AND expires_at > NOW()`,
			l.key, l.token, ttl.Seconds(),
		)
		held = err == nil && tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: extend %s: %w", l.key, err)
	}
	if !held {
		return tenantflow.ErrLockLost
	}
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	_, err := l.locker.pool.Exec(ctx,
		`DELETE FROM tenantflow_locks WHERE key = $1 AND token = $2`,
		l.key, l.token,
	)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: release %s: %w", l.key, err)
	}
	return nil
}
