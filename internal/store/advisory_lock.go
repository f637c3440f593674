// Copyright 2025 Ceramic Anchor Service
//
// Cross-process mutex implemented over Postgres advisory locks
// (pg_try_advisory_lock polled with bounded retries, pg_advisory_unlock),
// held for the duration of the ready-batch claim.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/errs"
)

// AdvisoryLock coordinates mutual exclusion across anchor worker
// processes using a single fixed lock key.
type AdvisoryLock struct {
	db         *sql.DB
	key        int64
	retryCount int
	retryDelay time.Duration
}

// NewAdvisoryLock builds a lock bound to the given key, retrying up to
// retryCount times with retryDelay between attempts if the lock is held
// elsewhere.
func NewAdvisoryLock(db *sql.DB, key int64, retryCount int, retryDelay time.Duration) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key, retryCount: retryCount, retryDelay: retryDelay}
}

// acquiredLock holds the dedicated connection the lock was taken on;
// pg_advisory_lock is session-scoped, so the unlock must happen on the
// same connection.
type acquiredLock struct {
	conn *sql.Conn
}

// Acquire blocks until the advisory lock is obtained or retries are
// exhausted, returning ErrMutexAcquisitionFailed in the latter case. The
// caller must call Release on the returned lock when the critical section
// ends.
func (l *AdvisoryLock) Acquire(ctx context.Context) (*acquiredLock, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retryCount; attempt++ {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			lastErr = err
		} else {
			var acquired bool
			err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired)
			if err != nil {
				conn.Close()
				lastErr = err
			} else if acquired {
				return &acquiredLock{conn: conn}, nil
			} else {
				conn.Close()
				lastErr = fmt.Errorf("advisory lock %d held by another session", l.key)
			}
		}

		if attempt < l.retryCount {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.retryDelay):
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", errs.ErrMutexAcquisitionFailed, lastErr)
}

// Release unlocks the advisory lock and returns its connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context, lock *acquiredLock) error {
	defer lock.conn.Close()
	_, err := lock.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	return err
}

// WithLock runs fn while holding the advisory lock, releasing it
// unconditionally afterward. RequestRepository.FindAndMarkReady runs its
// ready-batch claim under it; the anchor pipeline
// (anchor.Service.AnchorRequests) does not take this lock.
func (l *AdvisoryLock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release(context.Background(), lock)
	return fn(ctx)
}
