package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// PGAdvisory holds a session-level pg_advisory_lock on a dedicated connection,
// so the lock is shared by every instance pointed at the same database.
// db must be a pool reserved for locks: every holder and waiter pins one of its
// connections for the whole wait and critical section.
type PGAdvisory struct {
	db   *sql.DB
	wait time.Duration
	poll time.Duration
}

func NewPGAdvisory(db *sql.DB, wait time.Duration) *PGAdvisory {
	if wait <= 0 {
		wait = defaultWait
	}
	return &PGAdvisory{db: db, wait: wait, poll: 250 * time.Millisecond}
}

func (p *PGAdvisory) Acquire(ctx context.Context, tenantID string) (Release, error) {
	key := advisoryKey(tenantID)
	deadline := time.Now().Add(p.wait)

	// A drained lock pool counts against the same wait as a held lock.
	connCtx, cancel := context.WithDeadline(ctx, deadline)
	conn, err := p.db.Conn(connCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, key).Scan(&ok); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			return once(func() { p.unlock(conn, key) }), nil
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

func (p *PGAdvisory) unlock(conn *sql.Conn, key int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1::bigint)`, key).Scan(&released)
	if err != nil || !released {
		// Discard the session instead of returning it to the pool; the server drops its locks.
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}
