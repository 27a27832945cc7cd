// Package coordination serializes cluster-wide jobs through the system
// lock table.
package coordination

import (
	"context"
	"log/slog"
	"time"
)

// LockManager is the slice of the storage layer this package needs.
type LockManager interface {
	TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error)
	ReleaseSystemLock(ctx context.Context, lockName, workerID string) error
}

const defaultLockTTL = 60 * time.Second

// Singleton runs a named job on at most one instance at a time. The
// backing lock carries a TTL, so a crashed holder frees the job once
// the TTL lapses.
type Singleton struct {
	locks  LockManager
	holder string
	name   string
	ttl    time.Duration
}

// NewSingleton creates a singleton for the named job. The TTL should
// exceed the job's expected duration; zero picks a 60s default.
func NewSingleton(locks LockManager, holderID, name string, ttl time.Duration) *Singleton {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Singleton{locks: locks, holder: holderID, name: name, ttl: ttl}
}

// Do runs job if this instance wins the lock. It reports whether the
// job ran; a lock held elsewhere yields (false, nil).
func (s *Singleton) Do(ctx context.Context, job func(context.Context) error) (bool, error) {
	won, err := s.locks.TryAcquireSystemLock(ctx, s.name, s.holder, int(s.ttl.Seconds()))
	if err != nil || !won {
		return false, err
	}

	jobErr := job(ctx)

	// The lock expires on its own, so a failed release only delays the
	// next holder.
	if err := s.locks.ReleaseSystemLock(ctx, s.name, s.holder); err != nil {
		slog.Warn("failed to release system lock",
			"lock", s.name, "holder", s.holder, "error", err)
	}

	if jobErr != nil {
		return false, jobErr
	}
	return true, nil
}
