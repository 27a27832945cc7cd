package coordination

import (
	"context"
	"errors"
	"testing"
)

type fakeLocks struct {
	held     bool
	acquires int
	releases int
	fail     error
}

func (f *fakeLocks) TryAcquireSystemLock(ctx context.Context, lockName, workerID string, timeoutSec int) (bool, error) {
	f.acquires++
	if f.fail != nil {
		return false, f.fail
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLocks) ReleaseSystemLock(ctx context.Context, lockName, workerID string) error {
	f.releases++
	f.held = false
	return nil
}

func TestSingletonRunsWhenLockWon(t *testing.T) {
	locks := &fakeLocks{}
	s := NewSingleton(locks, "node-a", "sweep", 0)

	ran := false
	ok, err := s.Do(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("Do = (%v, %v), want (true, nil)", ok, err)
	}
	if !ran {
		t.Error("job never ran")
	}
	if locks.releases != 1 {
		t.Errorf("releases = %d, want 1", locks.releases)
	}
}

func TestSingletonSkipsWhenLockHeld(t *testing.T) {
	locks := &fakeLocks{held: true}
	s := NewSingleton(locks, "node-a", "sweep", 0)

	ok, err := s.Do(context.Background(), func(ctx context.Context) error {
		t.Fatal("job must not run without the lock")
		return nil
	})
	if err != nil || ok {
		t.Fatalf("Do = (%v, %v), want (false, nil)", ok, err)
	}
	if locks.releases != 0 {
		t.Errorf("releases = %d, want 0", locks.releases)
	}
}

func TestSingletonReleasesAfterJobError(t *testing.T) {
	locks := &fakeLocks{}
	s := NewSingleton(locks, "node-a", "sweep", 0)

	jobErr := errors.New("sweep failed")
	ok, err := s.Do(context.Background(), func(ctx context.Context) error {
		return jobErr
	})
	if ok || !errors.Is(err, jobErr) {
		t.Fatalf("Do = (%v, %v), want (false, sweep failed)", ok, err)
	}
	if locks.releases != 1 {
		t.Errorf("releases = %d, want 1: job errors must still free the lock", locks.releases)
	}
}

func TestSingletonAcquireError(t *testing.T) {
	locks := &fakeLocks{fail: errors.New("db down")}
	s := NewSingleton(locks, "node-a", "sweep", 0)

	ok, err := s.Do(context.Background(), func(ctx context.Context) error { return nil })
	if ok || err == nil {
		t.Fatalf("Do = (%v, %v), want (false, error)", ok, err)
	}
}
