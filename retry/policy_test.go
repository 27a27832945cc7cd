package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var (
	errNotFound = errors.New("not found")
	errFlaky    = errors.New("connection reset")
)

type fatalErr struct{ msg string }

func (e *fatalErr) Error() string  { return e.msg }
func (e *fatalErr) Terminal() bool { return true }

func TestShouldRetryAttemptBound(t *testing.T) {
	p := &Policy{MaxAttempts: 3}

	if !p.ShouldRetry(1, errFlaky) || !p.ShouldRetry(2, errFlaky) {
		t.Error("attempts below the bound must retry")
	}
	if p.ShouldRetry(3, errFlaky) || p.ShouldRetry(4, errFlaky) {
		t.Error("attempts at or past the bound must not retry")
	}
}

func TestShouldRetryUnbounded(t *testing.T) {
	p := &Policy{}
	for i := 1; i <= 100; i++ {
		if !p.ShouldRetry(i, errFlaky) {
			t.Fatalf("unbounded policy refused attempt %d", i)
		}
	}
}

func TestShouldRetryPermanentErrors(t *testing.T) {
	p := &Policy{MaxAttempts: 10, Permanent: []error{errNotFound}}

	if p.ShouldRetry(1, errNotFound) {
		t.Error("permanent error must not retry")
	}
	if p.ShouldRetry(1, fmt.Errorf("lookup: %w", errNotFound)) {
		t.Error("wrapped permanent error must not retry")
	}
	if !p.ShouldRetry(1, errFlaky) {
		t.Error("other errors must retry")
	}
}

func TestShouldRetryTerminalErrors(t *testing.T) {
	p := &Policy{MaxAttempts: 10}

	if p.ShouldRetry(1, &fatalErr{"bad payload"}) {
		t.Error("terminal error must not retry")
	}
	if p.ShouldRetry(1, fmt.Errorf("deliver: %w", &fatalErr{"bad payload"})) {
		t.Error("wrapped terminal error must not retry")
	}
}

func TestBackoffGrowth(t *testing.T) {
	p := &Policy{Initial: 100 * time.Millisecond, Cap: 10 * time.Second, Multiplier: 2}

	for attempts, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		if got := p.Backoff(attempts); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	p := &Policy{Initial: time.Second, Cap: 5 * time.Second, Multiplier: 2}

	// 1s * 2^3 = 8s, held at the cap.
	if got := p.Backoff(4); got != 5*time.Second {
		t.Errorf("Backoff(4) = %v, want 5s", got)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	p := &Policy{Initial: 100 * time.Millisecond, Cap: 10 * time.Second, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 100; i++ {
		got := p.Backoff(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", got)
		}
	}
}

func TestConstructors(t *testing.T) {
	if p := NoRetry(); p.ShouldRetry(1, errFlaky) {
		t.Error("NoRetry must refuse a second attempt")
	}

	fixed := Fixed(5, 200*time.Millisecond)
	if fixed.Backoff(1) != 200*time.Millisecond || fixed.Backoff(4) != 200*time.Millisecond {
		t.Error("Fixed must keep a constant interval")
	}

	exp := Exponential(10, 100*time.Millisecond, 5*time.Second, 1.5)
	if exp.MaxAttempts != 10 || exp.Jitter != 0.5 {
		t.Errorf("unexpected exponential policy: %+v", exp)
	}

	if d := Default(); d.MaxAttempts != 3 || d.Initial != 100*time.Millisecond {
		t.Errorf("unexpected default policy: %+v", d)
	}
}
