package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCooldownWindow(t *testing.T) {
	c := NewCooldown(6*time.Second, 10)
	t0 := time.Now()

	if _, ok := c.Allow(1, "mid", t0); !ok {
		t.Fatalf("first attempt throttled")
	}
	wait, ok := c.Allow(1, "mid", t0.Add(time.Second))
	if ok || wait != 5*time.Second {
		t.Fatalf("expected 5s wait, got %s ok=%v", wait, ok)
	}
	if _, ok := c.Allow(2, "mid", t0.Add(time.Second)); !ok {
		t.Fatalf("other user throttled")
	}
	if _, ok := c.Allow(1, "mid", t0.Add(6*time.Second)); !ok {
		t.Fatalf("attempt after window throttled")
	}
}

func TestCooldownEvictsOldest(t *testing.T) {
	c := NewCooldown(time.Minute, 2)
	now := time.Now()
	c.Allow(1, "low", now)
	c.Allow(2, "low", now)
	c.Allow(3, "low", now)

	if c.Len() != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", c.Len())
	}
	if _, ok := c.Allow(1, "low", now); !ok {
		t.Fatalf("evicted key still throttled")
	}
	if _, ok := c.Allow(3, "low", now); ok {
		t.Fatalf("recent key not throttled")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("clear left %d keys", c.Len())
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	transient := errors.New("transient")
	permanent := errors.New("permanent")

	calls := 0
	err := withRetry(context.Background(), 5, time.Millisecond, func(err error) bool { return errors.Is(err, transient) }, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 3 {
		t.Fatalf("got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = withRetry(context.Background(), 2, time.Millisecond, nil, func(context.Context) error {
		calls++
		return transient
	})
	if !errors.Is(err, transient) || calls != 3 {
		t.Fatalf("exhausted: err=%v calls=%d", err, calls)
	}
}

func TestErrorMatchesByKind(t *testing.T) {
	err := error(&Error{Kind: KindCapacityExceeded, Remaining: 2, PoolID: 4})
	if !errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrThrottled) {
		t.Fatalf("kind matching broken")
	}
	if KindOf(err) != KindCapacityExceeded {
		t.Fatalf("kind of: %q", KindOf(err))
	}
	if got := err.Error(); got != "capacity exceeded: 2 spots remaining (pool 4)" {
		t.Fatalf("message: %q", got)
	}
}
