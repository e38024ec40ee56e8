package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		lock, ok, err := c.AcquireLock(ctx, "scaling", 30*time.Second)
		if err != nil || !ok {
			t.Fatalf("first acquire: ok=%v err=%v", ok, err)
		}

		_, ok, err = c.AcquireLock(ctx, "scaling", 30*time.Second)
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
		if ok {
			t.Fatal("second acquire should not succeed while held")
		}

		if err := lock.Release(ctx); err != nil {
			t.Fatalf("Release: %v", err)
		}

		_, ok, err = c.AcquireLock(ctx, "scaling", 30*time.Second)
		if err != nil || !ok {
			t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
		}
	})

	t.Run("release after expiry reports not held", func(t *testing.T) {
		lock, ok, err := c.AcquireLock(ctx, "expiring", time.Second)
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}

		mr.FastForward(2 * time.Second)

		if err := lock.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
			t.Errorf("Release = %v, want ErrLockNotHeld", err)
		}
	})

	t.Run("release does not steal foreign lock", func(t *testing.T) {
		lock, ok, err := c.AcquireLock(ctx, "contested", time.Second)
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}

		mr.FastForward(2 * time.Second)

		other, ok, err := c.AcquireLock(ctx, "contested", 30*time.Second)
		if err != nil || !ok {
			t.Fatalf("takeover acquire: ok=%v err=%v", ok, err)
		}

		if err := lock.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
			t.Fatalf("stale Release = %v, want ErrLockNotHeld", err)
		}
		if !mr.Exists(other.Key()) {
			t.Error("takeover lock was deleted by the stale holder")
		}
	})
}

func TestAcquireLockWait(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	held, ok, err := c.AcquireLock(ctx, "busy", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	start := time.Now()
	_, ok, err = c.AcquireLockWait(ctx, "busy", 30*time.Second, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireLockWait: %v", err)
	}
	if ok {
		t.Fatal("wait should have timed out while lock held")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("returned after %v, expected to wait ~300ms", elapsed)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	_, ok, err = c.AcquireLockWait(ctx, "busy", 30*time.Second, 300*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}
