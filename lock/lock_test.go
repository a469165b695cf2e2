package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/lock"
)

func TestMemory_ExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	m := lock.NewMemory(clk)

	l1, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", time.Minute); !errors.Is(err, tenantflow.ErrLockHeld) {
		t.Fatalf("second Acquire err = %v, want ErrLockHeld", err)
	}

	clk.Advance(2 * time.Minute)
	l2, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	if err := l1.Extend(ctx, time.Minute); !errors.Is(err, tenantflow.ErrLockLost) {
		t.Errorf("Extend on lost lease err = %v, want ErrLockLost", err)
	}
	// Releasing the lost lease must not drop the new owner's lease.
	if err := l1.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !m.Held("k") {
		t.Error("stale release freed the current lease")
	}
	if err := l2.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if m.Held("k") {
		t.Error("lease still held after release")
	}
}

func TestMemory_ConcurrentAcquireSingleWinner(t *testing.T) {
	m := lock.NewMemory(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(context.Background(), lock.StepKey("step_1"), time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}
