package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	c := NewController(&ControllerConfig{MaxConcurrentScans: 2})

	ctx := context.Background()
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := c.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	if c.TryAcquire() {
		t.Error("TryAcquire should fail at capacity")
	}

	c.Release()
	if !c.TryAcquire() {
		t.Error("TryAcquire should succeed after Release")
	}

	status := c.Status()
	if status.ActiveScans != 2 {
		t.Errorf("ActiveScans = %d, want 2", status.ActiveScans)
	}
	if status.MaxScans != 2 {
		t.Errorf("MaxScans = %d, want 2", status.MaxScans)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	c := NewController(&ControllerConfig{MaxConcurrentScans: 1})

	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var acquired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Acquire(context.Background()); err == nil {
			acquired.Store(true)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if acquired.Load() {
		t.Fatal("second Acquire returned before Release")
	}

	c.Release()
	wg.Wait()
	if !acquired.Load() {
		t.Error("second Acquire should succeed after Release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	c := NewController(&ControllerConfig{MaxConcurrentScans: 1})
	if err := c.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Acquire(ctx); err == nil {
		t.Error("Acquire should fail when context expires while blocked")
	}

	if got := c.Status().RejectedScans; got != 1 {
		t.Errorf("RejectedScans = %d, want 1", got)
	}
}

func TestThrottleBlocksAdmission(t *testing.T) {
	c := NewController(&ControllerConfig{MaxConcurrentScans: 4})
	c.throttled = true
	c.throttledAt = time.Now()
	c.throttleReason = "memory 90.0% >= 85.0%"

	if c.TryAcquire() {
		t.Error("TryAcquire should fail while throttled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Acquire(ctx); err == nil {
		t.Error("Acquire should block while throttled")
	}
}

func TestStartStop(t *testing.T) {
	c := NewController(nil)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	if m := c.Metrics(); m.NumCPU <= 0 {
		t.Errorf("Metrics().NumCPU = %d, want > 0", m.NumCPU)
	}

	c.Stop()
	c.Stop() // idempotent
}
