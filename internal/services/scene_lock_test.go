package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTryAcquireExclusive(t *testing.T) {
	locks := NewSceneLocks()
	sceneID := uuid.New()

	if err := locks.TryAcquire(sceneID); err != nil {
		t.Fatalf("first TryAcquire: %v", err)
	}
	if err := locks.TryAcquire(sceneID); !errors.Is(err, ErrSceneLocked) {
		t.Fatalf("second TryAcquire err = %v, want ErrSceneLocked", err)
	}
	locks.Release(sceneID)
	if err := locks.TryAcquire(sceneID); err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
}

func TestAcquireQueuesBehindHolder(t *testing.T) {
	locks := NewSceneLocks()
	sceneID := uuid.New()

	if err := locks.Acquire(context.Background(), sceneID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := locks.Acquire(context.Background(), sceneID); err != nil {
			t.Errorf("queued Acquire: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("second Acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	locks.Release(sceneID)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("queued Acquire never woke after release")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	locks := NewSceneLocks()
	sceneID := uuid.New()
	if err := locks.TryAcquire(sceneID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := locks.Acquire(ctx, sceneID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire err = %v, want DeadlineExceeded", err)
	}
}

func TestAtMostOneHolder(t *testing.T) {
	locks := NewSceneLocks()
	sceneID := uuid.New()

	var holders int32
	var maxHolders int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := locks.Acquire(context.Background(), sceneID); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				cur := atomic.AddInt32(&holders, 1)
				for {
					prev := atomic.LoadInt32(&maxHolders)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxHolders, prev, cur) {
						break
					}
				}
				atomic.AddInt32(&holders, -1)
				locks.Release(sceneID)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&maxHolders); max != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", max)
	}
}

func TestHeldReflectsState(t *testing.T) {
	locks := NewSceneLocks()
	sceneID := uuid.New()

	if locks.Held(sceneID) {
		t.Fatalf("Held on fresh lock = true")
	}
	if err := locks.TryAcquire(sceneID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !locks.Held(sceneID) {
		t.Fatalf("Held after acquire = false")
	}
	locks.Release(sceneID)
	if locks.Held(sceneID) {
		t.Fatalf("Held after release = true")
	}
}
