package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SceneLocks serializes mutations per scene: at most one run holds a scene at
// a time, and later runs queue behind the holder instead of interleaving.
// Locks are in-process; cross-instance exclusivity comes from the run claim
// in the database, this guards the handlers that mutate outside the worker.
type SceneLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]chan struct{}
}

func NewSceneLocks() *SceneLocks {
	return &SceneLocks{locks: make(map[uuid.UUID]chan struct{})}
}

func (l *SceneLocks) get(sceneID uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[sceneID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[sceneID] = ch
	}
	return ch
}

// Acquire blocks until the scene is free or ctx is done. Blocked acquirers
// wake in the order they arrived.
func (l *SceneLocks) Acquire(ctx context.Context, sceneID uuid.UUID) error {
	ch := l.get(sceneID)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock only if the scene is free right now.
func (l *SceneLocks) TryAcquire(sceneID uuid.UUID) error {
	ch := l.get(sceneID)
	select {
	case ch <- struct{}{}:
		return nil
	default:
		return ErrSceneLocked
	}
}

func (l *SceneLocks) Release(sceneID uuid.UUID) {
	ch := l.get(sceneID)
	select {
	case <-ch:
	default:
		// releasing an unheld lock is a no-op
	}
}

// Held reports whether some run currently holds the scene. Advisory only:
// the answer can be stale by the time the caller acts on it, which is why
// cascade deletes re-check with TryAcquire.
func (l *SceneLocks) Held(sceneID uuid.UUID) bool {
	ch := l.get(sceneID)
	return len(ch) > 0
}
