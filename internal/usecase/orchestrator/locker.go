package orchestrator

import (
	"context"
	"fmt"
	"sync"
)

// InstanceLocker serializes runs per instance. Two messages for the same
// instance never interleave their context appends; different instances
// run in parallel.
type InstanceLocker struct {
	mu    sync.Mutex
	locks map[string]*instanceMutex
}

type instanceMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewInstanceLocker creates an empty locker.
func NewInstanceLocker() *InstanceLocker {
	return &InstanceLocker{locks: make(map[string]*instanceMutex)}
}

// Lock blocks until the instance lock is held or ctx is done. The
// returned unlock func must be called exactly once.
func (l *InstanceLocker) Lock(ctx context.Context, instanceID string) (unlock func(), err error) {
	l.mu.Lock()
	im, ok := l.locks[instanceID]
	if !ok {
		im = &instanceMutex{}
		l.locks[instanceID] = im
	}
	im.refCount++
	l.mu.Unlock()

	release := func() {
		im.mu.Unlock()
		l.mu.Lock()
		im.refCount--
		if im.refCount == 0 {
			delete(l.locks, instanceID)
		}
		l.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		im.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The acquiring goroutine still wins the mutex eventually; hand
		// it straight back.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("instance lock: %w", ctx.Err())
	}
}

// Held returns the number of instances with a held or pending lock.
func (l *InstanceLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
