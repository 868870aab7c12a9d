package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// lockRegistry hands out one lock per aggregate id so unrelated aggregates
// never block each other. Entries are reference counted and dropped when
// nobody holds or waits for them.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*aggregateLock
}

type aggregateLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[uuid.UUID]*aggregateLock)}
}

// Lock blocks until the aggregate's lock is held or ctx is done.
// The returned function releases the lock and must be called exactly once.
func (r *lockRegistry) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &aggregateLock{sem: semaphore.NewWeighted(1)}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		r.release(id, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			r.release(id, l)
		})
	}, nil
}

func (r *lockRegistry) release(id uuid.UUID, l *aggregateLock) {
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, id)
	}
	r.mu.Unlock()
}

// size reports the number of live entries.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
