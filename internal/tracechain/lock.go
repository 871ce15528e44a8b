package tracechain

import (
	"context"
	"sync"
)

// Locker provides per-batch mutual exclusion around the read-latest-then-insert
// sequence of Append. Lock blocks until the batch is free or ctx is done and
// returns a function that releases the lock.
type Locker interface {
	Lock(ctx context.Context, batchID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Batches are locked independently and
// idle entries are dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock implements Locker.
func (m *KeyedMutex) Lock(ctx context.Context, batchID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[batchID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[batchID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(batchID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(batchID, l)
		})
	}, nil
}

func (m *KeyedMutex) release(batchID string, l *keyedLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, batchID)
	}
}

// size returns the number of tracked batches.
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
