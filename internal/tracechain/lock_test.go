package tracechain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_serialisesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "B1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside)
	}
	if m.size() != 0 {
		t.Errorf("idle entries not released: %d", m.size())
	}
}

func TestKeyedMutex_differentKeysIndependent(t *testing.T) {
	m := NewKeyedMutex()
	unlockA, err := m.Lock(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := m.Lock(ctx, "B")
	if err != nil {
		t.Fatalf("lock on another key blocked: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_contextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "B1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "B1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if m.size() != 0 {
		t.Errorf("expected no tracked keys, got %d", m.size())
	}
}
