package tracechain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*TraceEvent
	byBatch map[string][]*TraceEvent
	hashes  map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*TraceEvent),
		byBatch: make(map[string][]*TraceEvent),
		hashes:  make(map[string]struct{}),
	}
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, batchID string) (*TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byBatch[batchID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, batchID string) ([]*TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byBatch[batchID]
	out := make([]*TraceEvent, 0, len(chain))
	for _, e := range chain {
		out = append(out, e.Clone())
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e *TraceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.hashes[e.CurrentHash]; dup {
		return ErrDuplicateHash
	}
	if _, dup := s.byID[e.ID]; dup {
		return fmt.Errorf("event id %s already exists", e.ID)
	}
	for _, existing := range s.byBatch[e.BatchID] {
		if existing.Seq == e.Seq {
			return ErrChainConflict
		}
	}

	cp := e.Clone()
	s.byID[cp.ID] = cp
	s.hashes[cp.CurrentHash] = struct{}{}

	chain := append(s.byBatch[cp.BatchID], cp)
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].Timestamp.Equal(chain[j].Timestamp) {
			return chain[i].Seq < chain[j].Seq
		}
		return chain[i].Timestamp.Before(chain[j].Timestamp)
	})
	s.byBatch[cp.BatchID] = chain
	return nil
}

// UpdateAnchorStatus implements Store.
func (s *MemoryStore) UpdateAnchorStatus(_ context.Context, id string, status AnchorStatus, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(e.OnChainStatus, e.TxHash, status, txHash); err != nil {
		return err
	}
	e.OnChainStatus = status
	e.TxHash = txHash
	return nil
}

// ListPending implements Store.
func (s *MemoryStore) ListPending(_ context.Context, cutoff time.Time, limit int) ([]*TraceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TraceEvent
	for _, e := range s.byID {
		if e.OnChainStatus == AnchorPending && e.Timestamp.Before(cutoff) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// checkTransition validates an anchor status update against the current state.
// A repeated SUCCESS must carry the same tx hash; PENDING and FAILED carry none.
func checkTransition(cur AnchorStatus, curTx string, next AnchorStatus, nextTx string) error {
	if !cur.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	if cur == AnchorSuccess && next == AnchorSuccess && curTx != nextTx {
		return fmt.Errorf("%w: tx hash already recorded as %s", ErrInvalidTransition, curTx)
	}
	if next == AnchorSuccess && nextTx == "" {
		return fmt.Errorf("%w: SUCCESS requires a tx hash", ErrInvalidTransition)
	}
	return nil
}
