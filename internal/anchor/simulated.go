package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// SimulatedLedger is an in-process Ledger for demos and tests. Each accepted
// commitment gets a deterministic pseudo transaction hash.
type SimulatedLedger struct {
	latency time.Duration

	mu      sync.Mutex
	records map[string][]Record
	nonce   uint64
	failErr error
}

// NewSimulatedLedger creates a SimulatedLedger that waits latency before
// confirming each submission.
func NewSimulatedLedger(latency time.Duration) *SimulatedLedger {
	return &SimulatedLedger{
		latency: latency,
		records: make(map[string][]Record),
	}
}

// SetFailing makes every Submit fail with err until called with nil.
func (s *SimulatedLedger) SetFailing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Submit implements Ledger.
func (s *SimulatedLedger) Submit(ctx context.Context, batchID string, eventType tracechain.EventType, commitment string) Result {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return Result{Err: s.failErr}
	}
	s.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", commitment, s.nonce)))
	tx := "0x" + hex.EncodeToString(sum[:])
	s.records[batchID] = append(s.records[batchID], Record{
		BatchID:    batchID,
		EventType:  eventType,
		Commitment: commitment,
		TxHash:     tx,
		AnchoredAt: time.Now().UTC(),
	})
	return Result{Success: true, TxHash: tx}
}

// Records implements Ledger.
func (s *SimulatedLedger) Records(_ context.Context, batchID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records[batchID]))
	copy(out, s.records[batchID])
	return out, nil
}

// Ping implements Ledger.
func (s *SimulatedLedger) Ping(context.Context) error { return nil }
