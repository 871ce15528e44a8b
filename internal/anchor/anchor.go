// Package anchor submits commitments of milestone trace events to an external
// ledger and reconciles the outcome back onto the stored event.
//
// Anchoring is best-effort. The local chain in tracechain is authoritative and
// nothing in this package can fail or delay an append.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// ErrDisabled is returned by constructors when anchoring cannot be enabled.
var ErrDisabled = errors.New("anchoring disabled")

// Result is the uniform outcome of one submission, whatever the ledger.
type Result struct {
	Success bool
	TxHash  string
	Err     error
}

// Record is one anchor entry as reported by the external ledger.
type Record struct {
	BatchID    string               `json:"batch_id"`
	EventType  tracechain.EventType `json:"event_type"`
	Commitment string               `json:"commitment"`
	TxHash     string               `json:"tx_hash"`
	AnchoredAt time.Time            `json:"anchored_at"`
}

// Ledger is the external anchoring service.
type Ledger interface {
	// Submit writes a commitment and waits for confirmation.
	Submit(ctx context.Context, batchID string, eventType tracechain.EventType, commitment string) Result

	// Records lists the anchors stored for a batch.
	Records(ctx context.Context, batchID string) ([]Record, error)

	// Ping checks that the ledger is reachable.
	Ping(ctx context.Context) error
}

var milestones = map[tracechain.EventType]struct{}{
	tracechain.EventHarvested:           {},
	tracechain.EventProcuredByProcessor: {},
	tracechain.EventProcessed:           {},
	tracechain.EventPacked:              {},
}

// IsMilestone reports whether events of type t are anchored externally.
func IsMilestone(t tracechain.EventType) bool {
	_, ok := milestones[t]
	return ok
}

// CommitmentHash returns hex(sha256(canonical(eventData)|currentHash)), the
// fixed-size value submitted to the ledger in place of the event payload.
func CommitmentHash(eventData map[string]any, currentHash string) (string, error) {
	canonical, err := tracechain.CanonicalData(eventData)
	if err != nil {
		return "", fmt.Errorf("commitment: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", canonical, currentHash)
	return hex.EncodeToString(h.Sum(nil)), nil
}
