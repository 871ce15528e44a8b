// Package archive exports verified batch histories to object storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// ErrEmptyBatch is returned when archiving a batch with no events.
var ErrEmptyBatch = errors.New("batch has no events")

// Sink stores archive objects.
type Sink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// HistoryReader is the subset of tracechain.Chain the archiver needs.
type HistoryReader interface {
	History(ctx context.Context, batchID string) (*tracechain.History, error)
}

// Snapshot is the archived document.
type Snapshot struct {
	BatchID      string                   `json:"batch_id"`
	Events       []*tracechain.TraceEvent `json:"events"`
	Verification tracechain.Verification  `json:"verification"`
	ArchivedAt   time.Time                `json:"archived_at"`
}

// Receipt describes a completed archive call.
type Receipt struct {
	Key             string                  `json:"key"`
	TipHash         string                  `json:"tip_hash"`
	EventCount      int                     `json:"event_count"`
	AlreadyArchived bool                    `json:"already_archived"`
	Verification    tracechain.Verification `json:"verification"`
}

// Archiver writes one object per (batch, chain tip). Re-archiving an
// unchanged batch is a no-op.
type Archiver struct {
	history HistoryReader
	sink    Sink
	logger  *zap.Logger
	now     func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(history HistoryReader, sink Sink, logger *zap.Logger) *Archiver {
	return &Archiver{history: history, sink: sink, logger: logger, now: time.Now}
}

// Key returns the object key for a batch at the given tip hash.
func Key(batchID, tipHash string) string {
	return "batches/" + url.PathEscape(batchID) + "/" + tipHash + ".json"
}

// Archive snapshots the batch's current history and verification.
func (a *Archiver) Archive(ctx context.Context, batchID string) (*Receipt, error) {
	h, err := a.history.History(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(h.Events) == 0 {
		return nil, ErrEmptyBatch
	}

	tip := h.Events[len(h.Events)-1].CurrentHash
	rcpt := &Receipt{
		Key:          Key(batchID, tip),
		TipHash:      tip,
		EventCount:   len(h.Events),
		Verification: h.Verification,
	}

	exists, err := a.sink.Exists(ctx, rcpt.Key)
	if err != nil {
		return nil, fmt.Errorf("check archive %s: %w", rcpt.Key, err)
	}
	if exists {
		rcpt.AlreadyArchived = true
		return rcpt, nil
	}

	body, err := json.Marshal(Snapshot{
		BatchID:      batchID,
		Events:       h.Events,
		Verification: h.Verification,
		ArchivedAt:   a.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := a.sink.Put(ctx, rcpt.Key, body, "application/json"); err != nil {
		return nil, fmt.Errorf("write archive %s: %w", rcpt.Key, err)
	}

	a.logger.Info("batch archived",
		zap.String("batch_id", batchID),
		zap.String("key", rcpt.Key),
		zap.Int("events", rcpt.EventCount),
		zap.Bool("valid", h.Verification.Valid),
	)
	return rcpt, nil
}
