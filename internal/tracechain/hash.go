package tracechain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// TimestampLayout is the ISO-8601 form hashed for event timestamps.
// Microsecond precision matches what every Store round-trips exactly.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// NormalizeTimestamp returns t in UTC truncated to microseconds.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// FormatTimestamp renders t the way it is fed into ComputeHash.
func FormatTimestamp(t time.Time) string {
	return NormalizeTimestamp(t).Format(TimestampLayout)
}

// CanonicalData returns the RFC 8785 (JCS) encoding of eventData: object keys
// sorted, no HTML escaping, canonical number form. Recomputing a hash from a
// stored event depends on this encoding being stable across round-trips.
func CanonicalData(eventData map[string]any) ([]byte, error) {
	if eventData == nil {
		eventData = map[string]any{}
	}
	raw, err := json.Marshal(eventData)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event data: %w", err)
	}
	return canonical, nil
}

// ComputeHash returns the lowercase hex SHA-256 over
// batchID|eventType|canonical(eventData)|timestamp|prevHash.
func ComputeHash(batchID string, eventType EventType, eventData map[string]any, timestamp time.Time, prevHash string) (string, error) {
	canonical, err := CanonicalData(eventData)
	if err != nil {
		return "", err
	}
	return hashCanonical(batchID, eventType, canonical, timestamp, prevHash), nil
}

func hashCanonical(batchID string, eventType EventType, canonical []byte, timestamp time.Time, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		batchID, eventType, canonical, FormatTimestamp(timestamp), prevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeBindingHash returns the lowercase hex SHA-256 over
// currentHash|id|seq|actorID|actorRole. It covers the fields ComputeHash
// leaves out, so rewriting who recorded an event is detected as well.
func ComputeBindingHash(currentHash, id string, seq int64, actorID string, actorRole ActorRole) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s", currentHash, id, seq, actorID, actorRole)
	return hex.EncodeToString(h.Sum(nil))
}

func bindEvent(e *TraceEvent) string {
	return ComputeBindingHash(e.CurrentHash, e.ID, e.Seq, e.ActorID, e.ActorRole)
}

// hashEvent recomputes the digest of a stored event from its own fields.
func hashEvent(e *TraceEvent) (string, error) {
	return ComputeHash(e.BatchID, e.EventType, e.EventData, e.Timestamp, e.PrevHash)
}
