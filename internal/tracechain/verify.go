package tracechain

import "fmt"

// FailureKind distinguishes the two ways a chain can fail verification.
type FailureKind string

const (
	// FailureLinkage means an event's PrevHash does not match its predecessor.
	FailureLinkage FailureKind = "linkage"
	// FailureHashMismatch means an event's content no longer hashes to CurrentHash.
	FailureHashMismatch FailureKind = "hash_mismatch"
)

// Verification is the outcome of walking one batch chain.
type Verification struct {
	Valid           bool        `json:"valid"`
	Message         string      `json:"message"`
	EventCount      int         `json:"event_count"`
	Empty           bool        `json:"empty"`
	BreakingEventID string      `json:"breaking_event_id,omitempty"`
	BreakingIndex   *int        `json:"breaking_index,omitempty"`
	Failure         FailureKind `json:"failure,omitempty"`
}

// VerifyEvents checks events, which must be in chain order. For each event the
// link to its predecessor is checked first, then its content hash, then its
// binding hash; the walk stops at the first failure.
func VerifyEvents(events []*TraceEvent) Verification {
	if len(events) == 0 {
		return Verification{Valid: true, Empty: true, Message: "no events found for batch"}
	}

	for i, e := range events {
		want := GenesisHash
		if i > 0 {
			want = events[i-1].CurrentHash
		}
		if e.PrevHash != want {
			return broken(len(events), i, e, FailureLinkage,
				fmt.Sprintf("event %s at index %d has prev_hash %q, expected %q", e.ID, i, e.PrevHash, want))
		}

		got, err := hashEvent(e)
		if err != nil {
			return broken(len(events), i, e, FailureHashMismatch,
				fmt.Sprintf("event %s at index %d cannot be rehashed: %v", e.ID, i, err))
		}
		if got != e.CurrentHash {
			return broken(len(events), i, e, FailureHashMismatch,
				fmt.Sprintf("event %s at index %d content does not match current_hash", e.ID, i))
		}
		if bindEvent(e) != e.BindingHash {
			return broken(len(events), i, e, FailureHashMismatch,
				fmt.Sprintf("event %s at index %d actor or identity fields do not match binding_hash", e.ID, i))
		}
	}

	return Verification{
		Valid:      true,
		Message:    fmt.Sprintf("chain intact: %d events verified", len(events)),
		EventCount: len(events),
	}
}

func broken(count, index int, e *TraceEvent, kind FailureKind, msg string) Verification {
	return Verification{
		Valid:           false,
		Message:         msg,
		EventCount:      count,
		BreakingEventID: e.ID,
		BreakingIndex:   &index,
		Failure:         kind,
	}
}
