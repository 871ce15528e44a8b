package tracechain

import (
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first event in every batch chain.
const GenesisHash = "GENESIS"

// EventType is the supply-chain lifecycle stage an event records.
type EventType string

const (
	EventPlanted             EventType = "PLANTED"
	EventHarvested           EventType = "HARVESTED"
	EventProcuredByProcessor EventType = "PROCURED_BY_PROCESSOR"
	EventProcessed           EventType = "PROCESSED"
	EventPacked              EventType = "PACKED"
	EventShipped             EventType = "SHIPPED"
	EventDelivered           EventType = "DELIVERED"
	EventQualityCheck        EventType = "QUALITY_CHECK"
	EventStored              EventType = "STORED"
)

var eventTypes = map[EventType]struct{}{
	EventPlanted:             {},
	EventHarvested:           {},
	EventProcuredByProcessor: {},
	EventProcessed:           {},
	EventPacked:              {},
	EventShipped:             {},
	EventDelivered:           {},
	EventQualityCheck:        {},
	EventStored:              {},
}

// Valid reports whether t is one of the enumerated lifecycle stages.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// ActorRole is the role of the party producing an event.
type ActorRole string

const (
	RoleGrower          ActorRole = "GROWER"
	RoleAggregator      ActorRole = "AGGREGATOR"
	RoleProcessor       ActorRole = "PROCESSOR"
	RoleDistributor     ActorRole = "DISTRIBUTOR"
	RoleRetailer        ActorRole = "RETAILER"
	RoleStorageOperator ActorRole = "STORAGE_OPERATOR"
)

var actorRoles = map[ActorRole]struct{}{
	RoleGrower:          {},
	RoleAggregator:      {},
	RoleProcessor:       {},
	RoleDistributor:     {},
	RoleRetailer:        {},
	RoleStorageOperator: {},
}

// Valid reports whether r is one of the enumerated actor roles.
func (r ActorRole) Valid() bool {
	_, ok := actorRoles[r]
	return ok
}

// AnchorStatus records whether and how an event is anchored externally.
type AnchorStatus string

const (
	AnchorNone    AnchorStatus = "NONE"
	AnchorPending AnchorStatus = "PENDING"
	AnchorSuccess AnchorStatus = "SUCCESS"
	AnchorFailed  AnchorStatus = "FAILED"
)

// CanTransition reports whether an event may move from s to next.
// Rewriting the current state is allowed so status updates are idempotent.
func (s AnchorStatus) CanTransition(next AnchorStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case AnchorNone:
		return next == AnchorPending
	case AnchorPending:
		return next == AnchorSuccess || next == AnchorFailed
	}
	return false
}

// TraceEvent is a single immutable record in a batch chain. Only
// OnChainStatus and TxHash change after the event is stored.
type TraceEvent struct {
	ID            string         `json:"id"`
	BatchID       string         `json:"batch_id"`
	Seq           int64          `json:"seq"`
	ActorID       string         `json:"actor_id"`
	ActorRole     ActorRole      `json:"actor_role"`
	EventType     EventType      `json:"event_type"`
	EventData     map[string]any `json:"event_data"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      string         `json:"prev_hash"`
	CurrentHash   string         `json:"current_hash"`
	BindingHash   string         `json:"binding_hash"`
	OnChainStatus AnchorStatus   `json:"on_chain_status"`
	TxHash        string         `json:"tx_hash,omitempty"`
}

// Clone returns a deep-enough copy for stores that hand out events by value.
// EventData is copied at the top level; nested values are shared.
func (e *TraceEvent) Clone() *TraceEvent {
	cp := *e
	if e.EventData != nil {
		cp.EventData = make(map[string]any, len(e.EventData))
		for k, v := range e.EventData {
			cp.EventData[k] = v
		}
	}
	return &cp
}

// AppendRequest carries the caller-supplied fields of a new event.
type AppendRequest struct {
	BatchID   string         `json:"batch_id"`
	ActorID   string         `json:"actor_id"`
	ActorRole ActorRole      `json:"actor_role"`
	EventType EventType      `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

// Validate checks that every field is present and enumerated values are known.
func (r *AppendRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.BatchID) == "":
		return &ValidationError{Field: "batch_id", Reason: "is required"}
	case strings.TrimSpace(r.ActorID) == "":
		return &ValidationError{Field: "actor_id", Reason: "is required"}
	case r.ActorRole == "":
		return &ValidationError{Field: "actor_role", Reason: "is required"}
	case !r.ActorRole.Valid():
		return &ValidationError{Field: "actor_role", Reason: "unknown role " + string(r.ActorRole)}
	case r.EventType == "":
		return &ValidationError{Field: "event_type", Reason: "is required"}
	case !r.EventType.Valid():
		return &ValidationError{Field: "event_type", Reason: "unknown event type " + string(r.EventType)}
	case r.EventData == nil:
		return &ValidationError{Field: "event_data", Reason: "is required"}
	}
	return nil
}
