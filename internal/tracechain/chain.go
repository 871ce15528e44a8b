package tracechain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/jmerrifield20/agritrace/internal/tracechain")

const markPendingTimeout = 5 * time.Second

// PayloadValidator applies event-type specific checks to eventData before
// anything is hashed or stored. A rejection should be a *ValidationError.
type PayloadValidator interface {
	ValidatePayload(eventType EventType, data map[string]any) error
}

// AnchorScheduler receives milestone events after they are stored.
//
// MarkPending runs while the batch lock is held and must only touch the local
// store. Dispatch runs after the lock is released and must not block.
type AnchorScheduler interface {
	IsMilestone(t EventType) bool
	MarkPending(ctx context.Context, e *TraceEvent) error
	Dispatch(e *TraceEvent)
}

// History is a batch's ordered events together with the verification of
// exactly that list.
type History struct {
	Events       []*TraceEvent `json:"events"`
	Verification Verification  `json:"verification"`
}

// Chain is the append/verify engine over a Store.
type Chain struct {
	store     Store
	locker    Locker
	anchor    AnchorScheduler
	validator PayloadValidator
	onBroken  func(batchID string, v Verification)
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithLocker replaces the default in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(c *Chain) { c.locker = l }
}

// WithAnchorScheduler enables anchoring of milestone events. Without it every
// event stays NONE.
func WithAnchorScheduler(a AnchorScheduler) Option {
	return func(c *Chain) { c.anchor = a }
}

// WithPayloadValidator installs per-event-type payload rules.
func WithPayloadValidator(v PayloadValidator) Option {
	return func(c *Chain) { c.validator = v }
}

// WithViolationHook calls fn whenever Verify or History finds a broken
// chain. fn runs synchronously and must not block.
func WithViolationHook(fn func(batchID string, v Verification)) Option {
	return func(c *Chain) { c.onBroken = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// NewChain creates a Chain backed by store.
func NewChain(store Store, logger *zap.Logger, opts ...Option) *Chain {
	c := &Chain{
		store:  store,
		locker: NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AnchoringEnabled reports whether milestone events are scheduled for anchoring.
func (c *Chain) AnchoringEnabled() bool { return c.anchor != nil }

// Append validates req, links it to the batch's latest event and stores it.
// Milestone events are marked PENDING before Append returns; the external
// submission happens afterwards and never affects the returned error.
func (c *Chain) Append(ctx context.Context, req AppendRequest) (*TraceEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.validator != nil {
		if err := c.validator.ValidatePayload(req.EventType, req.EventData); err != nil {
			return nil, err
		}
	}
	canonical, err := CanonicalData(req.EventData)
	if err != nil {
		return nil, &ValidationError{Field: "event_data", Reason: err.Error()}
	}

	ctx, span := tracer.Start(ctx, "tracechain.Append", trace.WithAttributes(
		attribute.String("batch_id", req.BatchID),
		attribute.String("event_type", string(req.EventType)),
	))
	defer span.End()

	unlock, err := c.locker.Lock(ctx, req.BatchID)
	if err != nil {
		span.SetStatus(codes.Error, "lock batch")
		return nil, &StorageError{Op: "lock batch", Err: err}
	}

	ev, err := c.appendLocked(ctx, req, canonical)
	dispatch := false
	if err == nil && c.anchor != nil && c.anchor.IsMilestone(ev.EventType) {
		// The event is committed at this point, so a caller that goes away
		// must not leave a milestone stuck at NONE.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markPendingTimeout)
		perr := c.anchor.MarkPending(pctx, ev)
		cancel()
		if perr != nil {
			// The event is stored; it simply stays NONE.
			c.logger.Warn("mark event pending",
				zap.String("batch_id", ev.BatchID),
				zap.String("event_id", ev.ID),
				zap.Error(perr),
			)
		} else {
			ev.OnChainStatus = AnchorPending
			dispatch = true
		}
	}
	unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("seq", ev.Seq), attribute.String("current_hash", ev.CurrentHash))

	if dispatch {
		c.anchor.Dispatch(ev.Clone())
	}
	return ev, nil
}

func (c *Chain) appendLocked(ctx context.Context, req AppendRequest, canonical []byte) (*TraceEvent, error) {
	latest, err := c.store.Latest(ctx, req.BatchID)
	if err != nil {
		return nil, &StorageError{Op: "read latest event", Err: err}
	}

	prevHash := GenesisHash
	seq := int64(0)
	ts := NormalizeTimestamp(c.now())
	if latest != nil {
		prevHash = latest.CurrentHash
		seq = latest.Seq + 1
		// Keep the chain ordered even if the wall clock steps backwards.
		if ts.Before(latest.Timestamp) {
			ts = latest.Timestamp
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	ev := &TraceEvent{
		ID:            id.String(),
		BatchID:       req.BatchID,
		Seq:           seq,
		ActorID:       req.ActorID,
		ActorRole:     req.ActorRole,
		EventType:     req.EventType,
		EventData:     req.EventData,
		Timestamp:     ts,
		PrevHash:      prevHash,
		OnChainStatus: AnchorNone,
	}
	ev.CurrentHash = hashCanonical(ev.BatchID, ev.EventType, canonical, ev.Timestamp, ev.PrevHash)
	ev.BindingHash = bindEvent(ev)

	if err := c.store.Insert(ctx, ev); err != nil {
		return nil, &StorageError{Op: "insert event", Err: err}
	}
	return ev.Clone(), nil
}

// Get returns a single event by id.
func (c *Chain) Get(ctx context.Context, id string) (*TraceEvent, error) {
	ev, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &StorageError{Op: "get event", Err: err}
	}
	return ev, nil
}

// Verify walks the batch's stored chain. An unknown batch is valid with zero
// events; integrity failures are reported in the result, not as errors.
func (c *Chain) Verify(ctx context.Context, batchID string) (Verification, error) {
	ctx, span := tracer.Start(ctx, "tracechain.Verify", trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	events, err := c.store.List(ctx, batchID)
	if err != nil {
		return Verification{}, &StorageError{Op: "list events", Err: err}
	}
	v := VerifyEvents(events)
	c.logVerification(batchID, v)
	span.SetAttributes(attribute.Bool("valid", v.Valid), attribute.Int("event_count", v.EventCount))
	return v, nil
}

// History returns the batch's events in chain order and the verification of
// that same list.
func (c *Chain) History(ctx context.Context, batchID string) (*History, error) {
	ctx, span := tracer.Start(ctx, "tracechain.History", trace.WithAttributes(attribute.String("batch_id", batchID)))
	defer span.End()

	events, err := c.store.List(ctx, batchID)
	if err != nil {
		return nil, &StorageError{Op: "list events", Err: err}
	}
	v := VerifyEvents(events)
	c.logVerification(batchID, v)
	return &History{Events: events, Verification: v}, nil
}

func (c *Chain) logVerification(batchID string, v Verification) {
	if v.Valid {
		return
	}
	c.logger.Warn("batch chain integrity violation",
		zap.String("batch_id", batchID),
		zap.String("failure", string(v.Failure)),
		zap.String("event_id", v.BreakingEventID),
		zap.String("message", v.Message),
	)
	if c.onBroken != nil {
		c.onBroken(batchID, v)
	}
}
