package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

var ctx = context.Background()

type fakeLedger struct {
	mu         sync.Mutex
	submits    int
	block      chan struct{}
	submitErr  error
	records    []Record
	recordsErr error
	recordsHit int
}

func (f *fakeLedger) Submit(ctx context.Context, batchID string, eventType tracechain.EventType, commitment string) Result {
	f.mu.Lock()
	f.submits++
	block, err := f.block, f.submitErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		}
	}
	if err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, TxHash: "0x" + commitment[:16]}
}

func (f *fakeLedger) Records(context.Context, string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordsHit++
	return f.records, f.recordsErr
}

func (f *fakeLedger) Ping(context.Context) error { return nil }

func (f *fakeLedger) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type harness struct {
	store *tracechain.MemoryStore
	chain *tracechain.Chain
	coord *Coordinator
}

func newHarness(t *testing.T, ledger Ledger, cfg Config) *harness {
	t.Helper()
	store := tracechain.NewMemoryStore()
	coord := NewCoordinator(ledger, store, cfg, zap.NewNop())
	t.Cleanup(coord.Close)
	chain := tracechain.NewChain(store, zap.NewNop(), tracechain.WithAnchorScheduler(coord))
	return &harness{store: store, chain: chain, coord: coord}
}

func (h *harness) append(t *testing.T, typ tracechain.EventType, data map[string]any) *tracechain.TraceEvent {
	t.Helper()
	ev, err := h.chain.Append(ctx, tracechain.AppendRequest{
		BatchID:   "B1",
		ActorID:   "coop-12",
		ActorRole: tracechain.RoleAggregator,
		EventType: typ,
		EventData: data,
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) waitStatus(t *testing.T, id string, want tracechain.AnchorStatus) *tracechain.TraceEvent {
	t.Helper()
	var got *tracechain.TraceEvent
	require.Eventually(t, func() bool {
		e, err := h.store.Get(ctx, id)
		if err != nil {
			return false
		}
		got = e
		return e.OnChainStatus == want
	}, 2*time.Second, 5*time.Millisecond, "event %s never reached %s", id, want)
	return got
}

func TestCoordinator_milestoneAnchored(t *testing.T) {
	ledger := NewSimulatedLedger(0)
	h := newHarness(t, ledger, Config{})

	var outcomes []tracechain.AnchorStatus
	var mu sync.Mutex
	h.coord.SetOutcomeFunc(func(_ *tracechain.TraceEvent, s tracechain.AnchorStatus, _ string) {
		mu.Lock()
		outcomes = append(outcomes, s)
		mu.Unlock()
	})

	planted := h.append(t, tracechain.EventPlanted, map[string]any{"acres": 4})
	harvested := h.append(t, tracechain.EventHarvested, map[string]any{"quantity_kg": 800})

	assert.Equal(t, tracechain.AnchorNone, planted.OnChainStatus)
	assert.Equal(t, tracechain.AnchorPending, harvested.OnChainStatus)

	done := h.waitStatus(t, harvested.ID, tracechain.AnchorSuccess)
	assert.NotEmpty(t, done.TxHash)

	recs := h.coord.Records(ctx, "B1")
	require.Len(t, recs, 1)
	want, err := CommitmentHash(harvested.EventData, harvested.CurrentHash)
	require.NoError(t, err)
	assert.Equal(t, want, recs[0].Commitment)
	assert.Equal(t, done.TxHash, recs[0].TxHash)

	mu.Lock()
	assert.Equal(t, []tracechain.AnchorStatus{tracechain.AnchorSuccess}, outcomes)
	mu.Unlock()

	// The planted event is never touched.
	p, err := h.store.Get(ctx, planted.ID)
	require.NoError(t, err)
	assert.Equal(t, tracechain.AnchorNone, p.OnChainStatus)
}

func TestCoordinator_ledgerErrorMarksFailed(t *testing.T) {
	ledger := &fakeLedger{submitErr: errors.New("contract reverted")}
	h := newHarness(t, ledger, Config{})

	ev := h.append(t, tracechain.EventPacked, map[string]any{"boxes": 40})
	done := h.waitStatus(t, ev.ID, tracechain.AnchorFailed)
	assert.Empty(t, done.TxHash)

	v, err := h.chain.Verify(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, v.Valid, "anchor failure must not affect the chain")
}

func TestCoordinator_submitTimeoutMarksFailed(t *testing.T) {
	ledger := &fakeLedger{block: make(chan struct{})}
	h := newHarness(t, ledger, Config{SubmitTimeout: 20 * time.Millisecond})

	ev := h.append(t, tracechain.EventProcessed, map[string]any{})
	h.waitStatus(t, ev.ID, tracechain.AnchorFailed)
}

func TestCoordinator_queueFullLeavesPending(t *testing.T) {
	block := make(chan struct{})
	ledger := &fakeLedger{block: block}
	h := newHarness(t, ledger, Config{Workers: 1, QueueSize: 1, SubmitTimeout: time.Minute})

	first := h.append(t, tracechain.EventHarvested, map[string]any{"n": 1})
	require.Eventually(t, func() bool { return ledger.submitCount() == 1 }, time.Second, time.Millisecond)
	second := h.append(t, tracechain.EventHarvested, map[string]any{"n": 2}) // fills the queue
	third := h.append(t, tracechain.EventHarvested, map[string]any{"n": 3})  // dropped

	close(block)
	h.waitStatus(t, first.ID, tracechain.AnchorSuccess)
	h.waitStatus(t, second.ID, tracechain.AnchorSuccess)

	e, err := h.store.Get(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, tracechain.AnchorPending, e.OnChainStatus)
	assert.Equal(t, 2, ledger.submitCount())
}

func TestCoordinator_dispatchDeduplicatesInflight(t *testing.T) {
	block := make(chan struct{})
	ledger := &fakeLedger{block: block}
	h := newHarness(t, ledger, Config{Workers: 2, SubmitTimeout: time.Minute})

	ev := h.append(t, tracechain.EventHarvested, map[string]any{})
	h.coord.Dispatch(ev)
	h.coord.Dispatch(ev)

	close(block)
	h.waitStatus(t, ev.ID, tracechain.AnchorSuccess)
	assert.Equal(t, 1, ledger.submitCount())
}

func TestCoordinator_recordsCachedAndDegrade(t *testing.T) {
	ledger := &fakeLedger{records: []Record{{BatchID: "B1", TxHash: "0x1"}}}
	h := newHarness(t, ledger, Config{RecordsCacheTTL: time.Minute})

	assert.Len(t, h.coord.Records(ctx, "B1"), 1)
	assert.Len(t, h.coord.Records(ctx, "B1"), 1)
	assert.Equal(t, 1, ledger.recordsHit, "second read should be served from cache")

	ledger.mu.Lock()
	ledger.recordsErr = errors.New("connection refused")
	ledger.mu.Unlock()
	recs := h.coord.Records(ctx, "B2")
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestCoordinator_reconcile(t *testing.T) {
	ledger := &fakeLedger{block: make(chan struct{})}
	h := newHarness(t, ledger, Config{Workers: 1, QueueSize: 1, SubmitTimeout: 10 * time.Millisecond, StaleAfter: time.Minute})

	// Two events stuck in PENDING, as after a crash between PENDING and confirmation.
	landed := &tracechain.TraceEvent{
		ID: "landed", BatchID: "B1", Seq: 0, ActorID: "a", ActorRole: tracechain.RoleProcessor,
		EventType: tracechain.EventProcessed, EventData: map[string]any{"k": 1},
		Timestamp: time.Now().Add(-time.Hour), PrevHash: tracechain.GenesisHash, CurrentHash: "h-landed",
		OnChainStatus: tracechain.AnchorNone,
	}
	lost := &tracechain.TraceEvent{
		ID: "lost", BatchID: "B1", Seq: 1, ActorID: "a", ActorRole: tracechain.RoleProcessor,
		EventType: tracechain.EventPacked, EventData: map[string]any{"k": 2},
		Timestamp: time.Now().Add(-time.Hour), PrevHash: "h-landed", CurrentHash: "h-lost",
		OnChainStatus: tracechain.AnchorNone,
	}
	fresh := &tracechain.TraceEvent{
		ID: "fresh", BatchID: "B1", Seq: 2, ActorID: "a", ActorRole: tracechain.RoleProcessor,
		EventType: tracechain.EventPacked, EventData: map[string]any{"k": 3},
		Timestamp: time.Now(), PrevHash: "h-lost", CurrentHash: "h-fresh",
		OnChainStatus: tracechain.AnchorNone,
	}
	for _, e := range []*tracechain.TraceEvent{landed, lost, fresh} {
		require.NoError(t, h.store.Insert(ctx, e))
		require.NoError(t, h.store.UpdateAnchorStatus(ctx, e.ID, tracechain.AnchorPending, ""))
	}

	commitment, err := CommitmentHash(landed.EventData, landed.CurrentHash)
	require.NoError(t, err)
	ledger.mu.Lock()
	ledger.records = []Record{{BatchID: "B1", Commitment: commitment, TxHash: "0xfeed"}}
	ledger.block = nil
	ledger.mu.Unlock()

	resolved, err := h.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got := h.waitStatus(t, "landed", tracechain.AnchorSuccess)
	assert.Equal(t, "0xfeed", got.TxHash)

	// The lost submission was re-dispatched.
	h.waitStatus(t, "lost", tracechain.AnchorSuccess)
	assert.Equal(t, 1, ledger.submitCount())

	// Not yet stale.
	f, err := h.store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, tracechain.AnchorPending, f.OnChainStatus)
}

func TestCoordinator_reconcileSkipsWhenRecordsUnavailable(t *testing.T) {
	ledger := &fakeLedger{recordsErr: errors.New("timeout")}
	h := newHarness(t, ledger, Config{StaleAfter: time.Minute})

	e := &tracechain.TraceEvent{
		ID: "e", BatchID: "B1", ActorID: "a", ActorRole: tracechain.RoleProcessor,
		EventType: tracechain.EventPacked, EventData: map[string]any{},
		Timestamp: time.Now().Add(-time.Hour), PrevHash: tracechain.GenesisHash, CurrentHash: "h",
		OnChainStatus: tracechain.AnchorNone,
	}
	require.NoError(t, h.store.Insert(ctx, e))
	require.NoError(t, h.store.UpdateAnchorStatus(ctx, "e", tracechain.AnchorPending, ""))

	resolved, err := h.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, ledger.submitCount())
}

func TestCoordinator_skipsEventResolvedAfterDispatch(t *testing.T) {
	ledger := &fakeLedger{}
	h := newHarness(t, ledger, Config{})

	// Appended without a scheduler so nothing is queued behind the test's back.
	plain := tracechain.NewChain(h.store, zap.NewNop())
	ev, err := plain.Append(ctx, tracechain.AppendRequest{
		BatchID:   "B1",
		ActorID:   "coop-12",
		ActorRole: tracechain.RoleAggregator,
		EventType: tracechain.EventHarvested,
		EventData: map[string]any{"quantity_kg": 640},
	})
	require.NoError(t, err)

	// A reconcile sweep already settled it; the queued copy still says PENDING.
	require.NoError(t, h.store.UpdateAnchorStatus(ctx, ev.ID, tracechain.AnchorSuccess, "0xsettled"))
	stale := ev.Clone()
	stale.OnChainStatus = tracechain.AnchorPending

	h.coord.Dispatch(stale)
	require.Eventually(t, func() bool { return !h.coord.isInflight(ev.ID) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, ledger.submitCount())
	got, err := h.store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, tracechain.AnchorSuccess, got.OnChainStatus)
	assert.Equal(t, "0xsettled", got.TxHash)
}

func TestCoordinator_dispatchAfterCloseIsIgnored(t *testing.T) {
	ledger := &fakeLedger{}
	store := tracechain.NewMemoryStore()
	coord := NewCoordinator(ledger, store, Config{}, zap.NewNop())
	coord.Close()
	coord.Close()

	coord.Dispatch(&tracechain.TraceEvent{ID: "x", BatchID: "B1", EventData: map[string]any{}})
	assert.Zero(t, ledger.submitCount())
}

func TestIsMilestone(t *testing.T) {
	tests := map[tracechain.EventType]bool{
		tracechain.EventPlanted:             false,
		tracechain.EventHarvested:           true,
		tracechain.EventProcuredByProcessor: true,
		tracechain.EventProcessed:           true,
		tracechain.EventPacked:              true,
		tracechain.EventShipped:             false,
		tracechain.EventDelivered:           false,
		tracechain.EventQualityCheck:        false,
		tracechain.EventStored:              false,
	}
	for typ, want := range tests {
		assert.Equal(t, want, IsMilestone(typ), typ)
	}
}

func TestCommitmentHash(t *testing.T) {
	a, err := CommitmentHash(map[string]any{"b": 1, "a": 2}, "abc")
	require.NoError(t, err)
	b, err := CommitmentHash(map[string]any{"a": 2, "b": 1}, "abc")
	require.NoError(t, err)
	c, err := CommitmentHash(map[string]any{"a": 2, "b": 1}, "abd")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
