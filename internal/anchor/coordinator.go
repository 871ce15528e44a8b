package anchor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/cache"
	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// Config holds anchoring coordinator configuration.
type Config struct {
	Workers         int
	QueueSize       int
	SubmitTimeout   time.Duration
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	SweepBatch      int
	RecordsCacheTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.SubmitTimeout == 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch == 0 {
		c.SweepBatch = 100
	}
	if c.RecordsCacheTTL == 0 {
		c.RecordsCacheTTL = 30 * time.Second
	}
}

// OutcomeFunc is an optional callback invoked with the final status of each
// submission (SUCCESS or FAILED). txHash is empty on failure.
type OutcomeFunc func(e *tracechain.TraceEvent, status tracechain.AnchorStatus, txHash string)

// Coordinator implements tracechain.AnchorScheduler. Submissions run on a
// bounded worker pool keyed by event id; an event already queued or in flight
// is never submitted twice concurrently.
type Coordinator struct {
	ledger Ledger
	store  tracechain.Store
	cfg    Config
	logger *zap.Logger

	pool    *workerPool[*tracechain.TraceEvent]
	cancel  context.CancelFunc
	records *cache.TTL[string, []Record]
	stop    chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	onOutcome OutcomeFunc
	now       func() time.Time
}

// NewCoordinator starts the worker pool. Call Close to stop it.
func NewCoordinator(ledger Ledger, store tracechain.Store, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		cancel:   cancel,
		records:  cache.New[string, []Record](cfg.RecordsCacheTTL),
		stop:     make(chan struct{}),
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
	c.pool = newWorkerPool(ctx, cfg.Workers, cfg.QueueSize, c.submit)
	go c.records.StartEvictor(max(cfg.RecordsCacheTTL, time.Second), c.stop)
	return c
}

// SetOutcomeFunc configures the outcome callback.
func (c *Coordinator) SetOutcomeFunc(fn OutcomeFunc) {
	c.onOutcome = fn
}

// IsMilestone implements tracechain.AnchorScheduler.
func (c *Coordinator) IsMilestone(t tracechain.EventType) bool {
	return IsMilestone(t)
}

// MarkPending implements tracechain.AnchorScheduler.
func (c *Coordinator) MarkPending(ctx context.Context, e *tracechain.TraceEvent) error {
	return c.store.UpdateAnchorStatus(ctx, e.ID, tracechain.AnchorPending, "")
}

// Dispatch implements tracechain.AnchorScheduler. It never blocks; when the
// queue is full the event stays PENDING and the reconciler picks it up later.
func (c *Coordinator) Dispatch(e *tracechain.TraceEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[e.ID]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[e.ID] = struct{}{}
	ok := c.pool.submit(e)
	if !ok {
		delete(c.inflight, e.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("anchor queue full, leaving event pending",
			zap.String("batch_id", e.BatchID),
			zap.String("event_id", e.ID),
			zap.Int("queue_size", c.cfg.QueueSize),
		)
	}
}

func (c *Coordinator) submit(ctx context.Context, e *tracechain.TraceEvent) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, e.ID)
		c.mu.Unlock()
	}()

	log := c.logger.With(
		zap.String("batch_id", e.BatchID),
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
	)

	// The queued copy may be stale: a reconcile sweep can resolve the event
	// between Dispatch and now.
	gctx, gcancel := context.WithTimeout(ctx, 5*time.Second)
	current, err := c.store.Get(gctx, e.ID)
	gcancel()
	if err != nil {
		log.Warn("reload event before anchoring, leaving it for reconciliation", zap.Error(err))
		return
	}
	if current.OnChainStatus != tracechain.AnchorPending {
		log.Debug("event no longer pending, skipping submission",
			zap.String("status", string(current.OnChainStatus)))
		return
	}

	status := tracechain.AnchorFailed
	txHash := ""
	commitment, err := CommitmentHash(e.EventData, e.CurrentHash)
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		res := c.ledger.Submit(sctx, e.BatchID, e.EventType, commitment)
		cancel()
		switch {
		case res.Success && res.TxHash != "":
			status, txHash = tracechain.AnchorSuccess, res.TxHash
		case res.Err != nil:
			err = res.Err
		default:
			err = errors.New("ledger rejected commitment")
		}
	}
	if err != nil {
		log.Warn("anchor submission failed", zap.Error(err))
	}

	// Status writes must land even when the pool is shutting down.
	uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := c.store.UpdateAnchorStatus(uctx, e.ID, status, txHash); uerr != nil {
		log.Error("record anchor status", zap.String("status", string(status)), zap.Error(uerr))
		return
	}
	c.records.Invalidate(e.BatchID)
	if c.onOutcome != nil {
		c.onOutcome(e, status, txHash)
	}
	if status == tracechain.AnchorSuccess {
		log.Info("event anchored", zap.String("tx_hash", txHash))
	}
}

// Records returns the ledger's anchors for a batch, served from a short-lived
// cache. An unreachable ledger yields an empty list.
func (c *Coordinator) Records(ctx context.Context, batchID string) []Record {
	if recs, ok := c.records.Get(batchID); ok {
		return recs
	}
	recs, err := c.ledger.Records(ctx, batchID)
	if err != nil {
		c.logger.Warn("fetch anchor records", zap.String("batch_id", batchID), zap.Error(err))
		return []Record{}
	}
	if recs == nil {
		recs = []Record{}
	}
	c.records.Set(batchID, recs)
	return recs
}

// Reconcile resolves events stuck in PENDING for longer than StaleAfter. An
// event whose commitment the ledger already holds is marked SUCCESS;
// anything else is dispatched again. It returns how many events were
// resolved from ledger records.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.StaleAfter)
	pending, err := c.store.ListPending(ctx, cutoff, c.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byBatch := make(map[string][]*tracechain.TraceEvent)
	for _, e := range pending {
		byBatch[e.BatchID] = append(byBatch[e.BatchID], e)
	}

	resolved := 0
	for batchID, events := range byBatch {
		recs, err := c.ledger.Records(ctx, batchID)
		if err != nil {
			// Without records we cannot tell submitted from lost; retry next sweep.
			c.logger.Warn("reconcile: fetch anchor records", zap.String("batch_id", batchID), zap.Error(err))
			continue
		}
		known := make(map[string]string, len(recs))
		for _, r := range recs {
			known[r.Commitment] = r.TxHash
		}

		for _, e := range events {
			if c.isInflight(e.ID) {
				continue
			}
			commitment, err := CommitmentHash(e.EventData, e.CurrentHash)
			if err != nil {
				c.logger.Error("reconcile: commitment", zap.String("event_id", e.ID), zap.Error(err))
				continue
			}
			if tx, ok := known[commitment]; ok && tx != "" {
				if err := c.store.UpdateAnchorStatus(ctx, e.ID, tracechain.AnchorSuccess, tx); err != nil {
					c.logger.Error("reconcile: mark success", zap.String("event_id", e.ID), zap.Error(err))
					continue
				}
				resolved++
				if c.onOutcome != nil {
					c.onOutcome(e, tracechain.AnchorSuccess, tx)
				}
				continue
			}
			c.Dispatch(e)
		}
		c.records.Invalidate(batchID)
	}

	c.logger.Info("anchor reconciliation sweep",
		zap.Int("pending", len(pending)),
		zap.Int("resolved", resolved),
	)
	return resolved, nil
}

// Start runs the reconciliation loop until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, c.cfg.SweepInterval)
			if _, err := c.Reconcile(sctx); err != nil {
				c.logger.Error("anchor reconciliation", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting work and waits for queued submissions to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	c.pool.drain()
	c.cancel()
}

func (c *Coordinator) isInflight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}
