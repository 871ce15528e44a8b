package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/anchor"
	"github.com/jmerrifield20/agritrace/internal/tracechain"
)

// AnchorReader lists the external anchors recorded for a batch.
type AnchorReader interface {
	Records(ctx context.Context, batchID string) []anchor.Record
}

// TraceHandler exposes the batch trace chain over HTTP.
type TraceHandler struct {
	chain   *tracechain.Chain
	anchors AnchorReader
	logger  *zap.Logger
}

// NewTraceHandler creates a new TraceHandler. anchors may be nil when
// anchoring is disabled.
func NewTraceHandler(chain *tracechain.Chain, anchors AnchorReader, logger *zap.Logger) *TraceHandler {
	return &TraceHandler{chain: chain, anchors: anchors, logger: logger}
}

// Register mounts the trace routes on the given router group.
func (h *TraceHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/events", h.Append)
	rg.GET("/events/:id", h.GetEvent)

	b := rg.Group("/batches/:batchId")
	{
		b.GET("/history", h.History)
		b.GET("/verify", h.Verify)
		b.GET("/anchors", h.Anchors)
	}
}

// Append handles POST /events.
func (h *TraceHandler) Append(c *gin.Context) {
	var req tracechain.AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ev, err := h.chain.Append(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "append event", err)
		return
	}
	RecordEventAppend(ev.EventType)
	c.JSON(http.StatusCreated, ev)
}

// GetEvent handles GET /events/:id.
func (h *TraceHandler) GetEvent(c *gin.Context) {
	ev, err := h.chain.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get event", err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// History handles GET /batches/:batchId/history. The verification in the
// response covers exactly the events returned.
func (h *TraceHandler) History(c *gin.Context) {
	batchID := c.Param("batchId")
	hist, err := h.chain.History(c.Request.Context(), batchID)
	if err != nil {
		h.writeError(c, "batch history", err)
		return
	}
	RecordVerification(hist.Verification.Valid)
	c.JSON(http.StatusOK, gin.H{
		"batch_id":     batchID,
		"events":       hist.Events,
		"count":        len(hist.Events),
		"verification": hist.Verification,
	})
}

// Verify handles GET /batches/:batchId/verify. A broken chain is still a 200;
// the result carries valid=false.
func (h *TraceHandler) Verify(c *gin.Context) {
	v, err := h.chain.Verify(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		h.writeError(c, "verify batch", err)
		return
	}
	RecordVerification(v.Valid)
	c.JSON(http.StatusOK, v)
}

// Anchors handles GET /batches/:batchId/anchors.
func (h *TraceHandler) Anchors(c *gin.Context) {
	batchID := c.Param("batchId")
	recs := []anchor.Record{}
	if h.anchors != nil {
		recs = h.anchors.Records(c.Request.Context(), batchID)
	}
	c.JSON(http.StatusOK, gin.H{
		"batch_id":          batchID,
		"anchors":           recs,
		"count":             len(recs),
		"anchoring_enabled": h.anchors != nil,
	})
}

func (h *TraceHandler) writeError(c *gin.Context, op string, err error) {
	writeError(c, h.logger, op, err)
}

// writeError maps tracechain errors onto HTTP responses.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var (
		verr *tracechain.ValidationError
		serr *tracechain.StorageError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, tracechain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &serr):
		logger.Error(op, zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry later"})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
