package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/agritrace/internal/archive"
)

// BatchArchiver snapshots a batch to long-term storage.
type BatchArchiver interface {
	Archive(ctx context.Context, batchID string) (*archive.Receipt, error)
}

// ArchiveHandler exposes batch archive export.
type ArchiveHandler struct {
	archiver BatchArchiver
	logger   *zap.Logger
}

// NewArchiveHandler creates a new ArchiveHandler.
func NewArchiveHandler(archiver BatchArchiver, logger *zap.Logger) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, logger: logger}
}

// Register mounts the archive route on the given router group.
func (h *ArchiveHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/batches/:batchId/archive", h.Archive)
}

// Archive handles POST /batches/:batchId/archive. Archiving an unchanged
// batch again returns 200 with already_archived set.
func (h *ArchiveHandler) Archive(c *gin.Context) {
	rcpt, err := h.archiver.Archive(c.Request.Context(), c.Param("batchId"))
	if errors.Is(err, archive.ErrEmptyBatch) {
		RecordArchive("empty")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		RecordArchive("error")
		writeError(c, h.logger, "archive batch", err)
		return
	}

	if rcpt.AlreadyArchived {
		RecordArchive("unchanged")
		c.JSON(http.StatusOK, rcpt)
		return
	}
	RecordArchive("written")
	c.JSON(http.StatusCreated, rcpt)
}
