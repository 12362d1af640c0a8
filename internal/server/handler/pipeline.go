package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ArchiveTrigger requests an out-of-schedule archive pass.
type ArchiveTrigger interface {
	Trigger() bool
}

// AdminChecker decides whether an address is an administrator.
type AdminChecker interface {
	IsAdmin(addr common.Address) bool
}

// PipelineHandler serves maintenance triggers.
type PipelineHandler struct {
	archiver ArchiveTrigger
	admins   AdminChecker
	logger   *slog.Logger
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(archiver ArchiveTrigger, admins AdminChecker, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{archiver: archiver, admins: admins, logger: logHandler(logger, "pipeline")}
}

// TriggerArchive queues one archive pass. A pass already queued is not
// duplicated.
// POST /api/admin/archive
func (h *PipelineHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	admin, ok := signerOf(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnsigned)
		return
	}
	if !h.admins.IsAdmin(admin) {
		writeError(w, http.StatusForbidden, "not an administrator")
		return
	}
	queued := h.archiver.Trigger()
	h.logger.InfoContext(r.Context(), "archive trigger requested",
		slog.String("admin", admin.Hex()),
		slog.Bool("queued", queued),
	)
	status := "queued"
	if !queued {
		status = "already_pending"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       status,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
