package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/eargollo/mediaflow/internal/engine"
)

// ScansHandler handles rescan endpoints.
type ScansHandler struct {
	Daemon Daemon
}

// Create handles POST /api/scans: triggers a full rescan of the drive root.
func (h *ScansHandler) Create(w http.ResponseWriter, r *http.Request) {
	rescan, err := h.Daemon.Rescan("manual")
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "SCAN_ALREADY_RUNNING", "A rescan is already in progress")
		case errors.Is(err, engine.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, "NOT_RUNNING", "The daemon is shutting down")
		default:
			slog.Error("scans: start", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start rescan")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, rescan)
}
