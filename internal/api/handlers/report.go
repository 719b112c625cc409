package handlers

import (
	"log/slog"
	"net/http"
)

// ReportHandler handles GET /api/report.
type ReportHandler struct {
	Daemon Daemon
}

// ServeHTTP returns the live report of the daemon session.
func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Daemon.Report(r.Context())
	if err != nil {
		slog.Error("report: build", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
