package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/eargollo/mediaflow/internal/session"
)

// StatsHandler handles GET /api/stats.
type StatsHandler struct {
	DB     *sql.DB
	Ledger Ledger
}

type statsResponse struct {
	Total          int64               `json:"total_files"`
	StatusCounts   map[string]int64    `json:"status_counts"`
	Claimable      int64               `json:"claimable"`
	LastCheckpoint *session.Checkpoint `json:"last_checkpoint"`
}

// ServeHTTP returns ledger counts by status and the latest checkpoint.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Ledger.Stats(r.Context())
	if err != nil {
		slog.Error("stats: ledger counts", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	claimable, err := h.Ledger.Claimable(r.Context())
	if err != nil {
		slog.Error("stats: claimable", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	resp := statsResponse{
		Total:        counts.Total(),
		StatusCounts: make(map[string]int64, len(counts)),
		Claimable:    claimable,
	}
	for s, n := range counts {
		resp.StatusCounts[string(s)] = n
	}

	cp, err := session.LatestCheckpoint(r.Context(), h.DB)
	switch {
	case err == nil:
		resp.LastCheckpoint = &cp
	case !errors.Is(err, session.ErrNotFound):
		slog.Error("stats: latest checkpoint", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}
