package handlers

import (
	"net/http"

	"github.com/eargollo/mediaflow/internal/engine"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Daemon  Daemon
	Version string
}

type statusResponse struct {
	Version string `json:"version"`
	engine.Status
}

// ServeHTTP returns the daemon status as JSON: session counters, intake
// depth, watcher state and the rescan schedule.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Version: h.Version,
		Status:  h.Daemon.Status(),
	})
}
