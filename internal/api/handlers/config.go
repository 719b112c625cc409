package handlers

import (
	"net/http"

	"github.com/eargollo/mediaflow/internal/config"
)

// ConfigHandler handles GET /api/config.
type ConfigHandler struct {
	Cfg *config.Config
}

// Get returns the effective configuration. Paths to the database and
// report directory and the HTTP settings are not exposed.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cfg)
}
