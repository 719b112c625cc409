package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/mediaflow/internal/engine"
	"github.com/eargollo/mediaflow/internal/ledger"
	"github.com/eargollo/mediaflow/internal/lifecycle"
	"github.com/eargollo/mediaflow/internal/media"
)

// FilesHandler handles file-level API endpoints.
type FilesHandler struct {
	Ledger Ledger
	Daemon Daemon
}

// fileItem is the JSON form of a ledger record.
type fileItem struct {
	Path             string           `json:"path"`
	Status           lifecycle.Status `json:"status"`
	MediaType        media.Type       `json:"media_type"`
	Size             int64            `json:"size"`
	Modified         time.Time        `json:"modified"`
	ContentHash      string           `json:"content_hash,omitempty"`
	ErrorCount       int              `json:"error_count"`
	LastError        string           `json:"last_error,omitempty"`
	AssetID          string           `json:"asset_id,omitempty"`
	FacesDetected    int              `json:"faces_detected"`
	CaptionGenerated bool             `json:"caption_generated"`
	SessionID        string           `json:"session_id"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func toItem(r ledger.Record) fileItem {
	return fileItem{
		Path:             r.Path,
		Status:           r.Status,
		MediaType:        r.MediaType,
		Size:             r.Size,
		Modified:         r.ModTime.UTC(),
		ContentHash:      r.ContentHash,
		ErrorCount:       r.ErrorCount,
		LastError:        r.LastError,
		AssetID:          r.AssetID,
		FacesDetected:    r.FacesDetected,
		CaptionGenerated: r.CaptionGenerated,
		SessionID:        r.SessionID,
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

// List handles GET /api/files?status=failed&limit=100.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = string(lifecycle.Failed)
	}
	status, err := lifecycle.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error())
		return
	}
	limit := parseLimit(r)

	recs, err := h.Ledger.ListByStatus(r.Context(), status, limit)
	if err != nil {
		slog.Error("files list: query", "status", status, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	counts, err := h.Ledger.Stats(r.Context())
	if err != nil {
		slog.Error("files list: counts", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	items := make([]fileItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toItem(rec))
	}
	writeJSON(w, http.StatusOK, ListResponse[fileItem]{
		Items: items,
		Total: int(counts[status]),
		Limit: limit,
	})
}

// fileInfoResponse is returned by GET /api/files/info.
type fileInfoResponse struct {
	fileItem
	Image *media.ImageMeta `json:"image,omitempty"`
}

// Info handles GET /api/files/info?path=... and adds image metadata read
// from the file when it is still on disk.
func (h *FilesHandler) Info(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "path is required")
		return
	}
	rec, err := h.Ledger.Get(r.Context(), path)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}
	if err != nil {
		slog.Error("files info: query", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	resp := fileInfoResponse{fileItem: toItem(rec)}
	if rec.MediaType == media.TypeImage {
		if meta, err := media.ExtractImageMeta(path); err == nil {
			resp.Image = &meta
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// reprocessRequest is the body of POST /api/files/reprocess. Without paths
// every terminal failure is reset; All also resets completed and skipped.
type reprocessRequest struct {
	Paths []string `json:"paths"`
	All   bool     `json:"all"`
}

// Reprocess handles POST /api/files/reprocess.
func (h *FilesHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	var req reprocessRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
	}

	n, err := h.Daemon.Reprocess(r.Context(), req.All, req.Paths...)
	if err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, "NOT_RUNNING", "The daemon is shutting down")
			return
		}
		slog.Error("files reprocess", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"reset": n})
}
