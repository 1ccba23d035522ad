package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/util"
)

func (a *API) CoreRoutes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/api/queue-status", a.handleQueueStatus)
	r.Get("/api/progress", a.handleProgress)
	r.Post("/api/cancel", a.requireAuth(a.handleCancel))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": config.Version,
		"queue":   a.Orch.QueueStatus(),
	}
	if ds, err := util.GetDiskSpace(config.DownloadDir); err == nil {
		body["disk"] = ds.String()
	}
	respondJSON(w, http.StatusOK, body)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.Orch.QueueStatus())
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	st, ok := a.Orch.CurrentProgress(url)
	if !ok {
		respondError(w, http.StatusNotFound, "No active download for this URL")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if !a.Orch.Cancel(url) {
		respondJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Download not found or already completed"})
		return
	}
	a.Logger.Info().Str("url", url).Msg("cancelled over api")
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Download cancelled"})
}
