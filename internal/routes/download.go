package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/grabbot/internal/config"
	"github.com/coah80/grabbot/internal/services"
	"github.com/coah80/grabbot/internal/util"
)

func (a *API) DownloadRoutes(r chi.Router) {
	r.Post("/api/downloads", a.requireAuth(a.handleSubmit))
	r.Get("/api/jobs/{jobId}", a.handleJob)
	r.Get("/api/files/{token}", a.handleFile)
}

type submitRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	OwnerID string `json:"ownerId"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.URL == "" {
		respondError(w, http.StatusBadRequest, "URL required")
		return
	}
	if check := util.ValidateURL(body.URL); !check.Valid {
		respondError(w, http.StatusBadRequest, check.Error)
		return
	}
	body.Quality = orDefault(body.Quality, "auto")
	if !config.Contains(config.AllowedQualities, body.Quality) {
		respondError(w, http.StatusBadRequest, "Unknown quality")
		return
	}

	job := a.Jobs.Submit(services.Request{
		URL:           body.URL,
		Quality:       body.Quality,
		OwnerID:       orDefault(body.OwnerID, "api"),
		DestinationID: "api",
	})
	a.Logger.Info().Str("job", job.ID).Str("url", body.URL).Str("quality", body.Quality).Msg("api download queued")
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (a *API) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(chi.URLParam(r, "jobId"))
	if errors.Is(err, services.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	path, name, ok := a.Jobs.File(chi.URLParam(r, "token"))
	if !ok {
		respondError(w, http.StatusNotFound, "File not found or link expired")
		return
	}
	if err := services.StreamFile(w, path, name, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Str("file", path).Msg("file download failed")
	}
}
