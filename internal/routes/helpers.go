package routes

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/services"
)

// API holds what the HTTP handlers need.
type API struct {
	Orch   *services.Orchestrator
	Jobs   *services.Jobs
	Secret string
	Logger zerolog.Logger
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// checkAuth wants "Authorization: Bearer <secret>". An empty secret
// rejects everything.
func (a *API) checkAuth(r *http.Request) bool {
	if a.Secret == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	expected := "Bearer " + a.Secret
	return subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) == 1
}

// requireAuth wraps handlers that start or stop work.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.checkAuth(r) {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
