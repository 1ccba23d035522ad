package middleware

import (
	"bufio"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// CORSOriginsFile lists allowed origins, one per line.
var CORSOriginsFile = "cors-origins.txt"

func LoadCORS() func(http.Handler) http.Handler {
	origins := loadCORSOrigins(CORSOriginsFile)
	opts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}

	if len(origins) > 0 {
		log.Info().Int("origins", len(origins)).Str("file", CORSOriginsFile).Msg("CORS origins loaded")
		opts.AllowedOrigins = origins
		opts.AllowCredentials = true
		return cors.Handler(opts)
	}

	log.Warn().Str("file", CORSOriginsFile).Msg("no CORS origins file, allowing all origins without credentials")
	opts.AllowedOrigins = []string{"*"}
	return cors.Handler(opts)
}

func loadCORSOrigins(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var origins []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			origins = append(origins, line)
		}
	}
	return origins
}
