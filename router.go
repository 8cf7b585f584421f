package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	hmacext "github.com/alexellis/hmac/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/marcus-crane/signpost/auth"
	"github.com/marcus-crane/signpost/storage"
)

const maxForceSyncBody = 1 << 16

func renderJSONMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	res := map[string]string{"message": message}
	json.NewEncoder(w).Encode(res)
}

func renderJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

type forceSyncRequest struct {
	Force bool `json:"force"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func RegisterRoutes(mux *http.ServeMux, app *App) http.Handler {
	secret := app.cfg.Signpost.SecretKey

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "Signpost is caching content for this screen")
	})

	mux.HandleFunc("GET /api", func(w http.ResponseWriter, r *http.Request) {
		renderJSONMessage(w, "This is the base of Signpost's API")
	})

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		report, err := app.health.Collect(r.Context())
		if err != nil {
			slog.Error("Failed to collect health", slog.String("error", err.Error()))
			renderJSONError(w, http.StatusInternalServerError, "failed to collect health")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("POST /api/auth/sse-token", func(w http.ResponseWriter, r *http.Request) {
		if !auth.CheckBearer(r, secret) {
			renderJSONError(w, http.StatusUnauthorized, "your request was not authorized")
			return
		}
		token, expires, err := app.tokens.Issue()
		if err != nil {
			renderJSONError(w, http.StatusServiceUnavailable, "tokens can not be issued right now")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresAt: expires.UTC()})
	})

	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		if !app.tokens.Validate(r.URL.Query().Get("token")) {
			renderJSONError(w, http.StatusUnauthorized, "token is missing or has expired")
			return
		}
		app.broker.ServeHTTP(w, r)
	})

	mux.HandleFunc("POST /api/sync/force", func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get("X-Signature")
		if signature == "" {
			renderJSONError(w, http.StatusUnauthorized, "no signature was provided")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxForceSyncBody))
		if err != nil {
			renderJSONError(w, http.StatusBadRequest, "failed to read request body as part of signature validation")
			return
		}

		if err := hmacext.Validate(body, normaliseSignature(signature), secret); err != nil {
			slog.With(slog.Any("error", err)).Warn("Failed signature validation")
			renderJSONError(w, http.StatusUnauthorized, "signature failed validation")
			return
		}

		var payload forceSyncRequest
		if err := json.Unmarshal(body, &payload); err != nil || !payload.Force {
			renderJSONError(w, http.StatusBadRequest, `expected a body of {"force":true}`)
			return
		}

		slog.Info("Forced sync requested")
		app.ForceSync()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"message": "sync started"})
	})

	mux.HandleFunc("GET /api/playlist", func(w http.ResponseWriter, r *http.Request) {
		if !auth.CheckBearer(r, secret) {
			renderJSONError(w, http.StatusUnauthorized, "your request was not authorized")
			return
		}
		path := app.playlists.Path()
		if _, err := os.Stat(path); err != nil {
			renderJSONError(w, http.StatusNotFound, "no playlist has been generated yet")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, path)
	})

	mux.HandleFunc("GET /api/media/{file}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("file")
		path, ok := mediaFile(app.downloader.MediaPath(), name)
		if !ok {
			renderJSONError(w, http.StatusNotFound, "media not found")
			return
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			renderJSONError(w, http.StatusNotFound, "media not found")
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		http.ServeFile(w, r, path)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	handler := cors.Default().Handler(mux)

	return handler
}

// normaliseSignature accepts the digest with or without its sha256= prefix
func normaliseSignature(signature string) string {
	return fmt.Sprintf("sha256=%s", strings.TrimPrefix(signature, "sha256="))
}

// mediaFile resolves a requested file name inside the cache, refusing
// anything that would escape it or reach the staging directory.
func mediaFile(mediaPath, name string) (string, bool) {
	if name == "" || name == "." || name == ".." || name == storage.TempDirName {
		return "", false
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", false
	}
	path := filepath.Join(mediaPath, name)
	rel, err := filepath.Rel(mediaPath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return path, true
}
