/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Genomerge - Merge and export a 51-sample genotype dataset.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package httpapi is the user-facing transport: the upload surface, the
// live progress channel, and the download surface, routed with
// gorilla/mux.
//
// Authentication and TLS termination belong to the reverse proxy in
// front of this service; this package trusts an X-User-Id header set by
// that proxy and uses it as the session-bound identifier job-row access
// is scoped to.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/job/store"
)

// UserIDHeader is the header the upstream authentication proxy is expected
// to set to the session's bound user identifier.
const UserIDHeader = "X-User-Id"

// Config configures the HTTP surface: listen address, data directory,
// and the job-level defaults (quality threshold, rate limiting).
type Config struct {
	Addr                string
	DataDir             string
	DefaultThreshold    string
	DownloadRateLimit   int
	RateLimitWindow     time.Duration
	MaxWholeUploadBytes int64
}

// Server wires the job store, upload staging, and progress broadcaster to
// an HTTP mux.
type Server struct {
	router  *mux.Router
	server  *http.Server
	cfg     Config
	store   *store.Store
	staging *job.UploadStaging
	bcast   *job.Broadcaster
	logger  *slog.Logger
	chunks  *chunkTracker
}

// NewServer builds a Server ready to Start, registering the upload,
// progress, and download routes plus a health check.
func NewServer(cfg Config, s *store.Store, staging *job.UploadStaging, bcast *job.Broadcaster, logger *slog.Logger) *Server {
	if cfg.DefaultThreshold == "" {
		cfg.DefaultThreshold = "R09"
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.DownloadRateLimit <= 0 {
		cfg.DownloadRateLimit = 3
	}
	if cfg.MaxWholeUploadBytes <= 0 {
		cfg.MaxWholeUploadBytes = 1 << 30 // 1 GiB
	}

	srv := &Server{
		cfg:     cfg,
		store:   s,
		staging: staging,
		bcast:   bcast,
		logger:  logger,
		chunks:  newChunkTracker(),
	}

	router := mux.NewRouter()
	srv.router = router
	srv.setupRoutes()

	srv.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      loggingMiddleware(logger)(router),
		ReadTimeout:  0, // uploads can be large; per-request timeouts are set on individual handlers where needed
		WriteTimeout: 0, // the progress channel is long-lived (SSE)
		IdleTimeout:  2 * time.Minute,
	}

	return srv
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	s.router.HandleFunc("/upload/chunks", s.handleUploadChunk).Methods(http.MethodPost)
	s.router.HandleFunc("/upload/finalize", s.handleUploadFinalize).Methods(http.MethodPost)

	s.router.HandleFunc("/jobs/{id}/progress", s.handleProgress).Methods(http.MethodGet)
	s.router.HandleFunc("/download/{token}", s.handleDownload).Methods(http.MethodGet)
}

// Start serves until the context is canceled or the underlying listener
// fails for a reason other than a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("http request",
				"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fmt.Sprintf("missing %s header", UserIDHeader))
		return "", false
	}
	return userID, true
}
