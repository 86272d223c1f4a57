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

package httpapi

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// handleDownload serves GET /download/{token} with the password in a
// header or a query parameter. Verification runs job.VerifyDownload's
// full order; on success the job's output files are packaged into a zip
// stream and returned.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	password := r.Header.Get("X-Download-Password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}

	info := job.DownloadAttemptInfo{
		Token:           token,
		Password:        password,
		IPAddress:       clientIP(r),
		UserAgent:       r.UserAgent(),
		RateLimitWindow: s.cfg.RateLimitWindow,
		RateLimitMax:    s.cfg.DownloadRateLimit,
	}

	j, err := job.VerifyDownload(r.Context(), s.store, info)
	if err != nil {
		status, message := downloadErrorStatus(err)
		writeError(w, status, message)
		return
	}

	resultsDir := filepath.Join(s.cfg.DataDir, "results", j.ID)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="genomerge-%s.zip"`, j.ID))

	if err := streamResultsZip(w, resultsDir); err != nil {
		s.logger.Error("could not stream download", "job_id", j.ID, "error", err)
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = fwd
	}
	return host
}

// downloadErrorStatus maps the mergeerr kinds the download endpoint can
// raise to their HTTP codes: 401/404/410/429.
func downloadErrorStatus(err error) (int, string) {
	var invalidToken *mergeerr.InvalidToken
	var expired *mergeerr.Expired
	var maxAttempts *mergeerr.MaxAttemptsExceeded
	var rateLimited *mergeerr.RateLimited
	var invalidPassword *mergeerr.InvalidPassword

	switch {
	case errors.As(err, &invalidToken):
		return http.StatusNotFound, "invalid download token"
	case errors.As(err, &expired):
		return http.StatusGone, "job expired"
	case errors.As(err, &maxAttempts):
		return http.StatusTooManyRequests, "maximum download attempts exceeded"
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, "rate limited"
	case errors.As(err, &invalidPassword):
		return http.StatusUnauthorized, "invalid download password"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func streamResultsZip(w io.Writer, resultsDir string) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.Walk(resultsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(resultsDir, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
}
