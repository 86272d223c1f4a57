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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

const maxChunkMemory = 32 << 20 // 32 MiB, per chunk multipart part

// handleUploadChunk accepts one chunk POST. An empty upload_id starts a
// new session, whose id is returned for the client to reuse on
// subsequent chunks.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}

	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("could not parse chunk: %v", err))
		return
	}

	uploadID := r.FormValue("upload_id")
	if uploadID == "" {
		var err error
		uploadID, err = s.staging.StartUpload()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	filename := r.FormValue("filename")
	fileType := r.FormValue("file_type")
	if filename == "" || fileType == "" {
		writeError(w, http.StatusBadRequest, "filename and file_type are required")
		return
	}

	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk_index must be an integer")
		return
	}
	totalChunks, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "total_chunks must be an integer")
		return
	}

	part, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("chunk part is required: %v", err))
		return
	}
	defer part.Close()

	if err := s.staging.WriteChunk(uploadID, fileType, filename, chunkIndex, totalChunks, part); err != nil {
		var outOfRange *mergeerr.ChunkOutOfRange
		if errors.As(err, &outOfRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.chunks.record(uploadID, fileType, filename, totalChunks)

	writeJSON(w, http.StatusOK, map[string]string{"upload_id": uploadID})
}

// handleUploadFinalize reconstitutes every file staged under upload_id,
// verifying each against the chunk count recorded from the chunk POSTs,
// creates the job row, and tears down the staging session.
func (s *Server) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("could not parse form: %v", err))
		return
	}

	uploadID := r.FormValue("upload_id")
	userEmail := r.FormValue("user_email")
	if uploadID == "" || userEmail == "" {
		writeError(w, http.StatusBadRequest, "upload_id and user_email are required")
		return
	}
	outputFormats := r.Form["output_formats"]
	if len(outputFormats) == 0 {
		writeError(w, http.StatusBadRequest, "output_formats is required")
		return
	}
	vcfMode := r.FormValue("vcf_format")
	if vcfMode == "" {
		vcfMode = "merged"
	}
	threshold := r.FormValue("quality_threshold")
	if threshold == "" {
		threshold = s.cfg.DefaultThreshold
	}

	staged := s.chunks.stagedFiles(uploadID)
	if len(staged) == 0 {
		writeError(w, http.StatusBadRequest, "no chunks were staged for this upload")
		return
	}
	hasGenotype := false
	for _, meta := range staged {
		if meta.fileType == store.FileTypeGenotype {
			hasGenotype = true
		}
	}
	if !hasGenotype {
		writeError(w, http.StatusBadRequest, "genotype file was never uploaded")
		return
	}

	// Every file must be complete before any job row exists: a missing
	// chunk rejects the finalize with no job created, and the staging
	// session is retained for the client to retry until the idle sweeper
	// collects it.
	for _, meta := range staged {
		if err := s.staging.VerifyChunks(uploadID, meta.fileType, meta.filename, meta.totalChunks); err != nil {
			var missing *mergeerr.ChunkMissing
			if errors.As(err, &missing) {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", meta.filename, err))
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	formatsJSON, err := json.Marshal(outputFormats)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode output formats")
		return
	}

	j, err := job.FinalizeJob(r.Context(), s.store, userID, userEmail, threshold, string(formatsJSON), vcfMode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("could not create job: %v", err))
		return
	}

	uploadsDir := filepath.Join(s.cfg.DataDir, "uploads", j.ID)
	for _, meta := range staged {
		outPath := filepath.Join(uploadsDir, meta.fileType, meta.filename)
		sha, size, err := s.staging.Finalize(uploadID, meta.fileType, meta.filename, meta.totalChunks, outPath)
		if err != nil {
			var missing *mergeerr.ChunkMissing
			if errors.As(err, &missing) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		f := &store.File{
			ID:        uuid.NewString(),
			JobID:     j.ID,
			FileType:  meta.fileType,
			Filename:  meta.filename,
			SHA256:    sql.NullString{String: sha, Valid: true},
			SizeBytes: size,
		}
		if meta.fileType == store.FileTypeImputed {
			chrom, err := detectChromosome(meta.filename)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Chromosome = sql.NullInt64{Int64: int64(chrom), Valid: true}
			if err := verifyImputedFile(outPath, chrom); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		if err := s.store.CreateFile(r.Context(), f); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if err := s.staging.Cleanup(uploadID); err != nil {
		s.logger.Warn("could not clean up upload session", "upload_id", uploadID, "error", err)
	}
	s.chunks.forget(uploadID)

	writeJSON(w, http.StatusCreated, map[string]string{"job_id": j.ID, "status": store.StatusPending})
}
