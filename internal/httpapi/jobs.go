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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/zymatik-com/genomerge/internal/imputed"
	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// chromosomePattern pulls a 1-22 autosome number out of a filename such
// as "chr7.vcf.gz" or "sample.7.vcf.gz" -- imputed files arrive one per
// chromosome but neither POST /jobs nor the chunk fields carry an
// explicit chromosome number, so it is recovered from the name the
// imputation service already assigns per-chromosome.
var chromosomePattern = regexp.MustCompile(`(?i)(?:^|chr|_|\.)([0-9]{1,2})(?:$|[._])`)

func detectChromosome(filename string) (int, error) {
	matches := chromosomePattern.FindAllStringSubmatch(filename, -1)
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= 22 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("could not determine chromosome from filename %q", filename)
}

// handleCreateJob implements the whole-upload path: a single multipart
// POST /jobs carrying every file at once.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxWholeUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("could not parse upload: %v", err))
		return
	}

	userEmail := r.FormValue("user_email")
	if userEmail == "" {
		writeError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	outputFormats := r.MultipartForm.Value["output_formats"]
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

	// The job row exists before its files are staged; any intake failure
	// from here on must fail the row so a worker never claims a job whose
	// uploads are incomplete.
	rejectIntake := func(status int, message string) {
		if err := s.store.MarkFailed(r.Context(), j.ID, message); err != nil {
			s.logger.Error("could not fail job after intake rejection", "job_id", j.ID, "error", err)
		}
		writeError(w, status, message)
	}

	genomeHeader := firstFileHeader(r, "genome_file")
	if genomeHeader == nil {
		rejectIntake(http.StatusBadRequest, "genome_file is required")
		return
	}
	if err := s.stageUploadedFile(r.Context(), j.ID, uploadsDir, store.FileTypeGenotype, nil, genomeHeader); err != nil {
		rejectIntake(http.StatusInternalServerError, err.Error())
		return
	}

	vcfHeaders := r.MultipartForm.File["vcf_files"]
	if len(vcfHeaders) == 0 {
		rejectIntake(http.StatusBadRequest, "at least one vcf_files entry is required")
		return
	}
	for _, fh := range vcfHeaders {
		chrom, err := detectChromosome(fh.Filename)
		if err != nil {
			rejectIntake(http.StatusBadRequest, err.Error())
			return
		}
		if err := s.stageUploadedFile(r.Context(), j.ID, uploadsDir, store.FileTypeImputed, &chrom, fh); err != nil {
			rejectIntake(http.StatusInternalServerError, err.Error())
			return
		}
		stagedPath := filepath.Join(uploadsDir, store.FileTypeImputed, fh.Filename)
		if err := verifyImputedFile(stagedPath, chrom); err != nil {
			rejectIntake(http.StatusBadRequest, err.Error())
			return
		}
	}

	if pgsHeader := firstFileHeader(r, "pgs_file"); pgsHeader != nil {
		if err := s.stageUploadedFile(r.Context(), j.ID, uploadsDir, store.FileTypePGS, nil, pgsHeader); err != nil {
			rejectIntake(http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{"job_id": j.ID, "status": store.StatusPending})
}

func firstFileHeader(r *http.Request, field string) *multipart.FileHeader {
	if r.MultipartForm == nil {
		return nil
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil
	}
	return headers[0]
}

// stageUploadedFile saves one multipart file part under
// <uploadsDir>/<fileType>/<filename>, then records its files row.
func (s *Server) stageUploadedFile(ctx context.Context, jobID, uploadsDir, fileType string, chromosome *int, fh *multipart.FileHeader) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("could not open uploaded file %s: %w", fh.Filename, err)
	}
	defer src.Close()

	dir := filepath.Join(uploadsDir, fileType)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create upload directory: %w", err)
	}
	path := filepath.Join(dir, fh.Filename)

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create staged file: %w", err)
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("could not stage uploaded file %s: %w", fh.Filename, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not hash staged file: %w", err)
	}
	sha := job.HashResult(data)

	f := &store.File{
		ID:        uuid.NewString(),
		JobID:     jobID,
		FileType:  fileType,
		Filename:  fh.Filename,
		SHA256:    sql.NullString{String: sha, Valid: true},
		SizeBytes: size,
	}
	if chromosome != nil {
		f.Chromosome = sql.NullInt64{Int64: int64(*chromosome), Valid: true}
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		return fmt.Errorf("could not record file %s: %w", fh.Filename, err)
	}
	return nil
}

// verifyImputedFile does a cheap structural check on a staged imputed VCF:
// it must open as a bgzf stream and yield at least a header without error.
// Used to reject a malformed upload at intake rather than mid-merge.
func verifyImputedFile(path string, chromosome int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := imputed.Open(chromosome, f, f)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := r.Next(); err != nil {
		return &mergeerr.MalformedImputedFile{Chromosome: chromosome, Err: err}
	}
	return nil
}
