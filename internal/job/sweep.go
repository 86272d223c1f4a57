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

package job

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zymatik-com/genomerge/internal/job/store"
)

// Sweeper runs the two periodic maintenance passes: stuck-job recovery
// and retention/deletion. Both read from the same store.
type Sweeper struct {
	store      *store.Store
	dataRoot   string
	stuckAfter time.Duration
	logger     *slog.Logger
}

// NewSweeper constructs a Sweeper. dataRoot is the data directory whose
// "uploads/<job_id>" and "results/<job_id>" subdirectories are securely
// deleted on expiration.
func NewSweeper(s *store.Store, dataRoot string, stuckAfter time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: s, dataRoot: dataRoot, stuckAfter: stuckAfter, logger: logger}
}

// RecoverStuckJobs transitions any `processing` job whose started_at is
// older than the configured threshold to `failed`.
func (sw *Sweeper) RecoverStuckJobs(ctx context.Context) error {
	stuck, err := sw.store.StuckJobs(ctx, sw.stuckAfter)
	if err != nil {
		return err
	}

	for _, j := range stuck {
		if err := sw.store.MarkFailed(ctx, j.ID, "worker timeout"); err != nil {
			sw.logger.Error("could not mark stuck job failed", "job_id", j.ID, "error", err)
			continue
		}
		_ = RetryIdempotent(ctx, func(ctx context.Context) error {
			return sw.store.InsertAudit(ctx, &store.AuditEvent{
				EventType: "job_state_change",
				Action:    "recover_stuck_job",
				Result:    "failed",
				Severity:  store.SeverityWarning,
			})
		})
		sw.logger.Warn("recovered stuck job", "job_id", j.ID)
	}
	return nil
}

// ExpireCompletedJobs marks completed jobs past expires_at as expired and
// securely deletes their staged result files.
func (sw *Sweeper) ExpireCompletedJobs(ctx context.Context) error {
	expired, err := sw.store.ExpiredJobs(ctx)
	if err != nil {
		return err
	}

	for _, j := range expired {
		if err := sw.deleteJobFiles(ctx, j.ID); err != nil {
			sw.logger.Error("could not delete expired job files", "job_id", j.ID, "error", err)
			continue
		}
		if err := sw.store.MarkExpired(ctx, j.ID); err != nil {
			sw.logger.Error("could not mark job expired", "job_id", j.ID, "error", err)
			continue
		}
		_ = RetryIdempotent(ctx, func(ctx context.Context) error {
			return sw.store.InsertAudit(ctx, &store.AuditEvent{
				EventType: "retention",
				Action:    "expire_job",
				Result:    "success",
				Severity:  store.SeverityInfo,
			})
		})
		sw.logger.Info("expired job", "job_id", j.ID)
	}
	return nil
}

// DeleteUserRequested transitions a job to user_deleted and cascades file
// deletion immediately.
func (sw *Sweeper) DeleteUserRequested(ctx context.Context, jobID, userID string) error {
	if err := sw.deleteJobFiles(ctx, jobID); err != nil {
		return err
	}
	if err := sw.store.MarkUserDeleted(ctx, jobID, userID); err != nil {
		return err
	}
	return RetryIdempotent(ctx, func(ctx context.Context) error {
		return sw.store.InsertAudit(ctx, &store.AuditEvent{
			EventType: "retention",
			Action:    "user_delete_job",
			Result:    "success",
			Severity:  store.SeverityInfo,
		})
	})
}

// deleteJobFiles overwrites then removes every file row's underlying
// bytes for a job, marking each row deleted, then clears whatever else
// remains in the job's staging and results directories (the multi-format
// writers produce output files that have no file row of their own).
// Overwrite-then-unlink leaves the bytes unrecoverable from the live
// filesystem without depending on filesystem-specific secure erase
// behavior.
func (sw *Sweeper) deleteJobFiles(ctx context.Context, jobID string) error {
	files, err := sw.store.FilesForJob(ctx, jobID)
	if err != nil {
		return err
	}

	for _, f := range files {
		if f.DeletedAt.Valid {
			continue
		}
		path := sw.filePath(jobID, f)
		if err := secureDelete(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not securely delete %s: %w", path, err)
		}
		if err := sw.store.MarkFileDeleted(ctx, f.ID); err != nil {
			return err
		}
	}

	for _, dir := range []string{
		filepath.Join(sw.dataRoot, "uploads", jobID),
		filepath.Join(sw.dataRoot, "results", jobID),
	} {
		if err := secureDeleteDir(dir); err != nil {
			return fmt.Errorf("could not securely delete %s: %w", dir, err)
		}
	}
	return nil
}

// filePath resolves a file row to its on-disk location: output rows live
// in the job's results directory, everything else was staged by the upload
// surface under uploads/<job_id>/<file_type>/.
func (sw *Sweeper) filePath(jobID string, f store.File) string {
	if f.FileType == store.FileTypeOutput {
		return filepath.Join(sw.dataRoot, "results", jobID, f.Filename)
	}
	return filepath.Join(sw.dataRoot, "uploads", jobID, f.FileType, f.Filename)
}

// secureDeleteDir overwrites and removes every file under dir, then
// removes the directory tree. Missing directories are not an error.
func secureDeleteDir(dir string) error {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return secureDelete(path)
	})
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(dir)
}

// secureDelete overwrites a file with random bytes before unlinking it.
func secureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, rand.Reader, info.Size()); err != nil {
		f.Close()
		return fmt.Errorf("could not overwrite file before deletion: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
