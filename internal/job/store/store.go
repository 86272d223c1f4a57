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

// Package store is the durable job state: jobs, files, audit, and
// download_attempts, on jmoiron/sqlx + mattn/go-sqlite3 with
// pressly/goose migrations.
//
// SQLite has no native row-level-security policy engine, so "user sees
// only their own jobs" is enforced at the query layer: every user-facing
// read takes a userID and adds it to the WHERE clause. Workers and
// sweepers, which are not user-facing, use the unscoped variants.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/zymatik-com/genomerge/internal/job/migrations"
)

// Job status values. Transitions are monotone: pending -> processing ->
// {completed, failed, expired, user_deleted}, never backward.
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusExpired     = "expired"
	StatusUserDeleted = "user_deleted"
)

// Job mirrors one row of the jobs table.
type Job struct {
	ID                   string       `db:"id"`
	UserID               string       `db:"user_id"`
	UserEmail            string       `db:"user_email"`
	Status               string       `db:"status"`
	QualityThreshold     string       `db:"quality_threshold"`
	OutputFormatsJSON    string       `db:"output_formats_json"`
	VCFMode              string       `db:"vcf_mode"`
	CreatedAt            time.Time    `db:"created_at"`
	StartedAt            sql.NullTime `db:"started_at"`
	CompletedAt          sql.NullTime `db:"completed_at"`
	ExpiresAt            sql.NullTime `db:"expires_at"`
	ErrorMessage         sql.NullString `db:"error_message"`
	ResultSHA256         sql.NullString `db:"result_sha256"`
	DownloadToken        sql.NullString `db:"download_token"`
	DownloadPasswordHash sql.NullString `db:"download_password_hash"`
	MaxDownloadAttempts  int          `db:"max_download_attempts"`
	DownloadAttempts     int          `db:"download_attempts"`
	LastDownloadAttempt  sql.NullTime `db:"last_download_attempt"`
	EmailedAt            sql.NullTime `db:"emailed_at"`
	ProgressPct          int          `db:"progress_pct"`
	ProgressMessage      string       `db:"progress_message"`
}

// File mirrors one row of the files table.
type File struct {
	ID         string         `db:"id"`
	JobID      string         `db:"job_id"`
	FileType   string         `db:"file_type"`
	Chromosome sql.NullInt64  `db:"chromosome"`
	Filename   string         `db:"filename"`
	SHA256     sql.NullString `db:"sha256"`
	SizeBytes  int64          `db:"size_bytes"`
	CreatedAt  time.Time      `db:"created_at"`
	DeletedAt  sql.NullTime   `db:"deleted_at"`
}

// File type tags, matching §4.7's upload taxonomy.
const (
	FileTypeGenotype = "genotype"
	FileTypeImputed  = "imputed"
	FileTypePGS      = "pgs"
	FileTypeOutput   = "output"
)

// AuditEvent mirrors one append-only row of the audit table.
type AuditEvent struct {
	ID        int64          `db:"id"`
	EventType string         `db:"event_type"`
	UserID    sql.NullString `db:"user_id"`
	SessionID sql.NullString `db:"session_id"`
	IPAddress sql.NullString `db:"ip_address"`
	Action    string         `db:"action"`
	Result    string         `db:"result"`
	Details   sql.NullString `db:"details"`
	Severity  string         `db:"severity"`
	CreatedAt time.Time      `db:"created_at"`
}

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// DownloadAttempt mirrors one append-only row of the download_attempts table.
type DownloadAttempt struct {
	ID               int64     `db:"id"`
	JobID            string    `db:"job_id"`
	AttemptedAt      time.Time `db:"attempted_at"`
	AttemptResult    string    `db:"attempt_result"`
	IPAddress        string    `db:"ip_address"`
	UserAgent        string    `db:"user_agent"`
	TokenProvided    bool      `db:"token_provided"`
	PasswordProvided bool      `db:"password_provided"`
	TokenValid       bool      `db:"token_valid"`
	PasswordValid    bool      `db:"password_valid"`
}

// Download attempt results, one per verification step that can reject.
const (
	AttemptInvalidToken        = "invalid_token"
	AttemptJobExpired          = "job_expired"
	AttemptMaxAttemptsExceeded = "max_attempts_exceeded"
	AttemptRateLimited         = "rate_limited"
	AttemptInvalidPassword     = "invalid_password"
	AttemptSuccess             = "success"
)

// Store wraps the job database connection pool.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the job database at path and applies any
// pending goose migrations from the embedded migration set.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("could not open job store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not reach job store: %w", err)
	}

	if err := migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate opens the job database at path, applies any pending goose
// migrations from the embedded migration set, and closes it again. The
// standalone entry point for the migrate command; Open performs the same
// step implicitly so workers and servers never race an unmigrated schema.
func Migrate(path string) error {
	s, err := Open(path)
	if err != nil {
		return err
	}
	return s.Close()
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("could not set migration dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("could not apply job store migrations: %w", err)
	}
	return nil
}

// New wraps an already-open, already-migrated database handle. Used by tests.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need a transaction
// spanning more than one Store method (e.g. the download endpoint's
// attempt-counter-plus-verification transaction).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// CreateJob inserts a new pending job row, the result of a successful
// upload finalize.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusPending
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, user_id, user_email, status, quality_threshold, output_formats_json, vcf_mode)
		VALUES (:id, :user_id, :user_email, :status, :quality_threshold, :output_formats_json, :vcf_mode)
	`, j)
	if err != nil {
		return fmt.Errorf("could not create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id with no user scoping; for worker/sweeper use.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not fetch job %s: %w", id, err)
	}
	return &j, nil
}

// GetJobForUser fetches a job by id, scoped to userID -- the SQLite stand-in
// for the reference architecture's row-level-security policy.
func (s *Store) GetJobForUser(ctx context.Context, id, userID string) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE id = ? AND user_id = ?`, id, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not fetch job %s for user: %w", id, err)
	}
	return &j, nil
}

// ListJobsForUser lists every job belonging to userID, newest first.
func (s *Store) ListJobsForUser(ctx context.Context, userID string) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, `SELECT * FROM jobs WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("could not list jobs for user: %w", err)
	}
	return jobs, nil
}

// ClaimNextPending atomically claims the oldest pending job and marks it
// processing -- the jobs table doubles as the durable work queue.
// Returns (nil, nil) when no pending job exists.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	var j Job
	err := s.db.GetContext(ctx, &j, `
		UPDATE jobs SET status = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1
		)
		RETURNING *
	`, StatusProcessing, StatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not claim pending job: %w", err)
	}
	return &j, nil
}

// UpdateProgress persists a monotonically non-decreasing progress update;
// a stale lower percentage never overwrites a newer higher one. Callers
// are expected to route through
// the in-process broadcaster (internal/job.Broadcaster) for live delivery;
// this call is the durable side of that, read back by reconnecting
// subscribers as their first frame.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, pct int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_pct = ?, progress_message = ?
		WHERE id = ? AND status = ? AND progress_pct <= ?
	`, pct, message, jobID, StatusProcessing, pct)
	if err != nil {
		return fmt.Errorf("could not update progress for job %s: %w", jobID, err)
	}
	return nil
}

// MarkCompleted transitions a job to completed, recording the packaged
// result hash and the download token/password material computed by the
// caller (internal/job.IssueDownload).
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultSHA256, token, passwordHash string, expiresAt time.Time, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = CURRENT_TIMESTAMP, progress_pct = 100,
		    result_sha256 = ?, download_token = ?, download_password_hash = ?,
		    expires_at = ?, max_download_attempts = ?
		WHERE id = ? AND status = ?
	`, StatusCompleted, resultSHA256, token, passwordHash, expiresAt, maxAttempts, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("could not complete job %s: %w", jobID, err)
	}
	return nil
}

// MarkFailed transitions a job to failed with an error message, from any
// non-terminal state.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusFailed, errMessage, jobID, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("could not fail job %s: %w", jobID, err)
	}
	return nil
}

// MarkEmailed records that the completion notification was sent.
func (s *Store) MarkEmailed(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET emailed_at = CURRENT_TIMESTAMP WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("could not record email for job %s: %w", jobID, err)
	}
	return nil
}

// MarkUserDeleted transitions a job to user_deleted; the caller is
// responsible for cascading file deletion.
func (s *Store) MarkUserDeleted(ctx context.Context, jobID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ? WHERE id = ? AND user_id = ? AND status != ?
	`, StatusUserDeleted, jobID, userID, StatusUserDeleted)
	if err != nil {
		return fmt.Errorf("could not mark job %s user_deleted: %w", jobID, err)
	}
	return nil
}

// StuckJobs returns processing jobs whose started_at is older than olderThan.
func (s *Store) StuckJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	var jobs []Job
	cutoff := time.Now().Add(-olderThan)
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
	`, StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("could not list stuck jobs: %w", err)
	}
	return jobs, nil
}

// ExpiredJobs returns completed jobs past their expiry.
func (s *Store) ExpiredJobs(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs WHERE status = ? AND expires_at IS NOT NULL AND expires_at < CURRENT_TIMESTAMP
	`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("could not list expired jobs: %w", err)
	}
	return jobs, nil
}

// MarkExpired transitions a completed job to expired, the sweeper's
// retention action.
func (s *Store) MarkExpired(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ? AND status = ?`, StatusExpired, jobID, StatusCompleted)
	if err != nil {
		return fmt.Errorf("could not expire job %s: %w", jobID, err)
	}
	return nil
}

// CreateFile records one uploaded or produced file against a job.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO files (id, job_id, file_type, chromosome, filename, sha256, size_bytes)
		VALUES (:id, :job_id, :file_type, :chromosome, :filename, :sha256, :size_bytes)
	`, f)
	if err != nil {
		return fmt.Errorf("could not create file record: %w", err)
	}
	return nil
}

// FilesForJob lists every file row for a job, including deleted ones.
func (s *Store) FilesForJob(ctx context.Context, jobID string) ([]File, error) {
	var files []File
	err := s.db.SelectContext(ctx, &files, `SELECT * FROM files WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("could not list files for job %s: %w", jobID, err)
	}
	return files, nil
}

// MarkFileDeleted records that a file's underlying bytes were securely
// removed from disk.
func (s *Store) MarkFileDeleted(ctx context.Context, fileID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE files SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("could not mark file %s deleted: %w", fileID, err)
	}
	return nil
}

// InsertAudit appends one audit event. The audit table rejects UPDATE and
// direct DELETE via trigger (internal/job/migrations/0001_init.sql).
func (s *Store) InsertAudit(ctx context.Context, e *AuditEvent) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit (event_type, user_id, session_id, ip_address, action, result, details, severity)
		VALUES (:event_type, :user_id, :session_id, :ip_address, :action, :result, :details, :severity)
	`, e)
	if err != nil {
		return fmt.Errorf("could not write audit event: %w", err)
	}
	return nil
}

// InsertDownloadAttempt appends one download-attempt row.
func (s *Store) InsertDownloadAttempt(ctx context.Context, a *DownloadAttempt) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO download_attempts
			(job_id, attempt_result, ip_address, user_agent, token_provided, password_provided, token_valid, password_valid)
		VALUES
			(:job_id, :attempt_result, :ip_address, :user_agent, :token_provided, :password_provided, :token_valid, :password_valid)
	`, a)
	if err != nil {
		return fmt.Errorf("could not record download attempt: %w", err)
	}
	return nil
}

// RecentDownloadAttempts counts attempts for jobID within the last window,
// the input to the per-minute rate limit.
func (s *Store) RecentDownloadAttempts(ctx context.Context, jobID string, window time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-window)
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM download_attempts WHERE job_id = ? AND attempted_at > ?
	`, jobID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("could not count recent download attempts: %w", err)
	}
	return count, nil
}

// IncrementDownloadAttempts bumps the job row's counter and last-attempt
// timestamp. Spec.md §9 requires this and password verification to happen
// in one transaction; callers must invoke this inside the same *sql.Tx
// (via DB()) that verifies the password, not as a standalone call, in the
// live download path. This method is provided for the sweeper/test paths
// that don't need that join.
func (s *Store) IncrementDownloadAttempts(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET download_attempts = download_attempts + 1, last_download_attempt = CURRENT_TIMESTAMP
		WHERE id = ?
	`, jobID)
	if err != nil {
		return fmt.Errorf("could not increment download attempts for job %s: %w", jobID, err)
	}
	return nil
}

// DownloadAttemptCount returns how many download_attempts rows exist for a
// job, the right-hand side of property P8.
func (s *Store) DownloadAttemptCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM download_attempts WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("could not count download attempts: %w", err)
	}
	return count, nil
}
