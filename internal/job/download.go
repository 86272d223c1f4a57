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
	"database/sql"
	"fmt"
	"time"

	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// Credentials is the one-time token/password pair issued on job completion.
// Only the password hash is persisted; the plaintext exists only long
// enough to be emailed.
type Credentials struct {
	Token    string
	Password string
}

// IssueDownload generates the download token and password, hashes the
// password with Argon2id, and writes the completed job row. Emailing is
// a separate, retryable concern left to the caller.
func IssueDownload(ctx context.Context, s *store.Store, jobID, resultSHA256 string, params Argon2Params, retentionWindow time.Duration, maxAttempts int) (Credentials, error) {
	token, err := GenerateToken()
	if err != nil {
		return Credentials{}, err
	}
	password, err := GeneratePassword(20)
	if err != nil {
		return Credentials{}, err
	}
	hash, err := HashPassword(password, params)
	if err != nil {
		return Credentials{}, err
	}

	expiresAt := time.Now().Add(retentionWindow)
	if err := s.MarkCompleted(ctx, jobID, resultSHA256, token, hash, expiresAt, maxAttempts); err != nil {
		return Credentials{}, err
	}

	return Credentials{Token: token, Password: password}, nil
}

// DownloadAttemptInfo is the request-scoped context a download verification
// needs, independent of the HTTP transport.
type DownloadAttemptInfo struct {
	Token            string
	Password         string
	IPAddress        string
	UserAgent        string
	RateLimitWindow  time.Duration
	RateLimitMax     int
}

// VerifyDownload runs the download endpoint's verification order in
// full: token lookup, expiry, attempt ceiling, rate limit, then password.
// The attempt-counter increment and password comparison happen inside a
// single transaction, so a burst of concurrent attempts against the same
// job cannot under-increment the counter and bypass the lockout.
//
// On success it returns the job so the caller can stream the packaged
// result; on failure it returns the mergeerr kind describing why.
func VerifyDownload(ctx context.Context, s *store.Store, info DownloadAttemptInfo) (*store.Job, error) {
	db := s.DB()

	var j store.Job
	err := db.GetContext(ctx, &j, `SELECT * FROM jobs WHERE download_token = ?`, info.Token)
	if err == sql.ErrNoRows {
		// download_attempts is keyed by job_id (FK to jobs); with no
		// matching job there is no row to key the attempt on, so an
		// unmatched token is recorded in the audit log instead.
		_ = s.InsertAudit(ctx, &store.AuditEvent{
			EventType: "download_attempt",
			IPAddress: sqlNullString(info.IPAddress),
			Action:    "download",
			Result:    store.AttemptInvalidToken,
			Severity:  store.SeverityWarning,
		})
		return nil, &mergeerr.InvalidToken{}
	}
	if err != nil {
		return nil, fmt.Errorf("could not look up download token: %w", err)
	}

	if j.ExpiresAt.Valid && time.Now().After(j.ExpiresAt.Time) {
		recordAttempt(ctx, s, j.ID, info, store.AttemptJobExpired, true, info.Password != "", true, false)
		return nil, &mergeerr.Expired{}
	}

	if j.DownloadAttempts >= j.MaxDownloadAttempts {
		recordAttempt(ctx, s, j.ID, info, store.AttemptMaxAttemptsExceeded, true, info.Password != "", true, false)
		return nil, &mergeerr.MaxAttemptsExceeded{}
	}

	recent, err := s.RecentDownloadAttempts(ctx, j.ID, info.RateLimitWindow)
	if err != nil {
		return nil, err
	}
	if recent >= info.RateLimitMax {
		recordAttempt(ctx, s, j.ID, info, store.AttemptRateLimited, true, info.Password != "", true, false)
		return nil, &mergeerr.RateLimited{}
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin download verification transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET download_attempts = download_attempts + 1, last_download_attempt = CURRENT_TIMESTAMP WHERE id = ?
	`, j.ID); err != nil {
		return nil, fmt.Errorf("could not increment download attempts: %w", err)
	}

	valid, err := VerifyPassword(info.Password, j.DownloadPasswordHash.String)
	if err != nil {
		return nil, fmt.Errorf("could not verify password: %w", err)
	}

	result := store.AttemptInvalidPassword
	if valid {
		result = store.AttemptSuccess
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO download_attempts (job_id, attempt_result, ip_address, user_agent, token_provided, password_provided, token_valid, password_valid)
		VALUES (?, ?, ?, ?, 1, ?, 1, ?)
	`, j.ID, result, info.IPAddress, info.UserAgent, info.Password != "", valid); err != nil {
		return nil, fmt.Errorf("could not record download attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit download verification: %w", err)
	}

	if !valid {
		return nil, &mergeerr.InvalidPassword{}
	}

	return &j, nil
}

func recordAttempt(ctx context.Context, s *store.Store, jobID string, info DownloadAttemptInfo, result string, tokenProvided, passwordProvided, tokenValid, passwordValid bool) {
	_ = s.InsertDownloadAttempt(ctx, &store.DownloadAttempt{
		JobID:            jobID,
		AttemptResult:    result,
		IPAddress:        info.IPAddress,
		UserAgent:        info.UserAgent,
		TokenProvided:    tokenProvided,
		PasswordProvided: passwordProvided,
		TokenValid:       tokenValid,
		PasswordValid:    passwordValid,
	})
}

func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
