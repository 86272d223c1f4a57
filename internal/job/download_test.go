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
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

func newTestDownloadJob(t *testing.T) (*store.Store, *store.Job, Credentials) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	j := &store.Job{
		ID:                uuid.NewString(),
		UserID:            "user-1",
		UserEmail:         "user@example.com",
		QualityThreshold:  "R09",
		OutputFormatsJSON: `["vcf"]`,
		VCFMode:           "merged",
	}
	require.NoError(t, s.CreateJob(ctx, j))
	_, err = s.ClaimNextPending(ctx)
	require.NoError(t, err)

	params := Argon2Params{Time: 1, MemoryKiB: 8 * 1024, Threads: 1, KeyLen: 32}
	creds, err := IssueDownload(ctx, s, j.ID, "deadbeef", params, 24*time.Hour, 5)
	require.NoError(t, err)

	return s, j, creds
}

func defaultAttemptInfo(token, password string) DownloadAttemptInfo {
	return DownloadAttemptInfo{
		Token:           token,
		Password:        password,
		IPAddress:       "203.0.113.1",
		UserAgent:       "test-agent",
		RateLimitWindow: time.Minute,
		RateLimitMax:    3,
	}
}

func TestVerifyDownloadSucceedsWithCorrectCredentials(t *testing.T) {
	s, j, creds := newTestDownloadJob(t)

	got, err := VerifyDownload(context.Background(), s, defaultAttemptInfo(creds.Token, creds.Password))
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)

	count, err := s.DownloadAttemptCount(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestVerifyDownloadRejectsUnknownToken(t *testing.T) {
	s, _, _ := newTestDownloadJob(t)

	_, err := VerifyDownload(context.Background(), s, defaultAttemptInfo("no-such-token", "whatever"))
	require.Error(t, err)
	var invalidToken *mergeerr.InvalidToken
	require.ErrorAs(t, err, &invalidToken)
}

func TestVerifyDownloadRejectsWrongPassword(t *testing.T) {
	s, j, creds := newTestDownloadJob(t)

	_, err := VerifyDownload(context.Background(), s, defaultAttemptInfo(creds.Token, "wrong-password"))
	require.Error(t, err)
	var invalidPassword *mergeerr.InvalidPassword
	require.ErrorAs(t, err, &invalidPassword)

	fetched, err := s.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fetched.DownloadAttempts)
}

func TestVerifyDownloadEnforcesRateLimit(t *testing.T) {
	s, _, creds := newTestDownloadJob(t)
	info := defaultAttemptInfo(creds.Token, "wrong-password")

	for i := 0; i < 3; i++ {
		_, err := VerifyDownload(context.Background(), s, info)
		require.Error(t, err)
		var invalidPassword *mergeerr.InvalidPassword
		require.ErrorAs(t, err, &invalidPassword)
	}

	_, err := VerifyDownload(context.Background(), s, info)
	require.Error(t, err)
	var rateLimited *mergeerr.RateLimited
	require.ErrorAs(t, err, &rateLimited)
}

func TestVerifyDownloadEnforcesMaxAttempts(t *testing.T) {
	s, j, creds := newTestDownloadJob(t)

	// Drain the attempt budget directly, bypassing the per-minute rate
	// limit, to isolate the max-attempts check.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.IncrementDownloadAttempts(context.Background(), j.ID))
	}

	_, err := VerifyDownload(context.Background(), s, defaultAttemptInfo(creds.Token, creds.Password))
	require.Error(t, err)
	var maxExceeded *mergeerr.MaxAttemptsExceeded
	require.ErrorAs(t, err, &maxExceeded)
}

func TestVerifyDownloadRejectsExpiredJob(t *testing.T) {
	s, j, creds := newTestDownloadJob(t)

	_, err := s.DB().ExecContext(context.Background(), `UPDATE jobs SET expires_at = ? WHERE id = ?`, time.Now().Add(-time.Hour), j.ID)
	require.NoError(t, err)

	_, err = VerifyDownload(context.Background(), s, defaultAttemptInfo(creds.Token, creds.Password))
	require.Error(t, err)
	var expired *mergeerr.Expired
	require.ErrorAs(t, err, &expired)
}
