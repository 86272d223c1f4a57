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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(t *testing.T, s *Store, userID string) *Job {
	t.Helper()
	j := &Job{
		ID:                uuid.NewString(),
		UserID:            userID,
		UserEmail:         "user@example.com",
		QualityThreshold:  "R09",
		OutputFormatsJSON: `["parquet","vcf"]`,
		VCFMode:           "merged",
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.sqlite")
	require.NoError(t, Migrate(path))
	require.NoError(t, Migrate(path))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	newTestJob(t, s, "user-1")
}

func TestCreateAndClaimJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, s, "user-1")

	fetched, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.Equal(t, StatusPending, fetched.Status)

	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, j.ID, claimed.ID)
	require.Equal(t, StatusProcessing, claimed.Status)
	require.True(t, claimed.StartedAt.Valid)

	none, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestRowScopingDeniesOtherUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, s, "user-1")

	mine, err := s.GetJobForUser(ctx, j.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, mine)

	notMine, err := s.GetJobForUser(ctx, j.ID, "user-2")
	require.NoError(t, err)
	require.Nil(t, notMine)
}

func TestCompleteJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, s, "user-1")
	_, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, j.ID, 50, "chromosome 10"))
	fetched, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 50, fetched.ProgressPct)

	// A stale, lower progress update must not regress the persisted value.
	require.NoError(t, s.UpdateProgress(ctx, j.ID, 10, "should not apply"))
	fetched, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 50, fetched.ProgressPct)

	expiresAt := time.Now().Add(24 * time.Hour)
	require.NoError(t, s.MarkCompleted(ctx, j.ID, "deadbeef", "tok123", "hash123", expiresAt, 5))

	fetched, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, fetched.Status)
	require.Equal(t, 100, fetched.ProgressPct)
	require.Equal(t, "tok123", fetched.DownloadToken.String)
}

func TestStuckJobRecovery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, s, "user-1")
	_, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)

	stuck, err := s.StuckJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, j.ID, stuck[0].ID)

	require.NoError(t, s.MarkFailed(ctx, j.ID, "worker timeout"))
	fetched, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, fetched.Status)
	require.Equal(t, "worker timeout", fetched.ErrorMessage.String)
}

func TestAuditTableRejectsUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertAudit(ctx, &AuditEvent{
		EventType: "job_state_change",
		Action:    "transition_to_processing",
		Result:    "success",
	}))

	_, err := s.DB().ExecContext(ctx, `UPDATE audit SET result = 'tampered'`)
	require.Error(t, err)
}

func TestDownloadAttemptAccounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob(t, s, "user-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertDownloadAttempt(ctx, &DownloadAttempt{
			JobID:         j.ID,
			AttemptResult: AttemptInvalidPassword,
			PasswordValid: false,
		}))
		require.NoError(t, s.IncrementDownloadAttempts(ctx, j.ID))
	}

	count, err := s.DownloadAttemptCount(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	fetched, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 3, fetched.DownloadAttempts)
	require.Equal(t, count, fetched.DownloadAttempts)

	recent, err := s.RecentDownloadAttempts(ctx, j.ID, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 3, recent)
}
