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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

func TestChunkedUploadFinalizeSucceedsOutOfOrder(t *testing.T) {
	root := t.TempDir()
	u := NewUploadStaging(root)

	id, err := u.StartUpload()
	require.NoError(t, err)

	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 2, 3, strings.NewReader("ghi")))
	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 0, 3, strings.NewReader("abc")))
	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 1, 3, strings.NewReader("def")))

	// A second imputed file in the same session must not collide with the
	// first one's chunks.
	require.NoError(t, u.WriteChunk(id, "imputed", "chr2.vcf.gz", 0, 1, strings.NewReader("zzz")))

	outPath := filepath.Join(root, "out", "chr1.vcf.gz")
	hash, size, err := u.Finalize(id, "imputed", "chr1.vcf.gz", 3, outPath)
	require.NoError(t, err)
	require.Equal(t, int64(9), size)
	require.Equal(t, HashResult([]byte("abcdefghi")), hash)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "abcdefghi", string(data))
}

func TestChunkedUploadFinalizeMissingChunk(t *testing.T) {
	root := t.TempDir()
	u := NewUploadStaging(root)

	id, err := u.StartUpload()
	require.NoError(t, err)

	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 0, 4, strings.NewReader("a")))
	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 1, 4, strings.NewReader("b")))
	require.NoError(t, u.WriteChunk(id, "imputed", "chr1.vcf.gz", 3, 4, strings.NewReader("d")))

	_, _, err = u.Finalize(id, "imputed", "chr1.vcf.gz", 4, filepath.Join(root, "out.bin"))
	require.Error(t, err)
	var missing *mergeerr.ChunkMissing
	require.ErrorAs(t, err, &missing)
	require.Equal(t, 2, missing.Index)
}

func TestChunkedUploadRejectsOutOfRangeIndex(t *testing.T) {
	root := t.TempDir()
	u := NewUploadStaging(root)

	id, err := u.StartUpload()
	require.NoError(t, err)

	err = u.WriteChunk(id, "imputed", "chr1.vcf.gz", 5, 4, strings.NewReader("x"))
	require.Error(t, err)
	var outOfRange *mergeerr.ChunkOutOfRange
	require.ErrorAs(t, err, &outOfRange)
}

func TestCleanupRemovesStagingDirectory(t *testing.T) {
	root := t.TempDir()
	u := NewUploadStaging(root)

	id, err := u.StartUpload()
	require.NoError(t, err)
	require.NoError(t, u.WriteChunk(id, "genotype", "genome.txt", 0, 1, strings.NewReader("x")))

	require.NoError(t, u.Cleanup(id))

	_, err = os.Stat(filepath.Join(root, id))
	require.True(t, os.IsNotExist(err))
}

func TestIdleSessionsReportsOnlyStaleSessions(t *testing.T) {
	root := t.TempDir()
	u := NewUploadStaging(root)

	freshID, err := u.StartUpload()
	require.NoError(t, err)

	staleID, err := u.StartUpload()
	require.NoError(t, err)
	u.sessions[staleID].lastActive = time.Now().Add(-2 * time.Hour)

	idle := u.IdleSessions(time.Hour)
	require.Contains(t, idle, staleID)
	require.NotContains(t, idle, freshID)
}
