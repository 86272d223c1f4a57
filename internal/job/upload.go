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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// ChunkedUpload tracks one in-progress chunked upload session, staged
// under <root>/uploads/<upload_id>/<file_type>/<filename>/<chunk_index>.
// Chunks are keyed by both file type and filename because a single
// session carries up to 22 imputed files sharing one file type.
type ChunkedUpload struct {
	root       string
	UploadID   string
	StartedAt  time.Time
	lastActive time.Time
}

// UploadStaging manages chunked upload sessions on disk. It holds no
// database state of its own -- a session only becomes a job row on
// Finalize. Safe for concurrent use by the HTTP handlers.
type UploadStaging struct {
	mu       sync.Mutex
	root     string
	sessions map[string]*ChunkedUpload
}

// NewUploadStaging creates a staging manager rooted at root
// (typically "<data-dir>/uploads").
func NewUploadStaging(root string) *UploadStaging {
	return &UploadStaging{root: root, sessions: make(map[string]*ChunkedUpload)}
}

// StartUpload begins a new chunked upload session and returns its id.
func (u *UploadStaging) StartUpload() (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(u.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create upload staging directory: %w", err)
	}
	u.mu.Lock()
	u.sessions[id] = &ChunkedUpload{root: dir, UploadID: id, StartedAt: time.Now(), lastActive: time.Now()}
	u.mu.Unlock()
	return id, nil
}

func (u *UploadStaging) session(uploadID string) (*ChunkedUpload, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[uploadID]
	return s, ok
}

// WriteChunk stages one chunk for a file within an upload session. Chunks
// may arrive out of order; each is written to a file named by its index.
func (u *UploadStaging) WriteChunk(uploadID, fileType, filename string, chunkIndex, totalChunks int, r io.Reader) error {
	session, ok := u.session(uploadID)
	if !ok {
		return fmt.Errorf("unknown upload session %s", uploadID)
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return &mergeerr.ChunkOutOfRange{Index: chunkIndex, Total: totalChunks}
	}
	u.mu.Lock()
	session.lastActive = time.Now()
	u.mu.Unlock()

	dir := filepath.Join(session.root, fileType, filepath.Base(filename))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create chunk directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%06d.chunk", chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not stage chunk %d: %w", chunkIndex, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("could not write chunk %d: %w", chunkIndex, err)
	}
	return nil
}

// Finalize concatenates a file's staged chunks in order, verifying every
// index in [0, totalChunks) is present, and returns the reconstituted
// file's path and SHA-256 hash. It does not remove the session -- callers
// call Cleanup once every file in the upload has been finalized.
func (u *UploadStaging) Finalize(uploadID, fileType, filename string, totalChunks int, outPath string) (sha256Hex string, size int64, err error) {
	session, ok := u.session(uploadID)
	if !ok {
		return "", 0, fmt.Errorf("unknown upload session %s", uploadID)
	}

	dir := filepath.Join(session.root, fileType, filepath.Base(filename))
	present, err := stagedChunks(dir, totalChunks)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("could not create output directory: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("could not create reconstituted file: %w", err)
	}
	defer out.Close()

	indices := make([]int, 0, totalChunks)
	for i := range present {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var total int64
	for _, idx := range indices {
		chunkPath := filepath.Join(dir, fmt.Sprintf("%06d.chunk", idx))
		n, err := copyChunk(out, chunkPath)
		if err != nil {
			return "", 0, err
		}
		total += n
	}

	hash, err := hashFile(outPath)
	if err != nil {
		return "", 0, err
	}
	return hash, total, nil
}

// VerifyChunks reports whether every chunk index in [0, totalChunks) has
// been staged for a file, without reconstituting it. Callers run this for
// every file in a session before creating the job row, so a missing chunk
// rejects the finalize outright and no job is ever created for an
// incomplete upload.
func (u *UploadStaging) VerifyChunks(uploadID, fileType, filename string, totalChunks int) error {
	session, ok := u.session(uploadID)
	if !ok {
		return fmt.Errorf("unknown upload session %s", uploadID)
	}
	dir := filepath.Join(session.root, fileType, filepath.Base(filename))
	_, err := stagedChunks(dir, totalChunks)
	return err
}

// stagedChunks lists the chunk indices staged under dir, failing with
// ChunkMissing on the first absent index in [0, totalChunks).
func stagedChunks(dir string, totalChunks int) (map[int]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &mergeerr.ChunkMissing{Index: 0}
		}
		return nil, fmt.Errorf("could not read staged chunks: %w", err)
	}

	present := make(map[int]bool, len(entries))
	for _, e := range entries {
		var idx int
		if _, scanErr := fmt.Sscanf(e.Name(), "%06d.chunk", &idx); scanErr == nil {
			present[idx] = true
		}
	}
	for i := 0; i < totalChunks; i++ {
		if !present[i] {
			return nil, &mergeerr.ChunkMissing{Index: i}
		}
	}
	return present, nil
}

// Cleanup removes an upload session's staging directory entirely, used
// both after a successful finalize and by the idle-session sweeper.
func (u *UploadStaging) Cleanup(uploadID string) error {
	u.mu.Lock()
	session, ok := u.sessions[uploadID]
	if ok {
		delete(u.sessions, uploadID)
	}
	u.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(session.root)
}

// IdleSessions returns upload ids whose sessions have had no chunk written
// for longer than idleWindow, the input to the chunk-session garbage
// collector (default 1 hour).
func (u *UploadStaging) IdleSessions(idleWindow time.Duration) []string {
	cutoff := time.Now().Add(-idleWindow)
	u.mu.Lock()
	defer u.mu.Unlock()
	var idle []string
	for id, s := range u.sessions {
		if s.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

func copyChunk(dst io.Writer, chunkPath string) (int64, error) {
	f, err := os.Open(chunkPath)
	if err != nil {
		return 0, fmt.Errorf("could not open chunk %s: %w", chunkPath, err)
	}
	defer f.Close()
	n, err := io.Copy(dst, f)
	if err != nil {
		return 0, fmt.Errorf("could not append chunk %s: %w", chunkPath, err)
	}
	return n, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s for hashing: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("could not read %s for hashing: %w", path, err)
	}
	return HashResult(data), nil
}

// FinalizeJob creates the job row for a fully-reconstituted, fully-hashed
// upload: the last step of the finalize call. Individual file
// records should already have been created via store.CreateFile by the
// caller as each file finished reconstituting.
func FinalizeJob(ctx context.Context, s *store.Store, userID, userEmail, qualityThreshold, outputFormatsJSON, vcfMode string) (*store.Job, error) {
	j := &store.Job{
		ID:                uuid.NewString(),
		UserID:            userID,
		UserEmail:         userEmail,
		QualityThreshold:  qualityThreshold,
		OutputFormatsJSON: outputFormatsJSON,
		VCFMode:           vcfMode,
	}
	if err := s.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}
