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

// Package mergeerr defines the engine's comparable failure kinds. They
// are plain struct values, not wrapped dynamic errors, so the merge hot
// path (reconciling a consumer genotype against a reference allele pair)
// never allocates an error object for the common case.
package mergeerr

import "fmt"

// AllelesMismatch is returned by the allele reconciler when ref/alt
// aren't both single bases, or the genotype letters aren't a subset of them.
type AllelesMismatch struct {
	Genotype, Ref, Alt string
}

func (e *AllelesMismatch) Error() string {
	return fmt.Sprintf("alleles mismatch: genotype=%s ref=%s alt=%s", e.Genotype, e.Ref, e.Alt)
}

// InvalidGenotype is returned when the consumer genotype string is not
// exactly two characters.
type InvalidGenotype struct {
	Genotype string
}

func (e *InvalidGenotype) Error() string {
	return fmt.Sprintf("invalid genotype: %q", e.Genotype)
}

// MissingGenotype is returned for the consumer file's "--" no-call sentinel.
type MissingGenotype struct{}

func (e *MissingGenotype) Error() string { return "missing genotype (--)" }

// MalformedGenotypeFile is raised by the genotype reader when a
// non-comment line doesn't have exactly four tab-separated fields, or
// its position isn't numeric.
type MalformedGenotypeFile struct {
	Line int
	Err  error
}

func (e *MalformedGenotypeFile) Error() string {
	return fmt.Sprintf("malformed genotype file at line %d: %v", e.Line, e.Err)
}

func (e *MalformedGenotypeFile) Unwrap() error { return e.Err }

// MalformedImputedFile is raised by the imputed reader when a VCF record
// is missing the DS FORMAT subfield required to source a dosage.
type MalformedImputedFile struct {
	Chromosome int
	Line       int
	Err        error
}

func (e *MalformedImputedFile) Error() string {
	return fmt.Sprintf("malformed imputed file chr%d line %d: %v", e.Chromosome, e.Line, e.Err)
}

func (e *MalformedImputedFile) Unwrap() error { return e.Err }

// UnsupportedCompression indicates the imputed-file stream could not be
// opened as multi-member block gzip -- a bug indicator, never a user error.
type UnsupportedCompression struct {
	Err error
}

func (e *UnsupportedCompression) Error() string {
	return fmt.Sprintf("unsupported compression: %v", e.Err)
}

func (e *UnsupportedCompression) Unwrap() error { return e.Err }

// ReferenceMiss indicates no reference-panel row exists for a lookup key;
// the merge engine recovers via its reference-only policy, it is not
// fatal.
type ReferenceMiss struct {
	Chromosome int
	Position   int64
}

func (e *ReferenceMiss) Error() string {
	return fmt.Sprintf("no reference panel entry at chr%d:%d", e.Chromosome, e.Position)
}

// ChunkMissing is returned by upload finalize when a chunk index in
// [0, total_chunks) was never uploaded.
type ChunkMissing struct {
	Index int
}

func (e *ChunkMissing) Error() string { return fmt.Sprintf("chunk %d missing", e.Index) }

// ChunkOutOfRange is returned when a chunk_index falls outside
// [0, total_chunks).
type ChunkOutOfRange struct {
	Index, Total int
}

func (e *ChunkOutOfRange) Error() string {
	return fmt.Sprintf("chunk index %d out of range [0,%d)", e.Index, e.Total)
}

// InvalidToken indicates the download token does not match any job.
type InvalidToken struct{}

func (e *InvalidToken) Error() string { return "invalid download token" }

// InvalidPassword indicates the supplied password failed constant-time
// comparison against the stored Argon2id hash.
type InvalidPassword struct{}

func (e *InvalidPassword) Error() string { return "invalid download password" }

// Expired indicates now() > the job's expires_at.
type Expired struct{}

func (e *Expired) Error() string { return "job expired" }

// RateLimited indicates more than the configured per-minute download
// attempts have been made for this job.
type RateLimited struct{}

func (e *RateLimited) Error() string { return "download rate limited" }

// MaxAttemptsExceeded indicates download_attempts has reached the job's
// max_download_attempts.
type MaxAttemptsExceeded struct{}

func (e *MaxAttemptsExceeded) Error() string { return "max download attempts exceeded" }

// WorkerTimeout is recorded by the sweeper against a stuck `processing` job.
type WorkerTimeout struct{}

func (e *WorkerTimeout) Error() string { return "worker timeout" }

// StorageUnavailable wraps a failed DB/queue call. Idempotent callers retry
// with backoff; non-idempotent callers (final state transitions) fail the
// job instead.
type StorageUnavailable struct {
	Err error
}

func (e *StorageUnavailable) Error() string { return fmt.Sprintf("storage unavailable: %v", e.Err) }

func (e *StorageUnavailable) Unwrap() error { return e.Err }
