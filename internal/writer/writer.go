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

// Package writer implements the multi-format writer: fanning out one
// chromosome-ordered merged-variant stream to whichever of Parquet, gzipped
// VCF, and SQLite the job selected, under a bounded-memory contract (at
// most one chromosome's worth of variants buffered per format at a time).
package writer

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// Format names one of the three supported output formats.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatVCF     Format = "vcf"
	FormatSQLite  Format = "sqlite"
)

// VCFMode selects single merged-file or per-chromosome VCF output.
type VCFMode string

const (
	VCFModeMerged        VCFMode = "merged"
	VCFModePerChromosome VCFMode = "per_chromosome"
)

// ChromosomeWriter is implemented by each format-specific writer. WriteChromosome
// is called once per chromosome, in ascending chromosome order, and must not
// retain variants beyond its own row-group/batch flush -- the
// bounded-memory contract every format promises.
type ChromosomeWriter interface {
	WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error
	Close() error
}

// Metadata is the output metadata common to all three formats.
type Metadata struct {
	JobID                 string
	UserID                string
	ReferencePanelVersion string
	Threshold             domain.QualityThreshold
	ReferenceOnlyPolicy   string
	PerChromosomeCounts   map[int]int
	TotalGenotyped        int
	TotalImputed          int
	TotalImputedLowQual   int
	TotalReferenceOnly    int
	GeneratedAt           string
}

// FanOut drives a set of ChromosomeWriters concurrently off the same
// per-chromosome batch. Each writer gets its own goroutine; a failure in
// one writer does not starve the others -- all errors are collected and
// joined.
type FanOut struct {
	writers map[Format]ChromosomeWriter
}

// NewFanOut constructs a FanOut from the writers selected for a job.
func NewFanOut(writers map[Format]ChromosomeWriter) *FanOut {
	return &FanOut{writers: writers}
}

// WriteChromosome fans one chromosome's merged variants out to every
// selected writer concurrently.
func (f *FanOut) WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error {
	g, ctx := errgroup.WithContext(ctx)
	for format, w := range f.writers {
		format, w := format, w
		g.Go(func() error {
			if err := w.WriteChromosome(ctx, chromosome, variants); err != nil {
				return fmt.Errorf("writer %s failed on chromosome %d: %w", format, chromosome, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every writer, aggregating any close errors with multierr so
// one writer's cleanup failure doesn't mask another's.
func (f *FanOut) Close() error {
	var err error
	for format, w := range f.writers {
		if cerr := w.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing writer %s: %w", format, cerr))
		}
	}
	return err
}

// MetadataWriter is implemented by formats that persist the output
// metadata, whether inside the file itself (the SQLite output's metadata
// table) or as a sidecar (the VCF output's JSON file).
type MetadataWriter interface {
	WriteMetadata(ctx context.Context, meta Metadata) error
}

// WriteMetadata writes meta into every selected writer that supports it.
// Called once after the last chromosome has been written to every format.
func (f *FanOut) WriteMetadata(ctx context.Context, meta Metadata) error {
	for format, w := range f.writers {
		if mw, ok := w.(MetadataWriter); ok {
			if err := mw.WriteMetadata(ctx, meta); err != nil {
				return fmt.Errorf("writer %s metadata: %w", format, err)
			}
		}
	}
	return nil
}
