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

package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// SQLiteWriter reuses the mattn/go-sqlite3 + jmoiron/sqlx stack the
// reference panel is read with, one write transaction per chromosome.
//
// Schema: a variants table keyed by (chromosome, position, ref_allele,
// alt_allele), a sample_variants table keyed by that tuple plus
// sample_id, and a metadata key/value table.
type SQLiteWriter struct {
	db *sqlx.DB
}

const sqliteOutputDDL = `
CREATE TABLE IF NOT EXISTS variants (
	chromosome          INTEGER NOT NULL,
	position             INTEGER NOT NULL,
	rsid                 TEXT,
	ref_allele           TEXT NOT NULL,
	alt_allele           TEXT NOT NULL,
	allele_freq          REAL,
	minor_allele_freq    REAL,
	is_typed             BOOLEAN NOT NULL,
	imputation_quality   REAL,
	PRIMARY KEY (chromosome, position, ref_allele, alt_allele)
);
CREATE INDEX IF NOT EXISTS idx_variants_chrom_pos ON variants (chromosome, position);
CREATE INDEX IF NOT EXISTS idx_variants_rsid ON variants (rsid);

CREATE TABLE IF NOT EXISTS sample_variants (
	chromosome  INTEGER NOT NULL,
	position     INTEGER NOT NULL,
	ref_allele   TEXT NOT NULL,
	alt_allele   TEXT NOT NULL,
	sample_id    TEXT NOT NULL,
	genotype     TEXT NOT NULL,
	dosage       REAL NOT NULL,
	source       TEXT NOT NULL,
	PRIMARY KEY (chromosome, position, ref_allele, alt_allele, sample_id)
);
CREATE INDEX IF NOT EXISTS idx_sample_variants_chrom_pos ON sample_variants (chromosome, position);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type variantRow struct {
	Chromosome        int      `db:"chromosome"`
	Position          int64    `db:"position"`
	RSID              string   `db:"rsid"`
	Ref               string   `db:"ref_allele"`
	Alt               string   `db:"alt_allele"`
	AlleleFreq        *float64 `db:"allele_freq"`
	MinorAlleleFreq   *float64 `db:"minor_allele_freq"`
	IsTyped           bool     `db:"is_typed"`
	ImputationQuality *float64 `db:"imputation_quality"`
}

type sampleVariantRow struct {
	Chromosome int     `db:"chromosome"`
	Position   int64   `db:"position"`
	Ref        string  `db:"ref_allele"`
	Alt        string  `db:"alt_allele"`
	SampleID   string  `db:"sample_id"`
	Genotype   string  `db:"genotype"`
	Dosage     float64 `db:"dosage"`
	Source     string  `db:"source"`
}

// NewSQLiteWriter creates (or replaces) the SQLite output database at path
// and its schema.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite output: %w", err)
	}
	if _, err := db.Exec(sqliteOutputDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create output schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// WriteChromosome inserts one chromosome's variants and per-sample calls
// inside a single transaction, using sqlx.NamedExec batch inserts the same
// way the sibling store layers do.
func (w *SQLiteWriter) WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction for chromosome %d: %w", chromosome, err)
	}
	defer tx.Rollback()

	sampleIDs := domain.SampleIDs()

	variantRows := make([]variantRow, 0, len(variants))
	sampleRows := make([]sampleVariantRow, 0, len(variants)*domain.TotalSamples)
	for _, v := range variants {
		variantRows = append(variantRows, variantRow{
			Chromosome:        v.Key.Chromosome,
			Position:          v.Key.Position,
			RSID:              v.RSID,
			Ref:               v.Key.Ref,
			Alt:               v.Key.Alt,
			AlleleFreq:        v.AlleleFreq,
			MinorAlleleFreq:   v.MinorAlleleFreq,
			IsTyped:           v.IsTyped,
			ImputationQuality: v.ImputationQuality,
		})
		for i, call := range v.Samples {
			sampleRows = append(sampleRows, sampleVariantRow{
				Chromosome: v.Key.Chromosome,
				Position:   v.Key.Position,
				Ref:        v.Key.Ref,
				Alt:        v.Key.Alt,
				SampleID:   sampleIDs[i],
				Genotype:   call.Phased,
				Dosage:     call.Dosage,
				Source:     string(call.Source),
			})
		}
	}

	if len(variantRows) > 0 {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO variants
				(chromosome, position, rsid, ref_allele, alt_allele, allele_freq, minor_allele_freq, is_typed, imputation_quality)
			VALUES
				(:chromosome, :position, :rsid, :ref_allele, :alt_allele, :allele_freq, :minor_allele_freq, :is_typed, :imputation_quality)
		`, variantRows); err != nil {
			return fmt.Errorf("could not insert chromosome %d variants: %w", chromosome, err)
		}
	}

	if len(sampleRows) > 0 {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO sample_variants
				(chromosome, position, ref_allele, alt_allele, sample_id, genotype, dosage, source)
			VALUES
				(:chromosome, :position, :ref_allele, :alt_allele, :sample_id, :genotype, :dosage, :source)
		`, sampleRows); err != nil {
			return fmt.Errorf("could not insert chromosome %d sample calls: %w", chromosome, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit chromosome %d: %w", chromosome, err)
	}
	return nil
}

// WriteMetadata records the job-level output metadata into the metadata
// key/value table. Called once after every chromosome has been written.
func (w *SQLiteWriter) WriteMetadata(ctx context.Context, meta Metadata) error {
	perChrom, err := json.Marshal(meta.PerChromosomeCounts)
	if err != nil {
		return fmt.Errorf("could not encode per-chromosome counts: %w", err)
	}

	kv := map[string]string{
		"job_id":                  meta.JobID,
		"user_id":                 meta.UserID,
		"reference_panel_version": meta.ReferencePanelVersion,
		"quality_threshold":       string(meta.Threshold),
		"reference_only_policy":   meta.ReferenceOnlyPolicy,
		"per_chromosome_counts":   string(perChrom),
		"total_genotyped":         fmt.Sprintf("%d", meta.TotalGenotyped),
		"total_imputed":           fmt.Sprintf("%d", meta.TotalImputed),
		"total_imputed_low_qual":  fmt.Sprintf("%d", meta.TotalImputedLowQual),
		"total_reference_only":    fmt.Sprintf("%d", meta.TotalReferenceOnly),
		"generated_at":            meta.GeneratedAt,
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin metadata transaction: %w", err)
	}
	defer tx.Rollback()

	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("could not write metadata key %s: %w", k, err)
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
