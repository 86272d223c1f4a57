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

// Package refpanel implements the reference-panel store: random-access
// lookup and ordered per-chromosome scan of the fixed 50-sample phased
// reference panel. The store is process-wide, read-only once opened, and
// safely shared across worker goroutines.
package refpanel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// Variant is one reference-panel row: the identity tuple, population
// frequencies, and the 50 donor samples' phased genotype strings.
type Variant struct {
	Chromosome        int
	Position          int64
	RSID              string
	Ref               string
	Alt               string
	AlleleFreq        *float64
	MinorAlleleFreq   *float64
	IsTyped           bool
	ImputationQuality *float64
	Samples           [domain.ReferencePanelSize]string
}

// row is the flat on-disk shape: samples are packed as a JSON array of 50
// phased strings.
type row struct {
	Chromosome        int     `db:"chromosome"`
	Position          int64   `db:"position"`
	RSID              string  `db:"rsid"`
	Ref               string  `db:"ref_allele"`
	Alt               string  `db:"alt_allele"`
	AlleleFreq        *float64 `db:"allele_freq"`
	MinorAlleleFreq   *float64 `db:"minor_allele_freq"`
	IsTyped           bool    `db:"is_typed"`
	ImputationQuality *float64 `db:"imputation_quality"`
	SamplesJSON       string  `db:"samples_json"`
}

func (r row) toVariant() (Variant, error) {
	var samples [domain.ReferencePanelSize]string
	var decoded []string
	if err := json.Unmarshal([]byte(r.SamplesJSON), &decoded); err != nil {
		return Variant{}, fmt.Errorf("could not decode reference samples: %w", err)
	}
	if len(decoded) != domain.ReferencePanelSize {
		return Variant{}, fmt.Errorf("expected %d reference samples, got %d", domain.ReferencePanelSize, len(decoded))
	}
	copy(samples[:], decoded)

	return Variant{
		Chromosome:        r.Chromosome,
		Position:          r.Position,
		RSID:              r.RSID,
		Ref:               r.Ref,
		Alt:               r.Alt,
		AlleleFreq:        r.AlleleFreq,
		MinorAlleleFreq:   r.MinorAlleleFreq,
		IsTyped:           r.IsTyped,
		ImputationQuality: r.ImputationQuality,
		Samples:           samples,
	}, nil
}

// Store is a read-only handle onto the prebuilt reference-panel index.
type Store struct {
	db *sqlx.DB
}

// Open opens the reference-panel database at path. The index is expected
// to be prebuilt and is never written to by this process.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("could not open reference panel: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not reach reference panel: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open database handle as a Store. Used by the panel
// build tooling (which must write the schema and rows) and by tests that
// need to seed fixture data; production worker code always uses Open.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up a single reference variant by its identity tuple in O(1)
// expected time via the store's (chromosome, position, ref, alt) index.
func (s *Store) Get(ctx context.Context, chromosome int, position int64, ref, alt string) (*Variant, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `
		SELECT chromosome, position, rsid, ref_allele, alt_allele,
		       allele_freq, minor_allele_freq, is_typed, imputation_quality, samples_json
		FROM reference_variants
		WHERE chromosome = ? AND position = ? AND ref_allele = ? AND alt_allele = ?
	`, chromosome, position, ref, alt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reference panel lookup failed: %w", err)
	}

	v, err := r.toVariant()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Scan streams a chromosome's reference variants in ascending position
// order, invoking fn for each. Iteration stops early if fn returns an
// error, which Scan then returns unwrapped.
func (s *Store) Scan(ctx context.Context, chromosome int, fn func(Variant) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT chromosome, position, rsid, ref_allele, alt_allele,
		       allele_freq, minor_allele_freq, is_typed, imputation_quality, samples_json
		FROM reference_variants
		WHERE chromosome = ?
		ORDER BY position ASC, ref_allele ASC, alt_allele ASC
	`, chromosome)
	if err != nil {
		return fmt.Errorf("reference panel scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return fmt.Errorf("reference panel scan row failed: %w", err)
		}
		v, err := r.toVariant()
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Schema is the DDL a reference-panel build step uses to create the index
// consumed by Open. It is exported so the build tooling and tests share one
// source of truth for the table shape.
const Schema = `
CREATE TABLE IF NOT EXISTS reference_variants (
	chromosome         INTEGER NOT NULL,
	position            INTEGER NOT NULL,
	rsid                TEXT,
	ref_allele          TEXT NOT NULL,
	alt_allele          TEXT NOT NULL,
	allele_freq         REAL,
	minor_allele_freq   REAL,
	is_typed            BOOLEAN NOT NULL DEFAULT 0,
	imputation_quality  REAL,
	samples_json        TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reference_variants_identity
	ON reference_variants (chromosome, position, ref_allele, alt_allele);
CREATE INDEX IF NOT EXISTS idx_reference_variants_rsid ON reference_variants (rsid);
`
