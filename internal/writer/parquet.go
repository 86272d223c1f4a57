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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// ParquetWriter stages merged variants into an embedded DuckDB table via
// a parameterized INSERT (standing in for the Appender API) and finalizes
// the whole dataset with a single COPY ... TO ... (FORMAT PARQUET)
// statement on Close.
//
// Staging goes through an on-disk DuckDB database next to the output
// file, not an in-memory one: rows flushed at each chromosome commit land
// in DuckDB's disk-backed buffer pool, which can spill, so peak resident
// memory is bounded by one chromosome's batch no matter how many
// chromosomes precede the final COPY. The staging database is removed
// once the Parquet file has been written.
//
// The table has one row per (variant, sample) pair -- not one JSON-blob
// row per variant -- so a downstream reader can reconstruct the
// (variant, sample, dosage, source) relation directly off the column set.
type ParquetWriter struct {
	outputPath  string
	stagingPath string
	codec       string
	db          *sql.DB
	stmt        *sql.Stmt
}

const parquetStagingDDL = `
CREATE TABLE merged_calls (
	rsid                 VARCHAR,
	chromosome           INTEGER NOT NULL,
	position             BIGINT NOT NULL,
	ref_allele           VARCHAR NOT NULL,
	alt_allele           VARCHAR NOT NULL,
	allele_freq          DOUBLE,
	minor_allele_freq    DOUBLE,
	is_typed             BOOLEAN NOT NULL,
	sample_id            VARCHAR NOT NULL,
	genotype             VARCHAR NOT NULL,
	dosage               DOUBLE NOT NULL,
	source               VARCHAR NOT NULL,
	imputation_quality   DOUBLE
);
`

// NewParquetWriter opens an on-disk DuckDB staging database alongside the
// output path and creates the staging table rows are inserted into before
// the final COPY. codec is the DuckDB compression codec name; ZSTD is the
// default, with SNAPPY available as a configured alternative.
func NewParquetWriter(outputPath, codec string) (*ParquetWriter, error) {
	if codec == "" {
		codec = "ZSTD"
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}

	stagingPath := outputPath + ".staging.duckdb"
	_ = os.Remove(stagingPath)

	db, err := sql.Open("duckdb", stagingPath)
	if err != nil {
		return nil, fmt.Errorf("could not open duckdb staging database: %w", err)
	}
	if _, err := db.Exec(parquetStagingDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create staging table: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO merged_calls
			(rsid, chromosome, position, ref_allele, alt_allele, allele_freq, minor_allele_freq,
			 is_typed, sample_id, genotype, dosage, source, imputation_quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not prepare insert: %w", err)
	}

	return &ParquetWriter{outputPath: outputPath, stagingPath: stagingPath, codec: codec, db: db, stmt: stmt}, nil
}

// WriteChromosome flushes one chromosome's (variant, sample) rows into the
// staging table inside a single transaction. The commit hands the rows to
// the on-disk staging database, so nothing from earlier chromosomes stays
// resident while later ones are written.
func (w *ParquetWriter) WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin staging transaction for chromosome %d: %w", chromosome, err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, w.stmt)
	sampleIDs := domain.SampleIDs()

	for _, v := range variants {
		for i, call := range v.Samples {
			_, err := stmt.ExecContext(ctx,
				v.RSID, v.Key.Chromosome, v.Key.Position, v.Key.Ref, v.Key.Alt,
				v.AlleleFreq, v.MinorAlleleFreq, v.IsTyped,
				sampleIDs[i], call.Phased, call.Dosage, string(call.Source), v.ImputationQuality,
			)
			if err != nil {
				return fmt.Errorf("chromosome %d position %d sample %s: %w", chromosome, v.Key.Position, sampleIDs[i], err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit chromosome %d staging: %w", chromosome, err)
	}
	return nil
}

// Close runs the final COPY TO PARQUET off the staged rows, releases the
// DuckDB connection, and removes the staging database.
func (w *ParquetWriter) Close() error {
	defer func() {
		_ = os.Remove(w.stagingPath)
		_ = os.Remove(w.stagingPath + ".wal")
	}()
	defer w.db.Close()
	defer w.stmt.Close()

	copySQL := fmt.Sprintf(
		`COPY (SELECT * FROM merged_calls ORDER BY chromosome, position, ref_allele, alt_allele, sample_id) TO '%s' (FORMAT PARQUET, COMPRESSION %s)`,
		w.outputPath, w.codec,
	)
	if _, err := w.db.Exec(copySQL); err != nil {
		return fmt.Errorf("could not export parquet: %w", err)
	}
	return nil
}
