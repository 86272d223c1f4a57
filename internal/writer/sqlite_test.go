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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/domain"
)

func sampleVariant(chromosome int, position int64, ref, alt string) domain.MergedVariant {
	var samples [domain.TotalSamples]domain.Call
	for i := range samples {
		samples[i] = domain.Call{Dosage: 0, Phased: "0|0", Source: domain.SourceReference}
	}
	samples[domain.UserSampleIndex] = domain.Call{Dosage: 1, Phased: "0|1", Source: domain.SourceGenotyped}

	return domain.MergedVariant{
		Key:     domain.VariantKey{Chromosome: chromosome, Position: position, Ref: ref, Alt: alt},
		RSID:    "rs1",
		IsTyped: true,
		Samples: samples,
	}
}

func TestSQLiteWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.sqlite")
	w, err := NewSQLiteWriter(path)
	require.NoError(t, err)

	err = w.WriteChromosome(context.Background(), 1, []domain.MergedVariant{
		sampleVariant(1, 100, "A", "G"),
		sampleVariant(1, 200, "C", "T"),
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteMetadata(context.Background(), Metadata{
		JobID:               "job-1",
		UserID:              "user-1",
		Threshold:           domain.ThresholdR09,
		ReferenceOnlyPolicy: "emit_reference",
		TotalGenotyped:      2,
	}))
	require.NoError(t, w.Close())

	reopened, err := NewSQLiteWriter(path)
	require.NoError(t, err)
	defer reopened.Close()

	var variantRows []variantRow
	err = reopened.db.Select(&variantRows, `SELECT * FROM variants ORDER BY position`)
	require.NoError(t, err)
	require.Len(t, variantRows, 2)
	require.Equal(t, int64(100), variantRows[0].Position)
	require.Equal(t, int64(200), variantRows[1].Position)

	var sampleRows []sampleVariantRow
	err = reopened.db.Select(&sampleRows, `
		SELECT * FROM sample_variants WHERE position = 100 AND sample_id = ?
	`, domain.SampleIDs()[domain.UserSampleIndex])
	require.NoError(t, err)
	require.Len(t, sampleRows, 1)
	require.Equal(t, string(domain.SourceGenotyped), sampleRows[0].Source)
	require.Equal(t, 1.0, sampleRows[0].Dosage)

	var refCount int
	require.NoError(t, reopened.db.Get(&refCount, `SELECT COUNT(*) FROM sample_variants WHERE position = 100 AND source = ?`, domain.SourceReference))
	require.Equal(t, domain.TotalSamples-1, refCount)

	var thresholdValue string
	require.NoError(t, reopened.db.Get(&thresholdValue, `SELECT value FROM metadata WHERE key = 'quality_threshold'`))
	require.Equal(t, string(domain.ThresholdR09), thresholdValue)

	var userID string
	require.NoError(t, reopened.db.Get(&userID, `SELECT value FROM metadata WHERE key = 'user_id'`))
	require.Equal(t, "user-1", userID)
}

func TestSQLiteWriterEmptyChromosomeIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.sqlite")
	w, err := NewSQLiteWriter(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteChromosome(context.Background(), 5, nil))

	var count int
	require.NoError(t, w.db.Get(&count, `SELECT COUNT(*) FROM variants`))
	require.Equal(t, 0, count)
}
