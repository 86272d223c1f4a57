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

package refpanel

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func insertVariant(t *testing.T, s *Store, chrom int, pos int64, ref, alt string, samples [domain.ReferencePanelSize]string) {
	t.Helper()
	samplesJSON, err := json.Marshal(samples[:])
	require.NoError(t, err)
	_, err = s.db.Exec(`
		INSERT INTO reference_variants (chromosome, position, rsid, ref_allele, alt_allele, is_typed, samples_json)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, chrom, pos, fmt.Sprintf("rs%d", pos), ref, alt, string(samplesJSON))
	require.NoError(t, err)
}

func allHomRef() [domain.ReferencePanelSize]string {
	var s [domain.ReferencePanelSize]string
	for i := range s {
		s[i] = "0|0"
	}
	return s
}

func TestStoreGetAndScanOrdering(t *testing.T) {
	s := newTestStore(t)
	insertVariant(t, s, 1, 200, "C", "T", allHomRef())
	insertVariant(t, s, 1, 100, "A", "G", allHomRef())
	insertVariant(t, s, 2, 50, "A", "C", allHomRef())

	ctx := context.Background()

	v, err := s.Get(ctx, 1, 100, "A", "G")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, "rs100", v.RSID)

	miss, err := s.Get(ctx, 1, 999, "A", "G")
	require.NoError(t, err)
	require.Nil(t, miss)

	var positions []int64
	err = s.Scan(ctx, 1, func(v Variant) error {
		positions = append(positions, v.Position)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{100, 200}, positions)
}
