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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/domain"
)

type recordingWriter struct {
	mu       sync.Mutex
	chroms   []int
	closed   bool
	writeErr error
	closeErr error
}

func (r *recordingWriter) WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chroms = append(r.chroms, chromosome)
	return r.writeErr
}

func (r *recordingWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.closeErr
}

func TestFanOutDispatchesToEveryWriter(t *testing.T) {
	a := &recordingWriter{}
	b := &recordingWriter{}
	fo := NewFanOut(map[Format]ChromosomeWriter{FormatParquet: a, FormatVCF: b})

	err := fo.WriteChromosome(context.Background(), 7, []domain.MergedVariant{{}})
	require.NoError(t, err)
	require.Equal(t, []int{7}, a.chroms)
	require.Equal(t, []int{7}, b.chroms)

	require.NoError(t, fo.Close())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestFanOutPropagatesWriterError(t *testing.T) {
	failing := &recordingWriter{writeErr: errors.New("disk full")}
	ok := &recordingWriter{}
	fo := NewFanOut(map[Format]ChromosomeWriter{FormatParquet: failing, FormatSQLite: ok})

	err := fo.WriteChromosome(context.Background(), 1, nil)
	require.Error(t, err)
}

func TestFanOutCloseAggregatesErrors(t *testing.T) {
	a := &recordingWriter{closeErr: errors.New("a failed")}
	b := &recordingWriter{closeErr: errors.New("b failed")}
	fo := NewFanOut(map[Format]ChromosomeWriter{FormatParquet: a, FormatVCF: b})

	err := fo.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "a failed")
	require.Contains(t, err.Error(), "b failed")
}
