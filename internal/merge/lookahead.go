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

package merge

import "github.com/zymatik-com/genomerge/internal/imputed"

// imputedSource is anything that yields imputed.Variant records in
// ascending position order; satisfied by *imputed.Reader and, in tests, a
// simple in-memory slice cursor.
type imputedSource interface {
	Next() (*imputed.Variant, error)
}

// lookahead implements a bounded two-finger walk across the reference
// and imputed streams: it buffers imputed records one position at a time
// (there can be more than one alt allele per position) just far enough ahead of the
// reference-panel cursor to answer "is there an imputed record at
// (chrom, pos, ref, alt)?" without holding the whole chromosome in memory.
type lookahead struct {
	src     imputedSource
	buf     map[int64][]*imputed.Variant
	lastPos int64
	eof     bool
}

func newLookahead(src imputedSource) *lookahead {
	return &lookahead{src: src, buf: make(map[int64][]*imputed.Variant)}
}

// advanceTo ensures every imputed record at position <= pos has either been
// buffered or consumed, then discards any buffered position strictly less
// than pos (the reference cursor never revisits earlier positions, so nothing
// will ever match and we can evict it).
func (l *lookahead) advanceTo(pos int64) error {
	for !l.eof && l.lastPos <= pos {
		v, err := l.src.Next()
		if err != nil {
			return err
		}
		if v == nil {
			l.eof = true
			break
		}
		l.lastPos = v.Position
		l.buf[v.Position] = append(l.buf[v.Position], v)
	}

	for p := range l.buf {
		if p < pos {
			delete(l.buf, p)
		}
	}

	return nil
}

// lookup returns the imputed record at (pos, ref, alt), if one was buffered.
func (l *lookahead) lookup(pos int64, ref, alt string) *imputed.Variant {
	for _, v := range l.buf[pos] {
		if v.Ref == ref && v.Alt == alt {
			return v
		}
	}
	return nil
}
