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

// Package reconcile converts a two-letter consumer genotype to a dosage
// given a (ref, alt) context. It is pure and side-effect free.
package reconcile

import (
	"github.com/zymatik-com/genomerge/internal/domain"
	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// Result is the successful outcome of reconciling a genotype against a
// (ref, alt) context.
type Result struct {
	Dosage int
	Phased string
}

// Reconcile converts genotype (two letters, or "--" for no call) into a
// dosage and phased representation given the single-base ref/alt context.
//
// It never allocates on the common success path: the mismatch and
// no-call cases return sentinel errors from mergeerr, which the caller
// type-switches on to decide fallback behavior.
func Reconcile(genotype, ref, alt string) (Result, error) {
	if genotype == "--" {
		return Result{}, &mergeerr.MissingGenotype{}
	}

	if len(genotype) != 2 {
		return Result{}, &mergeerr.InvalidGenotype{Genotype: genotype}
	}

	// Indels (or any multi-base ref/alt) are rejected outright, even when
	// the two genotype letters happen to coincide with the indel's bases:
	// otherwise the same consumer letter pair would double-count against
	// an overlapping SNP and insertion/deletion at the same position.
	if !domain.IsSingleBase(ref) || !domain.IsSingleBase(alt) {
		return Result{}, &mergeerr.AllelesMismatch{Genotype: genotype, Ref: ref, Alt: alt}
	}

	x, y := genotype[0], genotype[1]
	r, a := ref[0], alt[0]

	switch {
	case x == r && y == r:
		return Result{Dosage: 0, Phased: "0|0"}, nil
	case (x == r && y == a) || (x == a && y == r):
		// Haplotype order is not recoverable from an unphased consumer
		// genotype; "0|1" is the canonical unphased-as-phased spelling.
		return Result{Dosage: 1, Phased: "0|1"}, nil
	case x == a && y == a:
		return Result{Dosage: 2, Phased: "1|1"}, nil
	default:
		return Result{}, &mergeerr.AllelesMismatch{Genotype: genotype, Ref: ref, Alt: alt}
	}
}
