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

import "github.com/zymatik-com/genomerge/internal/domain"

// ReferenceOnlyPolicy names how reference-only positions are emitted:
// when a reference panel variant has neither a matching imputed record
// nor a consumer genotype call, the variant is still emitted, with the
// user sample tagged Reference at dosage 0.0. Named as a constant (rather
// than left implicit) so output metadata can cite it.
const ReferenceOnlyPolicy = "emit_reference"

// referenceOnlyCall is the well-defined fallback for a reference variant
// with no imputed record and no consumer genotype match.
func referenceOnlyCall() domain.Call {
	return domain.Call{
		Dosage: 0.0,
		Phased: "0|0",
		Source: domain.SourceReference,
	}
}
