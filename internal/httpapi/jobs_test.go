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

package httpapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectChromosome(t *testing.T) {
	cases := map[string]int{
		"chr7.vcf.gz":       7,
		"chr22.vcf.gz":      22,
		"sample.1.vcf.gz":   1,
		"imputed_chr03.vcf": 3,
	}
	for name, want := range cases {
		got, err := detectChromosome(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}
}

func TestDetectChromosomeRejectsUnresolvable(t *testing.T) {
	_, err := detectChromosome("genome.txt")
	require.Error(t, err)
}

func TestDetectChromosomeRejectsOutOfRange(t *testing.T) {
	_, err := detectChromosome("chr23.vcf.gz")
	require.Error(t, err)
}
