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

package imputed

import (
	"bytes"
	"io"
	"testing"

	"github.com/biogo/hts/bgzf"
	"github.com/stretchr/testify/require"
)

const vcfHeader = `##fileformat=VCFv4.3
##INFO=<ID=R2,Number=1,Type=Float,Description="Imputation R2">
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
##FORMAT=<ID=DS,Number=1,Type=Float,Description="Dosage">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	samp51
`

// bgzfMember compresses body as one independent bgzf member (one call to
// bgzf.NewWriter, one Close) -- the same block-boundary-per-Close shape a
// real imputation pipeline produces when it flushes periodically.
func bgzfMember(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := bgzf.NewWriter(&buf, 1)
	_, err := io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestMultiMemberBGZF builds a two-member bgzf stream -- header in the
// first member, a data line in the second -- the known failure mode where
// a single-member gzip.Reader silently stops after the first member and
// would see only the header with no records.
func TestMultiMemberBGZF(t *testing.T) {
	member1 := bgzfMember(t, vcfHeader)
	member2 := bgzfMember(t, "7\t93752551\trs1\tA\tG\t.\t.\tR2=0.95\tGT:DS\t0/1:0.98\n")

	var combined bytes.Buffer
	combined.Write(member1)
	combined.Write(member2)

	r, err := Open(7, &combined, io.NopCloser(&combined))
	require.NoError(t, err)
	defer r.Close()

	v, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, v, "multi-member bgzf must yield the record in the second member, not silently truncate after the first")
	require.Equal(t, "rs1", v.RSID)
	require.Equal(t, "A", v.Ref)
	require.Equal(t, "G", v.Alt)
	require.Equal(t, 0.98, v.Dosage)
	require.NotNil(t, v.R2)
	require.InDelta(t, 0.95, *v.R2, 1e-9)
	require.False(t, v.MultiBase)

	v, err = r.Next()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestMultiBaseRecordYieldedNotDropped(t *testing.T) {
	body := vcfHeader + "7\t93752551\trs2\tA\tAG\t.\t.\tR2=0.80\tGT:DS\t0/1:0.12\n"
	compressed := bgzfMember(t, body)
	buf := bytes.NewBuffer(compressed)

	r, err := Open(7, buf, io.NopCloser(buf))
	require.NoError(t, err)
	defer r.Close()

	v, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, v, "multi-base records are yielded for the merge engine to drop, not filtered here")
	require.True(t, v.MultiBase)
}

func TestMissingDSFailsTheFile(t *testing.T) {
	body := vcfHeader + "7\t100\trs3\tA\tT\t.\t.\tR2=0.9\tGT\t0/1\n"
	compressed := bgzfMember(t, body)
	buf := bytes.NewBuffer(compressed)

	r, err := Open(7, buf, io.NopCloser(buf))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.Error(t, err)
}

func TestSingleMemberStreamReadsAllRecords(t *testing.T) {
	body := vcfHeader +
		"7\t100\trs4\tA\tT\t.\t.\tR2=0.9\tGT:DS\t0/0:0.02\n" +
		"7\t200\trs5\tC\tG\t.\t.\tR2=0.99\tGT:DS\t1/1:1.98\n"
	compressed := bgzfMember(t, body)
	buf := bytes.NewBuffer(compressed)

	r, err := Open(7, buf, io.NopCloser(buf))
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, first)
	require.EqualValues(t, 100, first.Position)

	second, err := r.Next()
	require.NoError(t, err)
	require.NotNil(t, second)
	require.EqualValues(t, 200, second.Position)

	end, err := r.Next()
	require.NoError(t, err)
	require.Nil(t, end)
}
