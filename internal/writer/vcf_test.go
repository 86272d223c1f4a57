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
	"compress/gzip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/brentp/vcfgo"
	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// testVariant builds a merged variant whose 50 reference samples are all
// homozygous reference and whose user sample carries the given call.
func testVariant(chrom int, pos int64, ref, alt, rsid string, user domain.Call, r2 *float64) domain.MergedVariant {
	v := domain.MergedVariant{
		Key:               domain.VariantKey{Chromosome: chrom, Position: pos, Ref: ref, Alt: alt},
		RSID:              rsid,
		ImputationQuality: r2,
	}
	for i := 0; i < domain.ReferencePanelSize; i++ {
		v.Samples[i] = domain.Call{Dosage: 0, Phased: "0|0", Source: domain.SourceReference}
	}
	v.Samples[domain.UserSampleIndex] = user
	return v
}

func float64Ptr(f float64) *float64 { return &f }

func TestVCFWriterGzipValidWith51SampleColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merged.vcf.gz")

	w, err := NewVCFWriter(VCFModeMerged, path)
	require.NoError(t, err)

	variants := []domain.MergedVariant{
		testVariant(1, 100, "C", "T", "rs100", domain.Call{Dosage: 1, Phased: "0|1", Source: domain.SourceGenotyped}, nil),
		testVariant(1, 250, "A", "G", "rs250", domain.Call{Dosage: 1.17, Phased: "0|1", Source: domain.SourceImputedLowQuality}, float64Ptr(0.42)),
	}
	require.NoError(t, w.WriteChromosome(context.Background(), 1, variants))
	require.NoError(t, w.Close())

	// The byte stream must be a valid gzip stream whose decompressed
	// content parses as VCF with all 51 sample columns.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	vr, err := vcfgo.NewReader(gz, false)
	require.NoError(t, err)
	require.Equal(t, domain.SampleIDs(), vr.Header.SampleNames)

	var positions []uint64
	for {
		rec := vr.Read()
		if rec == nil {
			break
		}
		positions = append(positions, rec.Pos)
		require.Len(t, rec.Samples, domain.TotalSamples)
	}
	require.Equal(t, []uint64{100, 250}, positions)
}

func TestVCFWriterUserSampleFieldsSurvive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merged.vcf.gz")

	w, err := NewVCFWriter(VCFModeMerged, path)
	require.NoError(t, err)
	user := domain.Call{Dosage: 2, Phased: "1|1", Source: domain.SourceGenotyped}
	require.NoError(t, w.WriteChromosome(context.Background(), 2, []domain.MergedVariant{
		testVariant(2, 500, "G", "A", "rs500", user, float64Ptr(0.95)),
	}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	vr, err := vcfgo.NewReader(gz, false)
	require.NoError(t, err)

	rec := vr.Read()
	require.NotNil(t, rec)

	last := rec.Samples[domain.UserSampleIndex]
	require.Equal(t, []int{1, 1}, last.GT)
	require.Equal(t, "2.000", last.Fields["DS"])
	require.Equal(t, string(domain.SourceGenotyped), last.Fields["SRC"])
	require.Equal(t, "0.9500", last.Fields["IQ"])

	ref := rec.Samples[0]
	require.Equal(t, []int{0, 0}, ref.GT)
	require.Equal(t, string(domain.SourceReference), ref.Fields["SRC"])
}

func TestVCFWriterPerChromosomeWritesManifest(t *testing.T) {
	dir := t.TempDir()

	w, err := NewVCFWriter(VCFModePerChromosome, dir)
	require.NoError(t, err)

	user := domain.Call{Dosage: 0, Phased: "0|0", Source: domain.SourceReference}
	require.NoError(t, w.WriteChromosome(context.Background(), 1, []domain.MergedVariant{
		testVariant(1, 100, "C", "T", "rs100", user, nil),
	}))
	require.NoError(t, w.WriteChromosome(context.Background(), 2, []domain.MergedVariant{
		testVariant(2, 300, "A", "G", "rs300", user, nil),
		testVariant(2, 400, "G", "C", "rs400", user, nil),
	}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)

	var manifest []struct {
		Chromosome int    `json:"chromosome"`
		Path       string `json:"path"`
		Variants   int    `json:"variants"`
	}
	require.NoError(t, json.Unmarshal(data, &manifest))
	require.Len(t, manifest, 2)
	require.Equal(t, 1, manifest[0].Chromosome)
	require.Equal(t, 1, manifest[0].Variants)
	require.Equal(t, 2, manifest[1].Variants)

	for _, entry := range manifest {
		_, err := os.Stat(entry.Path)
		require.NoError(t, err)
	}
}

// sampleCall is the (variant, sample, dosage, source) relation both the
// Parquet and VCF outputs must agree on.
type sampleCall struct {
	Chromosome int
	Position   int64
	Ref, Alt   string
	SampleID   string
	Dosage     string
	Source     string
}

func readVCFCalls(t *testing.T, path string) map[sampleCall]int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	vr, err := vcfgo.NewReader(gz, false)
	require.NoError(t, err)

	ids := domain.SampleIDs()
	calls := make(map[sampleCall]int)
	for {
		rec := vr.Read()
		if rec == nil {
			break
		}
		chrom, err := strconv.Atoi(rec.Chromosome)
		require.NoError(t, err)
		for i, sg := range rec.Samples {
			ds, err := strconv.ParseFloat(sg.Fields["DS"], 64)
			require.NoError(t, err)
			calls[sampleCall{
				Chromosome: chrom,
				Position:   int64(rec.Pos),
				Ref:        rec.Ref(),
				Alt:        rec.Alt()[0],
				SampleID:   ids[i],
				Dosage:     strconv.FormatFloat(ds, 'f', 3, 64),
				Source:     sg.Fields["SRC"],
			}]++
		}
	}
	return calls
}
