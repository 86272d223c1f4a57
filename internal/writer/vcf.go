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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/brentp/vcfgo"
	"github.com/klauspost/pgzip"

	"github.com/zymatik-com/genomerge/internal/domain"
)

// VCFWriter streams merged variants through vcfgo's writer,
// gzip-compressed with pgzip. In VCFModeMerged a single file holds every
// chromosome; in
// VCFModePerChromosome a new file (and a manifest entry) is opened each time
// WriteChromosome sees a chromosome it hasn't written yet.
type VCFWriter struct {
	mode      VCFMode
	outputDir string
	mergedPath string

	header *vcfgo.Header

	merged   *chromFile
	manifest []manifestEntry
}

type chromFile struct {
	file   *os.File
	gz     *pgzip.Writer
	vw     *vcfgo.Writer
}

type manifestEntry struct {
	Chromosome int    `json:"chromosome"`
	Path       string `json:"path"`
	Variants   int    `json:"variants"`
}

// NewVCFWriter constructs a VCFWriter. outputPath is the single merged VCF
// path in VCFModeMerged, and the directory per-chromosome files are written
// into (alongside manifest.json) in VCFModePerChromosome.
func NewVCFWriter(mode VCFMode, outputPath string) (*VCFWriter, error) {
	header := newMergedHeader()

	w := &VCFWriter{mode: mode, header: header}

	switch mode {
	case VCFModeMerged:
		w.mergedPath = outputPath
		cf, err := openChromFile(outputPath, header)
		if err != nil {
			return nil, err
		}
		w.merged = cf
	case VCFModePerChromosome:
		w.outputDir = outputPath
		if err := os.MkdirAll(outputPath, 0o755); err != nil {
			return nil, fmt.Errorf("could not create vcf output directory: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown vcf mode %q", mode)
	}

	return w, nil
}

func newMergedHeader() *vcfgo.Header {
	header := vcfgo.NewHeader()
	header.FileFormat = "4.3"
	header.SampleNames = domain.SampleIDs()
	header.Infos["AF"] = &vcfgo.Info{Id: "AF", Number: "1", Type: "Float", Description: "Allele frequency"}
	header.Infos["MAF"] = &vcfgo.Info{Id: "MAF", Number: "1", Type: "Float", Description: "Minor allele frequency"}
	header.Infos["R2"] = &vcfgo.Info{Id: "R2", Number: "1", Type: "Float", Description: "Imputation quality"}
	header.Infos["TYPED"] = &vcfgo.Info{Id: "TYPED", Number: "0", Type: "Flag", Description: "Genotyped on the reference panel's array"}
	header.SampleFormats["GT"] = &vcfgo.SampleFormat{Id: "GT", Number: "1", Type: "String", Description: "Genotype"}
	header.SampleFormats["DS"] = &vcfgo.SampleFormat{Id: "DS", Number: "1", Type: "Float", Description: "Dosage"}
	header.SampleFormats["IQ"] = &vcfgo.SampleFormat{Id: "IQ", Number: "1", Type: "Float", Description: "Imputation quality (R2)"}
	// SRC is an extension beyond the GT:DS:IQ FORMAT block, carried so a
	// reader can recover the (variant, sample, dosage, source) relation
	// straight from the VCF without having to re-derive source from IQ
	// and the job's quality threshold.
	header.SampleFormats["SRC"] = &vcfgo.SampleFormat{Id: "SRC", Number: "1", Type: "String", Description: "Sample call source"}
	return header
}

func openChromFile(path string, header *vcfgo.Header) (*chromFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create %s: %w", path, err)
	}
	gz := pgzip.NewWriter(f)
	vw, err := vcfgo.NewWriter(gz, header)
	if err != nil {
		gz.Close()
		f.Close()
		return nil, fmt.Errorf("could not create vcf writer for %s: %w", path, err)
	}
	return &chromFile{file: f, gz: gz, vw: vw}, nil
}

func (c *chromFile) close() error {
	if err := c.gz.Close(); err != nil {
		c.file.Close()
		return fmt.Errorf("could not flush gzip stream: %w", err)
	}
	return c.file.Close()
}

// WriteChromosome writes one chromosome's merged variants. In per-chromosome
// mode this opens (and later closes) exactly one file for chromosome.
func (w *VCFWriter) WriteChromosome(ctx context.Context, chromosome int, variants []domain.MergedVariant) error {
	target := w.merged
	var perChrom *chromFile

	if w.mode == VCFModePerChromosome {
		path := filepath.Join(w.outputDir, fmt.Sprintf("chr%d.vcf.gz", chromosome))
		cf, err := openChromFile(path, w.header)
		if err != nil {
			return err
		}
		perChrom = cf
		target = cf
	}

	for _, v := range variants {
		if ctx.Err() != nil {
			if perChrom != nil {
				perChrom.close()
			}
			return ctx.Err()
		}
		rec, err := toVCFVariant(w.header, chromosome, v)
		if err != nil {
			if perChrom != nil {
				perChrom.close()
			}
			return fmt.Errorf("chromosome %d position %d: %w", chromosome, v.Key.Position, err)
		}
		target.vw.WriteVariant(rec)
	}

	if perChrom != nil {
		if err := perChrom.close(); err != nil {
			return err
		}
		path := filepath.Join(w.outputDir, fmt.Sprintf("chr%d.vcf.gz", chromosome))
		w.manifest = append(w.manifest, manifestEntry{Chromosome: chromosome, Path: path, Variants: len(variants)})
	}

	return nil
}

// WriteMetadata writes meta as a JSON sidecar next to the VCF output.
// The VCF header
// itself is flushed as soon as the first chromosome is written, so counts
// that are only known once every chromosome has been processed can't be
// folded into header comment lines; a sidecar file carries them instead.
func (w *VCFWriter) WriteMetadata(ctx context.Context, meta Metadata) error {
	path := w.mergedPath + ".metadata.json"
	if w.mode == VCFModePerChromosome {
		path = filepath.Join(w.outputDir, "metadata.json")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create vcf metadata sidecar: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

// Close flushes any open merged-mode writer and, in per-chromosome mode,
// writes the manifest.json index tying chromosomes to file paths.
func (w *VCFWriter) Close() error {
	if w.merged != nil {
		return w.merged.close()
	}

	manifestPath := filepath.Join(w.outputDir, "manifest.json")
	f, err := os.Create(manifestPath)
	if err != nil {
		return fmt.Errorf("could not create vcf manifest: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(w.manifest); err != nil {
		return fmt.Errorf("could not write vcf manifest: %w", err)
	}
	return nil
}

func toVCFVariant(header *vcfgo.Header, chromosome int, v domain.MergedVariant) (*vcfgo.Variant, error) {
	id := "."
	if v.RSID != "" {
		id = v.RSID
	}

	info := vcfgo.NewInfoByte(nil, header)
	if v.AlleleFreq != nil {
		_ = info.Set("AF", *v.AlleleFreq)
	}
	if v.MinorAlleleFreq != nil {
		_ = info.Set("MAF", *v.MinorAlleleFreq)
	}
	if v.ImputationQuality != nil {
		_ = info.Set("R2", *v.ImputationQuality)
	}
	if v.IsTyped {
		_ = info.Set("TYPED", true)
	}

	rec := &vcfgo.Variant{
		Chromosome: strconv.Itoa(chromosome),
		Pos:        uint64(v.Key.Position),
		Id_:        id,
		Reference:  v.Key.Ref,
		Alternate:  []string{v.Key.Alt},
		Quality:    100,
		Filter:     "PASS",
		Info_:      info,
		Header:     header,
	}

	iq := "."
	if v.ImputationQuality != nil {
		iq = strconv.FormatFloat(*v.ImputationQuality, 'f', 4, 64)
	}

	samples := make([]*vcfgo.SampleGenotype, domain.TotalSamples)
	for i, call := range v.Samples {
		sg := &vcfgo.SampleGenotype{
			Phased: true,
			Fields: map[string]string{
				"GT":  call.Phased,
				"DS":  strconv.FormatFloat(call.Dosage, 'f', 3, 64),
				"IQ":  iq,
				"SRC": string(call.Source),
			},
		}
		// vcfgo renders GT from the haplotype slice, not Fields.
		if len(call.Phased) == 3 {
			sg.GT = []int{int(call.Phased[0] - '0'), int(call.Phased[2] - '0')}
		}
		samples[i] = sg
	}
	rec.Samples = samples
	rec.Format = []string{"GT", "DS", "IQ", "SRC"}

	return rec, nil
}
