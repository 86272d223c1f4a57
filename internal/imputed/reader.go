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

// Package imputed implements the imputed-variant reader: streaming
// records out of a block-gzip-compressed VCF-like file produced by an
// external imputation service.
package imputed

import (
	"fmt"
	"io"
	"strconv"

	"github.com/biogo/hts/bgzf"
	"github.com/brentp/vcfgo"

	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// Variant is one record pulled from an imputed-variant file: the identity
// tuple, the optional rsid, the single user sample's dosage, and the
// variant-level imputation quality.
type Variant struct {
	Chromosome int
	Position   int64
	RSID       string
	Ref        string
	Alt        string
	Dosage     float64
	R2         *float64

	// MultiBase is true when Ref or Alt is longer than one base. Such
	// records are yielded (so the caller's accounting stays honest) but
	// must never be merged as a variant; the merge engine drops them.
	MultiBase bool
}

// Reader streams Variant records from one chromosome's imputed-variant
// file, in ascending position order, exactly as the file was written.
type Reader struct {
	chromosome int
	vcf        *vcfgo.Reader
	closer     io.Closer
	line       int
}

// Open wraps r (a block-gzip-compressed VCF-like byte stream for a single
// chromosome) in a multi-member-safe decoder and prepares it for
// streaming reads.
//
// A single-member gzip.Reader silently stops after the first compressed
// block and under-reports the file; biogo/hts/bgzf.Reader is the
// genomics-standard block-gzip decoder and consumes every member, so it is
// used here instead of compress/gzip.
func Open(chromosome int, r io.Reader, closer io.Closer) (*Reader, error) {
	bg, err := bgzf.NewReader(r, 0)
	if err != nil {
		return nil, &mergeerr.UnsupportedCompression{Err: err}
	}

	vr, err := vcfgo.NewReader(bg, false)
	if err != nil {
		return nil, fmt.Errorf("could not create vcf reader for chromosome %d: %w", chromosome, err)
	}

	return &Reader{chromosome: chromosome, vcf: vr, closer: closer}, nil
}

// Close releases the underlying file handle. Safe to call once the stream
// is exhausted or on early abandonment (job cancellation at a chromosome
// boundary).
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Next returns the next record in position order, or (nil, nil) when the
// stream is exhausted. The sequence is finite and non-restartable: once
// exhausted, Next continues to return (nil, nil).
func (r *Reader) Next() (*Variant, error) {
	v := r.vcf.Read()
	if v == nil {
		if err := r.vcf.Error(); err != nil {
			return nil, fmt.Errorf("vcf reader error on chromosome %d: %w", r.chromosome, err)
		}
		return nil, nil
	}
	r.line++

	ref := v.Ref()
	alts := v.Alt()
	alt := ""
	if len(alts) > 0 {
		alt = alts[0]
	}

	multiBase := len(ref) != 1 || len(alt) != 1

	rsid := v.Id()
	if rsid == "." {
		rsid = ""
	}

	dosage, err := sampleDosage(v)
	if err != nil {
		return nil, &mergeerr.MalformedImputedFile{Chromosome: r.chromosome, Line: r.line, Err: err}
	}

	r2 := variantR2(v)

	return &Variant{
		Chromosome: r.chromosome,
		Position:   int64(v.Pos),
		RSID:       rsid,
		Ref:        ref,
		Alt:        alt,
		Dosage:     dosage,
		R2:         r2,
		MultiBase:  multiBase,
	}, nil
}

// sampleDosage extracts the single sample column's DS FORMAT subfield.
// Missing DS fails the whole job.
func sampleDosage(v *vcfgo.Variant) (float64, error) {
	if len(v.Samples) == 0 {
		return 0, fmt.Errorf("no sample columns present")
	}

	raw, ok := v.Samples[0].Fields["DS"]
	if !ok || raw == "" || raw == "." {
		return 0, fmt.Errorf("missing DS sample field")
	}

	ds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse DS %q: %w", raw, err)
	}

	return ds, nil
}

// variantR2 extracts the INFO-level R2 imputation quality, if present.
func variantR2(v *vcfgo.Variant) *float64 {
	raw, err := v.Info().Get("R2")
	if err != nil || raw == nil {
		return nil
	}

	switch val := raw.(type) {
	case float64:
		return &val
	case float32:
		f := float64(val)
		return &f
	case []float32:
		if len(val) > 0 {
			f := float64(val[0])
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return &f
		}
	}
	return nil
}
