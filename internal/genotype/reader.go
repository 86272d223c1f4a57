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

// Package genotype reads direct-to-consumer genotype text files,
// filtering to autosomes 1-22 and grouping calls by chromosome.
package genotype

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zymatik-com/genomerge/internal/mergeerr"
)

// Call is one parsed data line: an rsid, position, and raw two-letter
// genotype (or "--" for no call, which the reader drops before it ever
// reaches this type).
type Call struct {
	RSID     string
	Position int64
	Genotype string
}

// ByChromosome maps chromosome number (1-22) to its calls, ordered as they
// appeared in the source file.
type ByChromosome map[int][]Call

// Read parses a UTF-8 tab-separated consumer genotype file from r.
//
// Comment lines begin with '#'. Data lines have exactly four fields:
// rsid, chromosome, position, genotype. Lines outside chromosomes 1-22,
// and "--" no-call lines, are silently dropped. Any other malformed line
// fails the whole read with mergeerr.MalformedGenotypeFile reporting the
// 1-based line number.
func Read(r io.Reader) (ByChromosome, error) {
	result := make(ByChromosome)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, &mergeerr.MalformedGenotypeFile{
				Line: lineNo,
				Err:  fmt.Errorf("expected 4 tab-separated fields, got %d", len(fields)),
			}
		}

		rsid, chromStr, posStr, gt := fields[0], fields[1], fields[2], fields[3]

		pos, err := strconv.ParseInt(posStr, 10, 64)
		if err != nil {
			return nil, &mergeerr.MalformedGenotypeFile{
				Line: lineNo,
				Err:  fmt.Errorf("non-numeric position %q: %w", posStr, err),
			}
		}

		if gt == "--" {
			continue
		}

		chrom, ok := parseAutosome(chromStr)
		if !ok {
			continue
		}

		result[chrom] = append(result[chrom], Call{
			RSID:     rsid,
			Position: pos,
			Genotype: gt,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read genotype file: %w", err)
	}

	return result, nil
}

// parseAutosome reports the autosome number for s if s is "1".."22",
// otherwise ok is false (sex chromosomes, MT, and unplaced contigs are
// out of scope).
func parseAutosome(s string) (chrom int, ok bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 22 {
		return 0, false
	}
	return n, true
}

// Index builds the position -> Call lookup the merge engine needs for one
// chromosome's worth of consumer calls.
func Index(calls []Call) map[int64]Call {
	idx := make(map[int64]Call, len(calls))
	for _, c := range calls {
		idx[c.Position] = c
	}
	return idx
}
