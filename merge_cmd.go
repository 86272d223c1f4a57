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

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/urfave/cli/v2"

	"github.com/zymatik-com/genomerge/internal/domain"
	"github.com/zymatik-com/genomerge/internal/genotype"
	"github.com/zymatik-com/genomerge/internal/imputed"
	"github.com/zymatik-com/genomerge/internal/merge"
	"github.com/zymatik-com/genomerge/internal/refpanel"
	"github.com/zymatik-com/genomerge/internal/writer"
)

// mergeCommand builds the "merge" subcommand: a synchronous,
// job-store-free run of the whole merge-and-export pipeline against
// local files, for operators exercising it directly rather than through
// the upload/worker/download flow. A cheggaaa/pb progress bar tracks the
// fixed 22-chromosome loop when --show-progress is set.
func mergeCommand(logger **slog.Logger, sharedFlags []cli.Flag) *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Run a single merge synchronously against local files, bypassing the job store",
		UsageText: "genomerge merge --genotype <file> --imputed-dir <dir> --refpanel <db> --out <dir>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "genotype", Usage: "Consumer genotype file", Required: true},
			&cli.StringFlag{Name: "imputed-dir", Usage: "Directory of chr<N>.vcf.gz imputed files, one per autosome", Required: true},
			&cli.StringFlag{Name: "refpanel", Usage: "Reference panel SQLite DB path", Required: true},
			&cli.StringFlag{Name: "out", Usage: "Output directory", Required: true},
			&cli.StringFlag{Name: "threshold", Usage: "Quality threshold: R08, R09, or NoFilter", Value: "R09"},
			&cli.StringFlag{Name: "vcf-mode", Usage: "merged or per_chromosome", Value: "merged"},
			&cli.StringSliceFlag{Name: "format", Usage: "Output formats to produce", Value: cli.NewStringSlice("parquet", "vcf", "sqlite")},
			&cli.StringFlag{Name: "user-id", Usage: "User identifier recorded in output metadata", Value: "operator"},
			&cli.BoolFlag{Name: "show-progress", Aliases: []string{"p"}, Usage: "Show a per-chromosome progress bar", Value: true},
		}, sharedFlags...),
		Before: func(c *cli.Context) error {
			l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: (*slog.Level)(c.Generic("log-level").(*logLevelFlag)),
			}))
			*logger = l
			return nil
		},
		Action: func(c *cli.Context) error {
			return runMerge(c, *logger)
		},
	}
}

func runMerge(c *cli.Context, logger *slog.Logger) error {
	genotypePath := c.String("genotype")
	imputedDir := c.String("imputed-dir")
	refPanelPath := c.String("refpanel")
	outDir := c.String("out")
	threshold := domain.QualityThreshold(c.String("threshold"))
	vcfMode := writer.VCFMode(c.String("vcf-mode"))
	formats := c.StringSlice("format")
	showProgress := c.Bool("show-progress")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	gf, err := os.Open(genotypePath)
	if err != nil {
		return fmt.Errorf("could not open genotype file: %w", err)
	}
	defer gf.Close()

	genotypeCalls, err := genotype.Read(gf)
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not read genotype file: %v", err), exitInputInvalid)
	}

	refStore, err := refpanel.Open(refPanelPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("could not open reference panel: %v", err), exitStorageUnavailable)
	}
	defer refStore.Close()

	writers := make(map[writer.Format]writer.ChromosomeWriter, len(formats))
	for _, f := range formats {
		switch writer.Format(f) {
		case writer.FormatParquet:
			w, err := writer.NewParquetWriter(filepath.Join(outDir, "merged.parquet"), "ZSTD")
			if err != nil {
				return err
			}
			writers[writer.FormatParquet] = w
		case writer.FormatVCF:
			target := filepath.Join(outDir, "merged.vcf.gz")
			if vcfMode == writer.VCFModePerChromosome {
				target = filepath.Join(outDir, "vcf")
			}
			w, err := writer.NewVCFWriter(vcfMode, target)
			if err != nil {
				return err
			}
			writers[writer.FormatVCF] = w
		case writer.FormatSQLite:
			w, err := writer.NewSQLiteWriter(filepath.Join(outDir, "merged.sqlite"))
			if err != nil {
				return err
			}
			writers[writer.FormatSQLite] = w
		default:
			return fmt.Errorf("unknown output format %q", f)
		}
	}
	fanOut := writer.NewFanOut(writers)

	const firstAutosome, lastAutosome = 1, 22

	var bar *pb.ProgressBar
	if showProgress {
		bar = pb.Full.Start(lastAutosome)
		defer bar.Finish()
	}

	ctx := c.Context

	totals := map[domain.Source]int{}
	perChromCounts := make(map[int]int, lastAutosome)
	var lowQualTotal int

	for chrom := firstAutosome; chrom <= lastAutosome; chrom++ {
		var impReader *imputed.Reader
		chrPath := filepath.Join(imputedDir, fmt.Sprintf("chr%d.vcf.gz", chrom))
		if f, err := os.Open(chrPath); err == nil {
			impReader, err = imputed.Open(chrom, f, f)
			if err != nil {
				fanOut.Close()
				return fmt.Errorf("could not open imputed file for chromosome %d: %w", chrom, err)
			}
		} else if !os.IsNotExist(err) {
			fanOut.Close()
			return fmt.Errorf("could not open imputed file for chromosome %d: %w", chrom, err)
		}

		var batch []domain.MergedVariant
		result, err := merge.Chromosome(ctx, chrom, genotype.Index(genotypeCalls[chrom]), impReaderOrNilForCLI(impReader), refStore, threshold, func(v domain.MergedVariant) error {
			batch = append(batch, v)
			return nil
		})
		if impReader != nil {
			_ = impReader.Close()
		}
		if err != nil {
			fanOut.Close()
			return fmt.Errorf("chromosome %d merge failed: %w", chrom, err)
		}

		if err := fanOut.WriteChromosome(ctx, chrom, batch); err != nil {
			fanOut.Close()
			return err
		}

		perChromCounts[chrom] = result.Emitted
		for source, n := range result.SourceCounts {
			totals[source] += n
		}
		lowQualTotal += result.LowQualityCount

		if bar != nil {
			bar.Increment()
		}
		logger.Info("merged chromosome", "chromosome", chrom, "emitted", result.Emitted)
	}

	if err := fanOut.WriteMetadata(ctx, writer.Metadata{
		JobID:                 "cli-merge",
		UserID:                c.String("user-id"),
		ReferencePanelVersion: "unversioned",
		Threshold:             threshold,
		ReferenceOnlyPolicy:   "emit_reference",
		PerChromosomeCounts:   perChromCounts,
		TotalGenotyped:        totals[domain.SourceGenotyped],
		TotalImputed:          totals[domain.SourceImputed],
		TotalImputedLowQual:   lowQualTotal,
		TotalReferenceOnly:    totals[domain.SourceReference],
		GeneratedAt:           time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		fanOut.Close()
		return err
	}

	if err := fanOut.Close(); err != nil {
		return err
	}

	logger.Info("merge complete", "out", outDir, "genotyped", totals[domain.SourceGenotyped], "imputed", totals[domain.SourceImputed])
	return nil
}

func impReaderOrNilForCLI(r *imputed.Reader) interface {
	Next() (*imputed.Variant, error)
} {
	if r == nil {
		return nilImputedSourceCLI{}
	}
	return r
}

type nilImputedSourceCLI struct{}

func (nilImputedSourceCLI) Next() (*imputed.Variant, error) { return nil, nil }
