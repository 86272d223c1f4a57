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

// Package worker is the job-processing loop: claim a pending job, load
// its consumer genotype file, merge chromosome by chromosome against the
// reference panel and imputed streams, fan out to the selected output
// formats, and issue a download token on success. One unit of work is
// processed start to finish before the next claim; failures are logged
// against the job and the loop moves on.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zymatik-com/genomerge/internal/domain"
	"github.com/zymatik-com/genomerge/internal/email"
	"github.com/zymatik-com/genomerge/internal/genotype"
	"github.com/zymatik-com/genomerge/internal/imputed"
	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/merge"
	"github.com/zymatik-com/genomerge/internal/refpanel"
	"github.com/zymatik-com/genomerge/internal/writer"
)

// firstAutosome and lastAutosome bound the chromosome loop every job
// walks; only autosomes are merged.
const (
	firstAutosome = 1
	lastAutosome  = 22
)

// ReferencePanelVersion identifies the reference-panel build this worker
// was started against, recorded in every job's output metadata.
var ReferencePanelVersion = "unversioned"

// Config is the worker's deployment-scoped settings, distinct from per-job
// settings which ride on the job row itself.
type Config struct {
	DataDir             string
	RetentionWindow     time.Duration
	MaxDownloadAttempts int
	Argon2              job.Argon2Params
	PollInterval        time.Duration
	BaseURL             string
}

// Worker claims and processes jobs one at a time. Multiple Workers may run
// concurrently against the same Store; ClaimNextPending's atomic UPDATE
// guarantees each claims a disjoint set of jobs.
type Worker struct {
	cfg          Config
	store        *store.Store
	refStore     *refpanel.Store
	broadcaster  *job.Broadcaster
	notifier     *email.Notifier
	logger       *slog.Logger
}

// New constructs a Worker. refStore is opened once at process startup and
// shared read-only across every job this worker processes; the reference
// panel is immutable once loaded.
func New(cfg Config, s *store.Store, refStore *refpanel.Store, broadcaster *job.Broadcaster, notifier *email.Notifier, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{cfg: cfg, store: s, refStore: refStore, broadcaster: broadcaster, notifier: notifier, logger: logger}
}

// Run polls for pending jobs until ctx is canceled, processing one at a
// time. A claim miss (no pending job) backs off by PollInterval rather
// than busy-looping.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		j, err := w.store.ClaimNextPending(ctx)
		if err != nil {
			w.logger.Error("could not claim job", "error", err)
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if j == nil {
			if !sleepOrDone(ctx, w.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		logger := w.logger.With("job_id", j.ID)
		logger.Info("claimed job")
		if err := w.processJob(ctx, j, logger); err != nil {
			logger.Error("job failed", "error", err)
			if ferr := w.store.MarkFailed(ctx, j.ID, err.Error()); ferr != nil {
				logger.Error("could not mark job failed", "error", ferr)
			}
			w.broadcaster.Publish(j.ID, job.Update{Err: err.Error()})
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jobPaths resolves the per-job staging and results directories,
// partitioned per job so no two workers touch the same job's files.
type jobPaths struct {
	uploadsDir string
	resultsDir string
}

func (w *Worker) paths(jobID string) jobPaths {
	return jobPaths{
		uploadsDir: filepath.Join(w.cfg.DataDir, "uploads", jobID),
		resultsDir: filepath.Join(w.cfg.DataDir, "results", jobID),
	}
}

// processJob runs the whole merge-and-export pipeline for one job and,
// on success, issues a download token and sends the completion email.
func (w *Worker) processJob(ctx context.Context, j *store.Job, logger *slog.Logger) error {
	paths := w.paths(j.ID)
	if err := os.MkdirAll(paths.resultsDir, 0o755); err != nil {
		return fmt.Errorf("could not create results directory: %w", err)
	}

	files, err := w.store.FilesForJob(ctx, j.ID)
	if err != nil {
		return err
	}

	genotypeCalls, err := loadGenotypeCalls(files, paths.uploadsDir)
	if err != nil {
		return err
	}

	var formats []string
	if err := json.Unmarshal([]byte(j.OutputFormatsJSON), &formats); err != nil {
		return fmt.Errorf("could not parse output formats for job %s: %w", j.ID, err)
	}

	fanOut, err := buildFanOut(formats, writer.VCFMode(j.VCFMode), paths.resultsDir)
	if err != nil {
		return err
	}

	threshold := domain.QualityThreshold(j.QualityThreshold)

	totals := map[domain.Source]int{}
	perChromCounts := make(map[int]int, lastAutosome)
	var lowQualTotal int

	for chrom := firstAutosome; chrom <= lastAutosome; chrom++ {
		if canceled, cerr := w.checkUserCancellation(ctx, j.ID); cerr != nil {
			fanOut.Close()
			return cerr
		} else if canceled {
			fanOut.Close()
			logger.Warn("job canceled by user, stopping at chromosome boundary", "chromosome", chrom)
			return nil
		}

		impReader, err := openImputedChromosome(files, paths.uploadsDir, chrom)
		if err != nil {
			fanOut.Close()
			return err
		}

		var batch []domain.MergedVariant
		result, err := merge.Chromosome(ctx, chrom, genotype.Index(genotypeCalls[chrom]), impReaderOrNil(impReader), w.refStore, threshold, func(v domain.MergedVariant) error {
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

		pct := (chrom * 100) / lastAutosome
		message := fmt.Sprintf("merged chromosome %d of %d", chrom, lastAutosome)
		// Progress persistence is idempotent (a monotonic upsert keyed by
		// job id), so a deadline or transient storage error is retried
		// with backoff rather than failing the whole job.
		if err := job.RetryIdempotent(ctx, func(ctx context.Context) error {
			return w.store.UpdateProgress(ctx, j.ID, pct, message)
		}); err != nil {
			logger.Warn("could not persist progress", "error", err)
		}
		w.broadcaster.Publish(j.ID, job.Update{ProgressPct: pct, Message: message})
	}

	if err := fanOut.WriteMetadata(ctx, writer.Metadata{
		JobID:                 j.ID,
		UserID:                j.UserID,
		ReferencePanelVersion: ReferencePanelVersion,
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

	resultSHA256, err := hashResultsDir(paths.resultsDir)
	if err != nil {
		return err
	}

	creds, err := job.IssueDownload(ctx, w.store, j.ID, resultSHA256, w.cfg.Argon2, w.cfg.RetentionWindow, w.cfg.MaxDownloadAttempts)
	if err != nil {
		return err
	}

	if w.notifier != nil {
		url := fmt.Sprintf("%s/download/%s", w.cfg.BaseURL, creds.Token)
		if err := w.notifier.SendCompletion(j.UserEmail, email.Completion{
			JobID:        j.ID,
			DownloadURL:  url,
			Token:        creds.Token,
			Password:     creds.Password,
			ExpiresHours: int(w.cfg.RetentionWindow.Hours()),
		}); err != nil {
			logger.Error("could not send completion email", "error", err)
		} else if err := w.store.MarkEmailed(ctx, j.ID); err != nil {
			logger.Error("could not record emailed_at", "error", err)
		}
	}

	logger.Info("job completed", "genotyped", totals[domain.SourceGenotyped], "imputed", totals[domain.SourceImputed])
	return nil
}

// checkUserCancellation reports whether the job has been marked
// user_deleted since it was claimed, the signal a worker must observe at
// the next chromosome boundary.
func (w *Worker) checkUserCancellation(ctx context.Context, jobID string) (bool, error) {
	current, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return true, nil
	}
	return current.Status == store.StatusUserDeleted, nil
}

func impReaderOrNil(r *imputed.Reader) interface {
	Next() (*imputed.Variant, error)
} {
	if r == nil {
		return nilImputedSource{}
	}
	return r
}

type nilImputedSource struct{}

func (nilImputedSource) Next() (*imputed.Variant, error) { return nil, nil }

// loadGenotypeCalls reads the job's single consumer genotype file, keyed
// by the file's recorded type, and returns its chromosome grouping.
func loadGenotypeCalls(files []store.File, uploadsDir string) (genotype.ByChromosome, error) {
	for _, f := range files {
		if f.FileType != store.FileTypeGenotype {
			continue
		}
		path := filepath.Join(uploadsDir, store.FileTypeGenotype, f.Filename)
		r, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("could not open genotype file: %w", err)
		}
		defer r.Close()
		return genotype.Read(r)
	}
	return genotype.ByChromosome{}, nil
}

// openImputedChromosome opens the imputed-variant file staged for
// chromosome, if the job has one, returning nil when absent -- a
// chromosome with no imputed coverage still merges, falling back to the
// reference-only policy for every untyped position.
func openImputedChromosome(files []store.File, uploadsDir string, chromosome int) (*imputed.Reader, error) {
	for _, f := range files {
		if f.FileType != store.FileTypeImputed || !f.Chromosome.Valid || int(f.Chromosome.Int64) != chromosome {
			continue
		}
		path := filepath.Join(uploadsDir, store.FileTypeImputed, f.Filename)
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("could not open imputed file for chromosome %d: %w", chromosome, err)
		}
		return imputed.Open(chromosome, file, file)
	}
	return nil, nil
}

// buildFanOut constructs the selected ChromosomeWriters for a job's chosen
// output formats and paths.
func buildFanOut(formats []string, vcfMode writer.VCFMode, resultsDir string) (*writer.FanOut, error) {
	writers := make(map[writer.Format]writer.ChromosomeWriter, len(formats))

	for _, f := range formats {
		switch writer.Format(f) {
		case writer.FormatParquet:
			pw, err := writer.NewParquetWriter(filepath.Join(resultsDir, "merged.parquet"), "ZSTD")
			if err != nil {
				return nil, err
			}
			writers[writer.FormatParquet] = pw
		case writer.FormatVCF:
			target := filepath.Join(resultsDir, "merged.vcf.gz")
			if vcfMode == writer.VCFModePerChromosome {
				target = filepath.Join(resultsDir, "vcf")
			}
			vw, err := writer.NewVCFWriter(vcfMode, target)
			if err != nil {
				return nil, err
			}
			writers[writer.FormatVCF] = vw
		case writer.FormatSQLite:
			sw, err := writer.NewSQLiteWriter(filepath.Join(resultsDir, "merged.sqlite"))
			if err != nil {
				return nil, err
			}
			writers[writer.FormatSQLite] = sw
		default:
			return nil, fmt.Errorf("unknown output format %q", f)
		}
	}

	return writer.NewFanOut(writers), nil
}

// hashResultsDir computes a single SHA-256 digest over every file the job
// produced, in a deterministic (sorted path) order, so the same output set
// always yields the same result_sha256 regardless of writer goroutine
// scheduling.
func hashResultsDir(dir string) (string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("could not walk results directory: %w", err)
	}

	sort.Strings(paths)

	var all []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("could not read %s for hashing: %w", p, err)
		}
		all = append(all, data...)
	}
	return job.HashResult(all), nil
}
