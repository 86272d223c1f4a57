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

// Command genomerge is the process entry point for every deployment
// role: the HTTP upload/progress/download surface, the polling merge
// worker, the stuck-job/retention sweeper, and a synchronous single-job
// merge useful for operators and local testing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/zymatik-com/genomerge/internal/config"
	"github.com/zymatik-com/genomerge/internal/email"
	"github.com/zymatik-com/genomerge/internal/httpapi"
	"github.com/zymatik-com/genomerge/internal/job"
	"github.com/zymatik-com/genomerge/internal/job/store"
	"github.com/zymatik-com/genomerge/internal/refpanel"
	"github.com/zymatik-com/genomerge/internal/worker"
)

// Exit codes for the CLI entry points: 0 success, 1 generic failure,
// 2 configuration error, 3 input validation error, 4 storage unavailable.
const (
	exitGenericFailure     = 1
	exitConfigError        = 2
	exitInputInvalid       = 3
	exitStorageUnavailable = 4
)

func main() {
	var logger *slog.Logger

	init := func(c *cli.Context) error {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: (*slog.Level)(c.Generic("log-level").(*logLevelFlag)),
		}))
		return nil
	}

	sharedFlags := []cli.Flag{
		&cli.GenericFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set the log level",
			Value:   fromLogLevel(slog.LevelInfo),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to config.yaml",
			Value:   "config.yaml",
		},
	}

	app := &cli.App{
		Name:   "genomerge",
		Usage:  "Merge a consumer genotype file with imputed variants and a reference panel into a 51-sample dataset",
		Flags:  sharedFlags,
		Before: init,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending job-store schema migrations and exit",
				Flags:  sharedFlags,
				Before: init,
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return cli.Exit(err.Error(), exitConfigError)
					}

					if err := store.Migrate(cfg.JobDBPath); err != nil {
						return cli.Exit(fmt.Sprintf("could not migrate job store: %v", err), exitStorageUnavailable)
					}

					logger.Info("migrations applied", "db", cfg.JobDBPath)
					return nil
				},
			},
			{
				Name:   "server",
				Usage:  "Run the HTTP upload/progress/download surface",
				Flags:  sharedFlags,
				Before: init,
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return cli.Exit(err.Error(), exitConfigError)
					}

					s, err := store.Open(cfg.JobDBPath)
					if err != nil {
						return cli.Exit(fmt.Sprintf("could not open job store: %v", err), exitStorageUnavailable)
					}
					defer s.Close()

					staging := job.NewUploadStaging(filepath.Join(cfg.DataDir, "uploads"))
					bcast := job.NewBroadcaster()

					srv := httpapi.NewServer(httpapi.Config{
						Addr:              cfg.HTTPAddr,
						DataDir:           cfg.DataDir,
						DownloadRateLimit: cfg.DownloadRateLimitPerMinute,
						RateLimitWindow:   cfg.RateLimitWindow(),
					}, s, staging, bcast, logger)

					ctx, stop := signalContext()
					defer stop()

					logger.Info("starting http server", "addr", cfg.HTTPAddr)
					return srv.Start(ctx)
				},
			},
			{
				Name:  "worker",
				Usage: "Poll for pending jobs and process them end to end (merge, export, download issuance, notification)",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "base-url",
						Usage: "Base URL used to build the download link sent in the completion email",
						Value: "http://localhost:8080",
					},
				}, sharedFlags...),
				Before: init,
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return cli.Exit(err.Error(), exitConfigError)
					}

					s, err := store.Open(cfg.JobDBPath)
					if err != nil {
						return cli.Exit(fmt.Sprintf("could not open job store: %v", err), exitStorageUnavailable)
					}
					defer s.Close()

					refStore, err := refpanel.Open(cfg.RefPanelDBPath)
					if err != nil {
						return cli.Exit(fmt.Sprintf("could not open reference panel: %v", err), exitStorageUnavailable)
					}
					defer refStore.Close()

					bcast := job.NewBroadcaster()
					notifier := email.NewNotifier(cfg.SMTP)

					w := worker.New(worker.Config{
						DataDir:             cfg.DataDir,
						RetentionWindow:     cfg.RetentionWindow(),
						MaxDownloadAttempts: cfg.MaxDownloadAttempts,
						Argon2: job.Argon2Params{
							Time:      uint32(cfg.Argon2Time),
							MemoryKiB: uint32(cfg.Argon2MemoryKiB),
							Threads:   uint8(cfg.Argon2Parallelism),
							KeyLen:    32,
						},
						BaseURL: c.String("base-url"),
					}, s, refStore, bcast, notifier, logger)

					ctx, stop := signalContext()
					defer stop()

					logger.Info("worker polling for jobs")
					if err := w.Run(ctx); err != nil && ctx.Err() == nil {
						return err
					}
					return nil
				},
			},
			{
				Name:   "sweep",
				Usage:  "Run one pass of stuck-job recovery and expired-job retention cleanup, then exit",
				Flags:  sharedFlags,
				Before: init,
				Action: func(c *cli.Context) error {
					cfg, err := config.Load(c.String("config"))
					if err != nil {
						return cli.Exit(err.Error(), exitConfigError)
					}

					s, err := store.Open(cfg.JobDBPath)
					if err != nil {
						return cli.Exit(fmt.Sprintf("could not open job store: %v", err), exitStorageUnavailable)
					}
					defer s.Close()

					sw := job.NewSweeper(s, cfg.DataDir, cfg.StuckJobThreshold(), logger)

					ctx := context.Background()
					if err := sw.RecoverStuckJobs(ctx); err != nil {
						return fmt.Errorf("stuck-job recovery failed: %w", err)
					}
					if err := sw.ExpireCompletedJobs(ctx); err != nil {
						return fmt.Errorf("retention sweep failed: %w", err)
					}
					logger.Info("sweep complete")
					return nil
				},
			},
			mergeCommand(&logger, sharedFlags),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("Error running app", "error", err)
		os.Exit(exitGenericFailure)
	}
}

// signalContext returns a context canceled on SIGINT/SIGTERM -- the
// shutdown signal the server and worker commands honor for a clean exit
// at the next request or chromosome boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type logLevelFlag slog.Level

func fromLogLevel(l slog.Level) *logLevelFlag {
	f := logLevelFlag(l)
	return &f
}

func (f *logLevelFlag) Set(value string) error {
	return (*slog.Level)(f).UnmarshalText([]byte(value))
}

func (f *logLevelFlag) String() string {
	return (*slog.Level)(f).String()
}
