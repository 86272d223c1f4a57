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

// Package config loads the deployment-level settings with
// github.com/spf13/viper: a config.yaml plus GENOMERGE_* environment
// overrides, validated once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved deployment configuration. Per-job settings
// (quality_threshold, output_formats, vcf_mode) are not here -- they ride on
// the job row itself.
type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	JobDBPath     string `mapstructure:"job_db_path"`
	RefPanelDBPath string `mapstructure:"refpanel_db_path"`
	HTTPAddr      string `mapstructure:"http_addr"`

	RetentionWindowHours       int `mapstructure:"retention_window_hours"`
	TokenExpiryHours           int `mapstructure:"token_expiry_hours"`
	MaxDownloadAttempts        int `mapstructure:"max_download_attempts"`
	DownloadRateLimitPerMinute int `mapstructure:"download_rate_limit_per_minute"`
	ChunkSessionIdleHours      int `mapstructure:"chunk_session_idle_hours"`

	WorkerHeartbeatTimeoutSeconds int `mapstructure:"worker_heartbeat_timeout_seconds"`
	StuckJobThresholdMinutes      int `mapstructure:"stuck_job_threshold_minutes"`

	Argon2Time        int `mapstructure:"argon2_time"`
	Argon2MemoryKiB   int `mapstructure:"argon2_memory"`
	Argon2Parallelism int `mapstructure:"argon2_parallelism"`

	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig is the notification relay completion emails are sent through.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	From     string `mapstructure:"from"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RetentionWindow is the completed-data retention duration (default 72h).
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowHours) * time.Hour
}

// TokenExpiry is the download token's validity window (default 24h).
func (c Config) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpiryHours) * time.Hour
}

// ChunkSessionIdle is the chunked-upload session garbage-collection window.
func (c Config) ChunkSessionIdle() time.Duration {
	return time.Duration(c.ChunkSessionIdleHours) * time.Hour
}

// StuckJobThreshold is how long a job may sit in `processing` with no
// heartbeat before the sweeper recovers it.
func (c Config) StuckJobThreshold() time.Duration {
	return time.Duration(c.StuckJobThresholdMinutes) * time.Minute
}

// RateLimitWindow is the fixed one-minute window the download rate limit is
// measured over.
func (c Config) RateLimitWindow() time.Duration {
	return time.Minute
}

// setDefaults registers the documented deployment defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("job_db_path", "./data/jobs.db")
	v.SetDefault("refpanel_db_path", "./data/refpanel.db")
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("retention_window_hours", 72)
	v.SetDefault("token_expiry_hours", 24)
	v.SetDefault("max_download_attempts", 5)
	v.SetDefault("download_rate_limit_per_minute", 3)
	v.SetDefault("chunk_session_idle_hours", 1)

	v.SetDefault("worker_heartbeat_timeout_seconds", 30)
	v.SetDefault("stuck_job_threshold_minutes", 120)

	v.SetDefault("argon2_time", 1)
	v.SetDefault("argon2_memory", 64*1024)
	v.SetDefault("argon2_parallelism", 4)

	v.SetDefault("smtp.port", 587)
}

// Load reads config.yaml (if present) from path, overlaying GENOMERGE_*
// environment variables (e.g. GENOMERGE_SMTP_HOST overrides smtp.host), and
// returns the validated Config.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("genomerge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine -- defaults plus environment
			// overrides are a complete configuration on their own.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("could not read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.RetentionWindowHours <= 0 {
		return fmt.Errorf("retention_window_hours must be positive")
	}
	if c.TokenExpiryHours <= 0 {
		return fmt.Errorf("token_expiry_hours must be positive")
	}
	if c.MaxDownloadAttempts <= 0 {
		return fmt.Errorf("max_download_attempts must be positive")
	}
	if c.DownloadRateLimitPerMinute <= 0 {
		return fmt.Errorf("download_rate_limit_per_minute must be positive")
	}
	return nil
}
