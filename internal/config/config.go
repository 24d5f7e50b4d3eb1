// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package config holds the immutable configuration for the upgrade tool.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in sensible defaults for a stock Nextcloud install
//  2. Config File: optional YAML file (nc-upgrade.yaml) for persistent settings
//  3. Environment Variables: override any setting
//
// The loaded Config is validated once and never mutated afterwards; every
// component receives it (or a sub-section) by reference and no component
// reads ambient process state directly.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all settings for a single upgrade run.
//
// Thread Safety: Config is immutable after Load() and safe for concurrent
// read access, although the tool itself is strictly sequential.
type Config struct {
	Install InstallConfig `koanf:"install"`
	Release ReleaseConfig `koanf:"release"`
	Backup  BackupConfig  `koanf:"backup"`
	Service ServiceConfig `koanf:"service"`
	Cron    CronConfig    `koanf:"cron"`
	Upgrade UpgradeConfig `koanf:"upgrade"`
	Logging LoggingConfig `koanf:"logging"`
}

// InstallConfig describes the live installation being upgraded.
type InstallConfig struct {
	// Path is the absolute location of the installation tree.
	Path string `koanf:"path" validate:"required"`

	// ServiceAccount owns the installation tree and runs occ commands
	// (www-data on Debian, apache on RHEL).
	ServiceAccount string `koanf:"service_account" validate:"required"`

	// PHPBinary is the interpreter used for occ and cron invocations.
	PHPBinary string `koanf:"php_binary" validate:"required"`
}

// ReleaseConfig describes where releases are discovered and downloaded from.
type ReleaseConfig struct {
	// Product is the artifact name prefix (nextcloud-<version>.<format>).
	Product string `koanf:"product" validate:"required"`

	// Channel is the update track the discovery endpoint considers (stable,
	// beta, daily).
	Channel string `koanf:"channel" validate:"required"`

	// UpdateServerURL is the update-discovery endpoint.
	UpdateServerURL string `koanf:"update_server_url" validate:"required,url"`

	// BaseURL is the release-server path archives are fetched from.
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// Format is the archive format to download.
	Format string `koanf:"format" validate:"required,oneof=tar.bz2 zip"`

	// DigestAlgorithm selects the published digest file used for
	// verification.
	DigestAlgorithm string `koanf:"digest_algorithm" validate:"required,oneof=sha256 md5 sha512"`
}

// BackupConfig controls the pre-upgrade state capture.
type BackupConfig struct {
	// Root is the directory database dumps and config copies are written to.
	// Backups are never deleted by this tool; retention is external policy.
	Root string `koanf:"root" validate:"required"`

	// KeepArtifact retains the downloaded archive and digest file after a
	// successful swap instead of deleting them.
	KeepArtifact bool `koanf:"keep_artifact"`
}

// ServiceConfig selects the adapter used to stop and start the web service.
type ServiceConfig struct {
	// Adapter is the service supervisor flavour: systemd or sysvinit.
	Adapter string `koanf:"adapter" validate:"required,oneof=systemd sysvinit"`

	// Unit is the service unit or init script name (apache2, nginx, php-fpm).
	Unit string `koanf:"unit" validate:"required"`
}

// CronConfig describes the scheduled-task table handling.
type CronConfig struct {
	// User is the account whose crontab carries the background job.
	User string `koanf:"user" validate:"required"`

	// Schedule is the default job line appended when restoration finds no
	// existing job to uncomment.
	Schedule string `koanf:"schedule" validate:"required"`
}

// UpgradeConfig tunes the orchestration sequence itself.
type UpgradeConfig struct {
	// MaintenanceSettle is the fixed wait after enabling maintenance mode,
	// letting in-flight client operations finish.
	MaintenanceSettle time.Duration `koanf:"maintenance_settle" validate:"min=0"`

	// RestartSettle is the fixed wait after restarting the web service
	// before the migration step runs.
	RestartSettle time.Duration `koanf:"restart_settle" validate:"min=0"`

	// LogPath is the durable file migration output is captured to.
	LogPath string `koanf:"log_path" validate:"required"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=console json"`
}

// Validate checks the configuration against the struct validation tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := AsValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid configuration: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// AsValidationErrors unwraps a validator error into its field errors.
func AsValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors) //nolint:errorlint // validator returns the slice directly
	if ok {
		*target = verrs
	}
	return ok
}
