// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"nc-upgrade.yaml",
	"nc-upgrade.yml",
	"/etc/nextcloud-scripts/nc-upgrade.yaml",
	"/etc/nextcloud-scripts/nc-upgrade.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "NC_UPGRADE_CONFIG"

// defaultConfig returns a Config with defaults matching a stock Debian-style
// Nextcloud installation. Defaults are applied first, then overridden by the
// config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Install: InstallConfig{
			Path:           "/var/www/nextcloud",
			ServiceAccount: "www-data",
			PHPBinary:      "php",
		},
		Release: ReleaseConfig{
			Product:         "nextcloud",
			Channel:         "stable",
			UpdateServerURL: "https://updates.nextcloud.com/updater_server/",
			BaseURL:         "https://download.nextcloud.com/server/releases",
			Format:          "tar.bz2",
			DigestAlgorithm: "sha256",
		},
		Backup: BackupConfig{
			Root:         "/var/backups/nextcloud",
			KeepArtifact: false,
		},
		Service: ServiceConfig{
			Adapter: "systemd",
			Unit:    "apache2",
		},
		Cron: CronConfig{
			User:     "www-data",
			Schedule: "*/5 * * * * php -f /var/www/nextcloud/cron.php",
		},
		Upgrade: UpgradeConfig{
			MaintenanceSettle: 60 * time.Second,
			RestartSettle:     30 * time.Second,
			LogPath:           "/var/log/nextcloud-upgrade.log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in defaults
//  2. Config File: optional YAML config file (if present)
//  3. Environment Variables: override any setting
//
// Precedence: ENV > File > Defaults. An explicit non-empty path skips the
// search and must exist.
func Load(explicitPath string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if configPath := findConfigFile(explicitPath); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none exists.
func findConfigFile(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so random process environment does not
// pollute the configuration.
//
// Examples:
//   - NC_INSTALL_PATH -> install.path
//   - NC_RELEASE_CHANNEL -> release.channel
//   - NC_BACKUP_ROOT -> backup.root
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"nc_install_path":            "install.path",
		"nc_install_service_account": "install.service_account",
		"nc_install_php_binary":      "install.php_binary",

		"nc_release_product":           "release.product",
		"nc_release_channel":           "release.channel",
		"nc_release_update_server_url": "release.update_server_url",
		"nc_release_base_url":          "release.base_url",
		"nc_release_format":            "release.format",
		"nc_release_digest_algorithm":  "release.digest_algorithm",

		"nc_backup_root":          "backup.root",
		"nc_backup_keep_artifact": "backup.keep_artifact",

		"nc_service_adapter": "service.adapter",
		"nc_service_unit":    "service.unit",

		"nc_cron_user":     "cron.user",
		"nc_cron_schedule": "cron.schedule",

		"nc_upgrade_maintenance_settle": "upgrade.maintenance_settle",
		"nc_upgrade_restart_settle":     "upgrade.restart_settle",
		"nc_upgrade_log_path":           "upgrade.log_path",

		"nc_log_level":  "logging.level",
		"nc_log_format": "logging.format",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
