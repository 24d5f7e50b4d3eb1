// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package backup snapshots the installation's database and configuration
// directory before anything destructive happens. A failed backup aborts the
// upgrade; nothing after this point runs without a verified snapshot on
// disk.
package backup

import (
	"errors"
	"time"
)

// ErrBackup marks any snapshot failure, including an unsupported database
// type. Always fatal.
var ErrBackup = errors.New("backup failed")

// DatabaseCredentials describes how to reach the installation's database.
// Assembled from the installation's own configuration during pre-flight and
// never persisted.
type DatabaseCredentials struct {
	// Type is the database flavor: "mysql", "pgsql" or "sqlite3".
	Type string

	// Host is the database server address, possibly with a ":port" suffix.
	// Unused for sqlite3.
	Host string

	// Name is the database name. Unused for sqlite3.
	Name string

	// User is the database account. Unused for sqlite3.
	User string

	// Password is the database account's password. Never placed on a
	// command line or in the parent process environment.
	Password string

	// Utf8mb4 selects the extended character set for mysql dumps.
	Utf8mb4 bool

	// File is the database file path for sqlite3 installations.
	File string
}

// Record describes a completed snapshot. Written next to the snapshot files
// as JSON so a restore months later does not depend on tool internals.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`

	// Version is the installed version at snapshot time.
	Version string `json:"version"`

	// DatabaseType records which dump strategy produced the snapshot.
	DatabaseType string `json:"database_type"`

	// DumpPath is the compressed database dump on disk.
	DumpPath string `json:"dump_path"`

	// DumpChecksum is the sha256 of the compressed dump.
	DumpChecksum string `json:"dump_checksum"`

	// DumpSize is the compressed dump size in bytes.
	DumpSize int64 `json:"dump_size"`

	// ConfigDir is the copied configuration directory.
	ConfigDir string `json:"config_dir"`
}
