// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package backup

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

// Coordinator produces pre-upgrade snapshots: a compressed database dump
// plus a copy of the configuration directory, described by a metadata
// record on disk.
type Coordinator struct {
	cfg    *config.BackupConfig
	runner command.Runner

	// now can be replaced in tests for stable snapshot labels.
	now func() time.Time
}

// NewCoordinator returns a Coordinator writing snapshots under cfg.Root.
func NewCoordinator(cfg *config.BackupConfig, runner command.Runner) *Coordinator {
	return &Coordinator{cfg: cfg, runner: runner, now: time.Now}
}

// DumpBinary returns the external binary the dump strategy for creds needs,
// or empty when none is required. Used by pre-flight checks.
func DumpBinary(creds DatabaseCredentials) string {
	switch creds.Type {
	case "mysql":
		return "mysqldump"
	case "pgsql":
		return "pg_dump"
	default:
		return ""
	}
}

// Run snapshots the database described by creds and the configuration
// directory at configDir. runID ties the record to the upgrade run; version
// labels the snapshot files. Any failure removes nothing that succeeded but
// returns ErrBackup; the upgrade must not proceed.
func (c *Coordinator) Run(ctx context.Context, creds DatabaseCredentials, configDir, version, runID string) (Record, error) {
	if err := os.MkdirAll(c.cfg.Root, 0o750); err != nil {
		return Record{}, fmt.Errorf("%w: creating %s: %v", ErrBackup, c.cfg.Root, err)
	}

	label := fmt.Sprintf("%s-%s", version, c.now().UTC().Format("20060102T150405Z"))
	rawPath := filepath.Join(c.cfg.Root, "db-"+label+".sql")

	logging.Info().
		Str("type", creds.Type).
		Str("dump", rawPath).
		Msg("Dumping database")

	if err := c.dumpDatabase(ctx, creds, rawPath); err != nil {
		os.Remove(rawPath) //nolint:errcheck // Best effort cleanup
		return Record{}, err
	}

	gzPath, err := compressDump(rawPath)
	if err != nil {
		os.Remove(rawPath) //nolint:errcheck // Best effort cleanup
		return Record{}, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	checksum, size, err := fileChecksum(gzPath)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackup, err)
	}

	configCopy := filepath.Join(c.cfg.Root, "config-"+label)
	if err := copyTree(configDir, configCopy); err != nil {
		return Record{}, fmt.Errorf("%w: copying %s: %v", ErrBackup, configDir, err)
	}

	rec := Record{
		ID:           uuid.NewString(),
		RunID:        runID,
		CreatedAt:    c.now().UTC(),
		Version:      version,
		DatabaseType: creds.Type,
		DumpPath:     gzPath,
		DumpChecksum: checksum,
		DumpSize:     size,
		ConfigDir:    configCopy,
	}

	if err := c.writeRecord(rec, label); err != nil {
		return Record{}, err
	}

	logging.Info().
		Str("dump", gzPath).
		Str("config", configCopy).
		Int64("bytes", size).
		Msg("Snapshot complete")

	return rec, nil
}

func (c *Coordinator) dumpDatabase(ctx context.Context, creds DatabaseCredentials, dest string) error {
	switch creds.Type {
	case "mysql":
		return c.dumpMySQL(ctx, creds, dest)
	case "pgsql":
		return c.dumpPostgres(ctx, creds, dest)
	case "sqlite3":
		return dumpSQLite(creds, dest)
	default:
		return fmt.Errorf("%w: unsupported database type %q", ErrBackup, creds.Type)
	}
}

// dumpMySQL runs mysqldump with the password in a mode-0600 temporary
// defaults file, never on the command line. The file is removed on every
// path out of this function.
func (c *Coordinator) dumpMySQL(ctx context.Context, creds DatabaseCredentials, dest string) error {
	credFile, err := os.CreateTemp("", "nc-upgrade-dbcred-*.cnf")
	if err != nil {
		return fmt.Errorf("%w: creating credentials file: %v", ErrBackup, err)
	}
	defer os.Remove(credFile.Name()) //nolint:errcheck // Best effort cleanup

	if err := credFile.Chmod(0o600); err != nil {
		credFile.Close() //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: restricting credentials file: %v", ErrBackup, err)
	}

	contents := fmt.Sprintf("[client]\nhost=%s\nuser=%s\npassword=%s\n", creds.Host, creds.User, creds.Password)
	if _, err := credFile.WriteString(contents); err != nil {
		credFile.Close() //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: writing credentials file: %v", ErrBackup, err)
	}
	if err := credFile.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackup, err)
	}

	args := []string{"--defaults-extra-file=" + credFile.Name(), "--single-transaction"}
	if creds.Utf8mb4 {
		args = append(args, "--default-character-set=utf8mb4")
	}
	args = append(args, creds.Name)

	return c.runDumpTo(ctx, command.Invocation{Name: "mysqldump", Args: args}, dest)
}

// dumpPostgres runs pg_dump with the password in a child-only environment
// so it never appears in a process listing or leaks into this process.
func (c *Coordinator) dumpPostgres(ctx context.Context, creds DatabaseCredentials, dest string) error {
	host, port := splitHostPort(creds.Host)
	args := []string{"-h", host}
	if port != "" {
		args = append(args, "-p", port)
	}
	args = append(args, "-U", creds.User, creds.Name)

	inv := command.Invocation{
		Name: "pg_dump",
		Args: args,
		Env: []string{
			"PGPASSWORD=" + creds.Password,
			"PATH=" + os.Getenv("PATH"),
		},
	}
	return c.runDumpTo(ctx, inv, dest)
}

// dumpSQLite copies the database file. The installation is still serving at
// this point but the swap has not started, matching what a file-level
// sqlite backup can promise.
func dumpSQLite(creds DatabaseCredentials, dest string) error {
	if creds.File == "" {
		return fmt.Errorf("%w: sqlite3 database file path is empty", ErrBackup)
	}
	if err := copyFile(creds.File, dest, 0o600); err != nil {
		return fmt.Errorf("%w: copying sqlite database: %v", ErrBackup, err)
	}
	return nil
}

// runDumpTo executes inv with stdout streamed into dest (mode 0600).
func (c *Coordinator) runDumpTo(ctx context.Context, inv command.Invocation, dest string) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return fmt.Errorf("%w: creating dump file: %v", ErrBackup, err)
	}
	inv.Stdout = out

	_, runErr := c.runner.Run(ctx, inv)
	closeErr := out.Close()

	if runErr != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackup, inv.Name, runErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", ErrBackup, closeErr)
	}
	return nil
}

// compressDump gzips path into path+".gz" and removes the plain dump.
// Compression happens only after the dump itself succeeded.
func compressDump(path string) (string, error) {
	in, err := os.Open(path) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return "", err
	}
	defer in.Close() //nolint:errcheck // Best effort cleanup

	gzPath := path + ".gz"
	out, err := os.OpenFile(gzPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return "", err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()        //nolint:errcheck // Best effort cleanup
		out.Close()       //nolint:errcheck // Best effort cleanup
		os.Remove(gzPath) //nolint:errcheck // Best effort cleanup
		return "", err
	}
	if err := gz.Close(); err != nil {
		out.Close()       //nolint:errcheck // Best effort cleanup
		os.Remove(gzPath) //nolint:errcheck // Best effort cleanup
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(gzPath) //nolint:errcheck // Best effort cleanup
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", err
	}
	return gzPath, nil
}

func (c *Coordinator) writeRecord(rec Record, label string) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling record: %v", ErrBackup, err)
	}
	path := filepath.Join(c.cfg.Root, "backup-"+label+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil { //nolint:gosec // G306: record is operator-readable
		return fmt.Errorf("%w: writing record: %v", ErrBackup, err)
	}
	return nil
}

// fileChecksum returns the sha256 hex digest and size of a file.
func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// copyFile copies src to dst with the given mode.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // G304: source comes from installation config
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // Best effort cleanup

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()    //nolint:errcheck // Best effort cleanup
		os.Remove(dst) //nolint:errcheck // Best effort cleanup
		return err
	}
	return out.Close()
}

// copyTree copies a directory recursively, preserving file modes. Symlinks
// are not followed; the configuration directory does not contain any.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

// splitHostPort splits a "host:port" address, tolerating a bare host.
func splitHostPort(addr string) (host, port string) {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}
