// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

// ErrSwap marks a failure while replacing the installation tree. After the
// first move the old tree lives at <path>.old; recovery is manual.
var ErrSwap = errors.New("installation swap failed")

// Swapper replaces the live installation tree with a staged release.
type Swapper struct {
	cfg    *config.InstallConfig
	runner command.Runner
}

// NewSwapper returns a Swapper for the installation described by cfg.
func NewSwapper(cfg *config.InstallConfig, runner command.Runner) *Swapper {
	return &Swapper{cfg: cfg, runner: runner}
}

// Stage extracts the archive into a temporary directory next to the
// installation so the later rename stays on one filesystem. Returns the
// extracted tree root; the caller owns the staging directory until Swap
// consumes it.
func (s *Swapper) Stage(archivePath, format string) (string, error) {
	stagingDir, err := os.MkdirTemp(filepath.Dir(s.cfg.Path), ".nc-upgrade-stage-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating staging directory: %v", ErrExtract, err)
	}

	logging.Info().Str("archive", archivePath).Str("staging", stagingDir).Msg("Extracting release archive")

	tree, err := Extract(archivePath, format, stagingDir)
	if err != nil {
		os.RemoveAll(stagingDir) //nolint:errcheck // Best effort cleanup
		return "", err
	}
	return tree, nil
}

// Swap retires the live tree to <path>.old and moves stagedTree into its
// place, then restores config.php from the old tree. The two renames are
// not atomic as a pair; the service is stopped and maintenance mode is on
// while this runs. Swap consumes the staging directory: it is removed on
// every path out, whether or not the tree made it into place.
func (s *Swapper) Swap(stagedTree string) error {
	defer os.RemoveAll(filepath.Dir(stagedTree)) //nolint:errcheck // Best effort cleanup

	oldPath := s.cfg.Path + ".old"

	// A leftover .old from a previous run blocks the first rename. Removal
	// is best effort; if it fails the rename error surfaces below.
	if _, err := os.Stat(oldPath); err == nil {
		logging.Warn().Str("path", oldPath).Msg("Removing stale previous installation")
		if err := os.RemoveAll(oldPath); err != nil {
			logging.Warn().Err(err).Str("path", oldPath).Msg("Could not remove stale tree")
		}
	}

	if err := os.Rename(s.cfg.Path, oldPath); err != nil {
		return fmt.Errorf("%w: retiring current tree: %v", ErrSwap, err)
	}

	if err := os.Rename(stagedTree, s.cfg.Path); err != nil {
		return fmt.Errorf("%w: installing new tree (old tree is at %s): %v", ErrSwap, oldPath, err)
	}

	if err := s.restoreConfig(oldPath); err != nil {
		return err
	}

	logging.Info().Str("path", s.cfg.Path).Str("previous", oldPath).Msg("Installation tree swapped")
	return nil
}

// restoreConfig carries config.php from the retired tree into the new one.
// The new tree ships only a config.sample.php; without this step the
// installation has no identity.
func (s *Swapper) restoreConfig(oldPath string) error {
	src := filepath.Join(oldPath, "config", "config.php")
	dst := filepath.Join(s.cfg.Path, "config", "config.php")

	in, err := os.Open(src) //nolint:gosec // G304: path under retired installation
	if err != nil {
		return fmt.Errorf("%w: reading retired config.php (old tree is at %s): %v", ErrSwap, oldPath, err)
	}
	defer in.Close() //nolint:errcheck // Best effort cleanup

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrSwap, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // G304: path under new installation
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSwap, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: restoring config.php: %v", ErrSwap, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrSwap, err)
	}
	return nil
}

// FixPermissions hands the tree to the service account and normalizes
// modes: directories 0750, files 0640. Ownership changes go through chown
// so the tool works the same whether or not it can call chown(2) directly.
func (s *Swapper) FixPermissions(ctx context.Context) error {
	owner := s.cfg.ServiceAccount + ":" + s.cfg.ServiceAccount
	if _, err := s.runner.Run(ctx, command.Invocation{
		Name: "chown",
		Args: []string{"-R", owner, s.cfg.Path},
	}); err != nil {
		return fmt.Errorf("failed to change ownership to %s: %w", owner, err)
	}

	err := filepath.Walk(s.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		mode := os.FileMode(0o640)
		if info.IsDir() {
			mode = 0o750
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, mode)
	})
	if err != nil {
		return fmt.Errorf("failed to normalize permissions: %w", err)
	}

	logging.Info().Str("path", s.cfg.Path).Str("owner", owner).Msg("Permissions fixed")
	return nil
}
