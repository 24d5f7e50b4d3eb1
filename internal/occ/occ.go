// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package occ adapts the Nextcloud occ command-line interface for the
// upgrade tool: typed configuration reads, maintenance-mode toggling and the
// in-place migration step. All invocations run as the installation's service
// account through the command.Runner capability.
package occ

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
)

// ErrConfig marks a failed or missing configuration read. Always fatal,
// surfaced during pre-flight before anything destructive happens.
var ErrConfig = errors.New("config read failed")

// ErrMigration marks a failed in-place migration. The orchestrator leaves
// maintenance mode on when this is returned.
var ErrMigration = errors.New("migration failed")

// Client invokes occ for a specific installation.
type Client struct {
	runner  command.Runner
	path    string
	account string
	php     string
}

// New returns a Client bound to the installation described by cfg.
func New(runner command.Runner, cfg *config.InstallConfig) *Client {
	return &Client{
		runner:  runner,
		path:    cfg.Path,
		account: cfg.ServiceAccount,
		php:     cfg.PHPBinary,
	}
}

// occInvocation builds a sudo-wrapped occ invocation for the service account.
func (c *Client) occInvocation(args ...string) command.Invocation {
	full := append([]string{"-u", c.account, c.php, filepath.Join(c.path, "occ")}, args...)
	return command.Invocation{Name: "sudo", Args: full}
}

// Get reads a system configuration value. A missing or unreadable key is an
// ErrConfig; callers needing optional keys use GetDefault.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	res, err := c.runner.Run(ctx, c.occInvocation("config:system:get", key))
	if err != nil {
		return "", fmt.Errorf("%w: key %q: %v", ErrConfig, key, err)
	}
	return strings.TrimSpace(string(res.Output)), nil
}

// GetDefault reads a system configuration value, returning fallback when the
// key is missing or empty.
func (c *Client) GetDefault(ctx context.Context, key, fallback string) string {
	val, err := c.Get(ctx, key)
	if err != nil || val == "" {
		return fallback
	}
	return val
}

// Version returns the installed version string (typically four components,
// e.g. "29.0.0.11").
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.Get(ctx, "version")
}

// Build returns the opaque build token shipped in version.php.
func (c *Client) Build(ctx context.Context) (string, error) {
	snippet := fmt.Sprintf("require %q; echo $OC_Build;", filepath.Join(c.path, "version.php"))
	res, err := c.runner.Run(ctx, command.Invocation{
		Name: "sudo",
		Args: []string{"-u", c.account, c.php, "-r", snippet},
	})
	if err != nil {
		return "", fmt.Errorf("%w: build token: %v", ErrConfig, err)
	}
	return strings.TrimSpace(string(res.Output)), nil
}

// PHPVersion returns the runtime interpreter version ("8.2.11").
func (c *Client) PHPVersion(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, command.Invocation{
		Name: c.php,
		Args: []string{"-r", "echo PHP_VERSION;"},
	})
	if err != nil {
		return "", fmt.Errorf("%w: php version: %v", ErrConfig, err)
	}
	return strings.TrimSpace(string(res.Output)), nil
}

// Maintenance toggles maintenance mode on or off.
func (c *Client) Maintenance(ctx context.Context, on bool) error {
	flag := "--off"
	if on {
		flag = "--on"
	}
	if _, err := c.runner.Run(ctx, c.occInvocation("maintenance:mode", flag)); err != nil {
		return fmt.Errorf("failed to set maintenance mode %s: %w", flag, err)
	}
	return nil
}

// Upgrade runs the in-place schema/data migration, capturing all output to
// the durable log at logPath for post-mortem. A non-zero completion is an
// ErrMigration.
func (c *Client) Upgrade(ctx context.Context, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("%w: cannot open upgrade log %s: %v", ErrMigration, logPath, err)
	}
	defer logFile.Close() //nolint:errcheck // Best effort cleanup

	inv := c.occInvocation("upgrade", "--no-interaction")
	inv.Stdout = logFile

	res, err := c.runner.Run(ctx, inv)
	if len(res.Stderr) > 0 {
		_, _ = logFile.Write(res.Stderr)
	}
	if err != nil {
		return fmt.Errorf("%w: %v (see %s)", ErrMigration, err, logPath)
	}
	return nil
}
