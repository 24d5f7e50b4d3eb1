// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package cron

import (
	"context"
	"fmt"
	"strings"

	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

// jobMarker identifies the installation's background job line in a crontab.
const jobMarker = "cron.php"

// Manager edits the service account's crontab through the crontab binary.
type Manager struct {
	cfg    *config.CronConfig
	runner command.Runner
}

// NewManager returns a Manager for the configured cron user.
func NewManager(cfg *config.CronConfig, runner command.Runner) *Manager {
	return &Manager{cfg: cfg, runner: runner}
}

// load reads the user's crontab. A user without a crontab yields an empty
// table; crontab exits non-zero for that case.
func (m *Manager) load(ctx context.Context) (*Table, error) {
	res, err := m.runner.Run(ctx, command.Invocation{
		Name: "crontab",
		Args: []string{"-u", m.cfg.User, "-l"},
	})
	if err != nil {
		if strings.Contains(err.Error(), "no crontab") {
			return &Table{}, nil
		}
		return nil, fmt.Errorf("failed to read crontab for %s: %w", m.cfg.User, err)
	}
	return ParseTable(string(res.Output)), nil
}

// install replaces the user's crontab with the table's contents via stdin.
func (m *Manager) install(ctx context.Context, t *Table) error {
	if _, err := m.runner.Run(ctx, command.Invocation{
		Name:  "crontab",
		Args:  []string{"-u", m.cfg.User, "-"},
		Stdin: strings.NewReader(t.Render()),
	}); err != nil {
		return fmt.Errorf("failed to install crontab for %s: %w", m.cfg.User, err)
	}
	return nil
}

// Suspend comments out the background job entry so no job fires mid-swap.
// A crontab without the entry is not an error; there is nothing to suspend.
func (m *Manager) Suspend(ctx context.Context) error {
	t, err := m.load(ctx)
	if err != nil {
		return err
	}

	n := t.Suspend(jobMarker)
	if n == 0 {
		logging.Warn().Str("user", m.cfg.User).Msg("No active background job entry to suspend")
		return nil
	}

	if err := m.install(ctx, t); err != nil {
		return err
	}
	logging.Info().Str("user", m.cfg.User).Int("entries", n).Msg("Background job suspended")
	return nil
}

// Restore reactivates the suspended entry. When the crontab carries no
// entry at all, the configured default schedule is appended so the upgraded
// installation keeps running background jobs.
func (m *Manager) Restore(ctx context.Context) error {
	t, err := m.load(ctx)
	if err != nil {
		return err
	}

	n := t.Resume()
	if n == 0 && !t.HasActive(jobMarker) {
		t.Append(m.cfg.Schedule)
		logging.Warn().
			Str("user", m.cfg.User).
			Str("schedule", m.cfg.Schedule).
			Msg("No suspended entry found, appending default schedule")
	}

	if err := m.install(ctx, t); err != nil {
		return err
	}
	logging.Info().Str("user", m.cfg.User).Int("entries", n).Msg("Background job restored")
	return nil
}
