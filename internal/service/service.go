// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package service stops and starts the web server fronting the
// installation, through whichever init system the host runs.
package service

import (
	"context"
	"fmt"

	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

// Controller stops and starts the web server unit.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error

	// Unit names the managed service for logs and error messages.
	Unit() string
}

// NewController returns the Controller for the configured init system.
func NewController(cfg *config.ServiceConfig, runner command.Runner) (Controller, error) {
	switch cfg.Adapter {
	case "systemd":
		return &systemdController{unit: cfg.Unit, runner: runner}, nil
	case "sysvinit":
		return &sysvinitController{unit: cfg.Unit, runner: runner}, nil
	default:
		return nil, fmt.Errorf("unsupported service adapter %q", cfg.Adapter)
	}
}

type systemdController struct {
	unit   string
	runner command.Runner
}

func (c *systemdController) Unit() string { return c.unit }

func (c *systemdController) Stop(ctx context.Context) error {
	return c.run(ctx, "stop")
}

func (c *systemdController) Start(ctx context.Context) error {
	return c.run(ctx, "start")
}

func (c *systemdController) run(ctx context.Context, verb string) error {
	if _, err := c.runner.Run(ctx, command.Invocation{
		Name: "systemctl",
		Args: []string{verb, c.unit},
	}); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, c.unit, err)
	}
	logging.Info().Str("unit", c.unit).Str("action", verb).Msg("Service state changed")
	return nil
}

type sysvinitController struct {
	unit   string
	runner command.Runner
}

func (c *sysvinitController) Unit() string { return c.unit }

func (c *sysvinitController) Stop(ctx context.Context) error {
	return c.run(ctx, "stop")
}

func (c *sysvinitController) Start(ctx context.Context) error {
	return c.run(ctx, "start")
}

func (c *sysvinitController) run(ctx context.Context, verb string) error {
	if _, err := c.runner.Run(ctx, command.Invocation{
		Name: "service",
		Args: []string{c.unit, verb},
	}); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, c.unit, err)
	}
	logging.Info().Str("unit", c.unit).Str("action", verb).Msg("Service state changed")
	return nil
}
