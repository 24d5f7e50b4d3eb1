// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// nc-upgrade performs an in-place upgrade of a self-hosted Nextcloud
// installation: it resolves the target release, downloads and verifies the
// archive, snapshots the database and configuration, swaps the installation
// tree and runs the migration, stopping the web server and background jobs
// around the swap.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msanguineti/nextcloud-scripts/internal/backup"
	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/cron"
	"github.com/msanguineti/nextcloud-scripts/internal/install"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
	"github.com/msanguineti/nextcloud-scripts/internal/occ"
	"github.com/msanguineti/nextcloud-scripts/internal/release"
	"github.com/msanguineti/nextcloud-scripts/internal/service"
	"github.com/msanguineti/nextcloud-scripts/internal/upgrade"
)

// version is set at build time via -ldflags.
var version = "dev"

type options struct {
	configPath   string
	target       string
	assumeYes    bool
	keepArtifact bool
	logLevel     string
	logFormat    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "nc-upgrade",
		Short: "In-place upgrade for a self-hosted Nextcloud installation",
		Long: `nc-upgrade resolves the next release from the update server (or takes an
explicit target version), downloads and checksum-verifies the archive, asks
for confirmation, then performs the upgrade: maintenance mode on, database
and config snapshot, web server stopped, background jobs suspended,
installation tree swapped, permissions fixed, service restarted, migration
run, and everything re-enabled.

The run is fail-fast. After maintenance mode is enabled nothing is reverted
automatically; a failed run stops where it stands and reports the step it
died in. The snapshot under the backup root and the retired tree at
<install-path>.old are the recovery material.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.SetVersionTemplate("nc-upgrade {{.Version}}\n")

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "explicit target version (skips update server discovery)")
	cmd.Flags().BoolVarP(&opts.assumeYes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&opts.keepArtifact, "keep-artifact", false, "keep the downloaded archive after a successful swap")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "log format: console or json")

	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.keepArtifact {
		cfg.Backup.KeepArtifact = true
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// SIGINT/SIGTERM cancel the context instead of killing the process, so
	// in-flight subprocesses stop and deferred cleanup (credentials file,
	// staging directory) still runs.
	ctx, stop := notifyContext(cmd.Context())
	defer stop()

	runner := command.NewExecRunner()

	occClient := occ.New(runner, &cfg.Install)

	phpVersion, err := occClient.PHPVersion(ctx)
	if err != nil {
		return err
	}

	svc, err := service.NewController(&cfg.Service, runner)
	if err != nil {
		return err
	}

	o := upgrade.New(cfg,
		occClient,
		release.NewResolver(&cfg.Release, phpVersion),
		release.NewFetcher(&cfg.Release, ""),
		backup.NewCoordinator(&cfg.Backup, runner),
		install.NewSwapper(&cfg.Install, runner),
		cron.NewManager(&cfg.Cron, runner),
		svc,
	)
	o.AssumeYes = opts.assumeYes
	o.ExplicitVersion = opts.target
	o.In = cmd.InOrStdin()
	o.Out = cmd.OutOrStdout()

	outcome, err := o.Run(ctx)
	if err != nil {
		return err
	}

	// No update, up to date and operator decline are all successful endings.
	logging.Info().Str("outcome", outcome.String()).Msg("Run finished")
	return nil
}

// notifyContext derives a context canceled on operator interruption.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
