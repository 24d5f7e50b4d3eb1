// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package upgrade sequences a full in-place upgrade run: resolve, fetch,
// confirm, then the destructive phase from maintenance mode through the
// tree swap to the migration. The sequence is fail-fast: the first error
// stops the run where it stands and reports the state it died in. There is
// no automated rollback; the pre-upgrade snapshot and the retired tree are
// the recovery material.
package upgrade

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/msanguineti/nextcloud-scripts/internal/backup"
	"github.com/msanguineti/nextcloud-scripts/internal/command"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
	"github.com/msanguineti/nextcloud-scripts/internal/release"
	"github.com/msanguineti/nextcloud-scripts/internal/service"
)

// installReader is the slice of the occ client the orchestrator needs.
type installReader interface {
	Version(ctx context.Context) (string, error)
	Build(ctx context.Context) (string, error)
	PHPVersion(ctx context.Context) (string, error)
	Get(ctx context.Context, key string) (string, error)
	GetDefault(ctx context.Context, key, fallback string) string
	Maintenance(ctx context.Context, on bool) error
	Upgrade(ctx context.Context, logPath string) error
}

type targetResolver interface {
	Resolve(ctx context.Context, inst release.InstallationState, explicit string) (release.ReleaseTarget, error)
}

type artifactFetcher interface {
	Fetch(ctx context.Context, target release.ReleaseTarget) (release.Artifact, error)
}

type snapshotter interface {
	Run(ctx context.Context, creds backup.DatabaseCredentials, configDir, version, runID string) (backup.Record, error)
}

type treeSwapper interface {
	Stage(archivePath, format string) (string, error)
	Swap(stagedTree string) error
	FixPermissions(ctx context.Context) error
}

type cronSuspender interface {
	Suspend(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Orchestrator drives one upgrade run end to end.
type Orchestrator struct {
	cfg      *config.Config
	occ      installReader
	resolver targetResolver
	fetcher  artifactFetcher
	backup   snapshotter
	swapper  treeSwapper
	cron     cronSuspender
	svc      service.Controller

	// AssumeYes skips the confirmation prompt.
	AssumeYes bool

	// ExplicitVersion pins the target release instead of asking the update
	// server.
	ExplicitVersion string

	// Prompt I/O, the operator's terminal in production.
	In  io.Reader
	Out io.Writer

	// lookPath and sleep can be replaced in tests.
	lookPath func(name string) error
	sleep    func(ctx context.Context, d time.Duration) error

	state State
	runID string
	log   zerolog.Logger
}

// New wires an Orchestrator from its collaborators.
func New(cfg *config.Config, occClient installReader, resolver targetResolver, fetcher artifactFetcher,
	snap snapshotter, swapper treeSwapper, cron cronSuspender, svc service.Controller,
) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		cfg:      cfg,
		occ:      occClient,
		resolver: resolver,
		fetcher:  fetcher,
		backup:   snap,
		swapper:  swapper,
		cron:     cron,
		svc:      svc,
		In:       os.Stdin,
		Out:      os.Stdout,
		lookPath: command.LookPath,
		sleep:    sleepCtx,
		state:    StateIdle,
		runID:    runID,
		log:      logging.With().Str("run_id", runID).Logger(),
	}
}

// State returns the state the run is currently in, or died in.
func (o *Orchestrator) State() State { return o.state }

// RunID identifies this run in logs and the backup record.
func (o *Orchestrator) RunID() string { return o.runID }

// enter advances the state machine and logs the transition.
func (o *Orchestrator) enter(s State) {
	o.state = s
	o.log.Info().Str("state", string(s)).Msg("Entering state")
}

// fail wraps an error with the state the run died in.
func (o *Orchestrator) fail(err error) error {
	o.log.Error().Err(err).Str("state", string(o.state)).Msg("Upgrade run failed")
	return fmt.Errorf("upgrade failed in state %s: %w", o.state, err)
}

// Run executes one upgrade run. Terminal non-error endings (no update,
// up to date, operator declined) return their Outcome with a nil error.
// Any error after StateMaintenanceOn leaves the installation in whatever
// state it reached; nothing is reverted automatically.
func (o *Orchestrator) Run(ctx context.Context) (Outcome, error) {
	inst, creds, err := o.preflight(ctx)
	if err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateResolving)
	target, err := o.resolver.Resolve(ctx, inst, o.ExplicitVersion)
	switch {
	case errors.Is(err, release.ErrNoUpdate):
		o.log.Info().Msg("No update available")
		return OutcomeNoUpdate, nil
	case errors.Is(err, release.ErrUpToDate):
		o.log.Info().Str("version", inst.CurrentVersion).Msg("Installation is up to date")
		return OutcomeUpToDate, nil
	case err != nil:
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateFetching)
	artifact, err := o.fetcher.Fetch(ctx, target)
	if err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateConfirming)
	ok, err := o.confirm(inst, target)
	if err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	if !ok {
		o.enter(StateAborted)
		o.discardArtifact(artifact)
		o.log.Info().Msg("Upgrade declined by operator")
		return OutcomeDeclined, nil
	}

	// Point of no return. From here on failures leave the installation
	// exactly where it stopped; maintenance mode stays on.
	o.enter(StateMaintenanceOn)
	if err := o.occ.Maintenance(ctx, true); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	if err := o.settle(ctx, o.cfg.Upgrade.MaintenanceSettle, "maintenance mode"); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateBackingUp)
	configDir := filepath.Join(o.cfg.Install.Path, "config")
	record, err := o.backup.Run(ctx, creds, configDir, inst.CurrentVersion, o.runID)
	if err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	o.log.Info().Str("dump", record.DumpPath).Msg("Pre-upgrade snapshot written")

	o.enter(StateServiceStopped)
	if err := o.svc.Stop(ctx); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateCronSuspended)
	if err := o.cron.Suspend(ctx); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateSwapped)
	// The archive sat on disk through the prompt and the backup; verify it
	// again before it becomes the installation.
	if err := release.Verify(artifact.ArchivePath, artifact.DigestPath, artifact.DigestAlgorithm); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	stagedTree, err := o.swapper.Stage(artifact.ArchivePath, artifact.Format)
	if err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	if err := o.swapper.Swap(stagedTree); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}
	if !o.cfg.Backup.KeepArtifact {
		o.discardArtifact(artifact)
	}

	o.enter(StatePermissionsSet)
	if err := o.swapper.FixPermissions(ctx); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateServiceStarted)
	if err := o.svc.Start(ctx); err != nil {
		// The tree is already swapped; a service that will not start needs
		// the operator but must not stop the migration.
		o.log.Warn().Err(err).Str("unit", o.svc.Unit()).Msg("Service failed to start, continuing with migration")
	}
	if err := o.settle(ctx, o.cfg.Upgrade.RestartSettle, "service restart"); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateMigrating)
	if err := o.occ.Upgrade(ctx, o.cfg.Upgrade.LogPath); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateCronRestored)
	if err := o.cron.Restore(ctx); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateMaintenanceOff)
	if err := o.occ.Maintenance(ctx, false); err != nil {
		return OutcomeUpgraded, o.fail(err)
	}

	o.enter(StateDone)
	o.log.Info().
		Str("from", inst.CurrentVersion).
		Str("to", target.ResolvedVersion).
		Msg("Upgrade complete")
	return OutcomeUpgraded, nil
}

// preflight verifies required binaries exist and reads everything the run
// needs from the live installation before anything changes.
func (o *Orchestrator) preflight(ctx context.Context) (release.InstallationState, backup.DatabaseCredentials, error) {
	var inst release.InstallationState
	var creds backup.DatabaseCredentials

	if _, err := os.Stat(o.cfg.Install.Path); err != nil {
		return inst, creds, fmt.Errorf("installation path %s: %w", o.cfg.Install.Path, err)
	}

	creds, err := o.readCredentials(ctx)
	if err != nil {
		return inst, creds, err
	}

	for _, bin := range o.requiredBinaries(creds) {
		if err := o.lookPath(bin); err != nil {
			return inst, creds, err
		}
	}

	version, err := o.occ.Version(ctx)
	if err != nil {
		return inst, creds, err
	}
	build, err := o.occ.Build(ctx)
	if err != nil {
		return inst, creds, err
	}

	inst = release.InstallationState{
		Path:           o.cfg.Install.Path,
		CurrentVersion: version,
		Channel:        o.occ.GetDefault(ctx, "updater.release.channel", o.cfg.Release.Channel),
		BuildID:        build,
	}

	o.log.Info().
		Str("version", inst.CurrentVersion).
		Str("channel", inst.Channel).
		Str("db", creds.Type).
		Msg("Pre-flight complete")
	return inst, creds, nil
}

// readCredentials assembles database credentials from the installation's
// own configuration. They live in memory for the duration of the run only.
func (o *Orchestrator) readCredentials(ctx context.Context) (backup.DatabaseCredentials, error) {
	var creds backup.DatabaseCredentials

	dbType, err := o.occ.Get(ctx, "dbtype")
	if err != nil {
		return creds, err
	}
	creds.Type = dbType

	if dbType == "sqlite3" {
		dataDir, err := o.occ.Get(ctx, "datadirectory")
		if err != nil {
			return creds, err
		}
		creds.File = strings.TrimRight(dataDir, "/") + "/owncloud.db"
		return creds, nil
	}

	if creds.Name, err = o.occ.Get(ctx, "dbname"); err != nil {
		return creds, err
	}
	if creds.User, err = o.occ.Get(ctx, "dbuser"); err != nil {
		return creds, err
	}
	if creds.Password, err = o.occ.Get(ctx, "dbpassword"); err != nil {
		return creds, err
	}
	creds.Host = o.occ.GetDefault(ctx, "dbhost", "localhost")
	creds.Utf8mb4 = o.occ.GetDefault(ctx, "mysql.utf8mb4", "false") == "true"
	return creds, nil
}

// requiredBinaries lists the external tools this run will invoke.
func (o *Orchestrator) requiredBinaries(creds backup.DatabaseCredentials) []string {
	bins := []string{"sudo", o.cfg.Install.PHPBinary, "crontab", "chown"}
	if dump := backup.DumpBinary(creds); dump != "" {
		bins = append(bins, dump)
	}
	switch o.cfg.Service.Adapter {
	case "systemd":
		bins = append(bins, "systemctl")
	case "sysvinit":
		bins = append(bins, "service")
	}
	return bins
}

// confirm asks the operator to approve the upgrade. An empty answer means
// yes; anything starting with "n" or "N" declines.
func (o *Orchestrator) confirm(inst release.InstallationState, target release.ReleaseTarget) (bool, error) {
	if o.AssumeYes {
		return true, nil
	}

	fmt.Fprintf(o.Out, "Upgrade from %s to %s? [Y/n] ", inst.CurrentVersion, target.ResolvedVersion)

	answer, err := bufio.NewReader(o.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return true, nil
	}
	return !strings.HasPrefix(strings.ToLower(answer), "n"), nil
}

// settle waits for external state to catch up, e.g. in-flight requests
// draining after maintenance mode flips on.
func (o *Orchestrator) settle(ctx context.Context, d time.Duration, what string) error {
	if d <= 0 {
		return nil
	}
	o.log.Info().Dur("wait", d).Str("for", what).Msg("Settling")
	return o.sleep(ctx, d)
}

func (o *Orchestrator) discardArtifact(artifact release.Artifact) {
	os.Remove(artifact.ArchivePath) //nolint:errcheck // Best effort cleanup
	os.Remove(artifact.DigestPath)  //nolint:errcheck // Best effort cleanup
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
