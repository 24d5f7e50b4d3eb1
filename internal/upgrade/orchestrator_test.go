// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package upgrade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msanguineti/nextcloud-scripts/internal/backup"
	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/release"
)

// journal records the order of destructive-phase steps across all fakes.
type journal struct{ steps []string }

func (j *journal) add(step string) { j.steps = append(j.steps, step) }

type fakeOcc struct {
	j      *journal
	values map[string]string

	maintenanceErr error
	upgradeErr     error
}

func (f *fakeOcc) Version(context.Context) (string, error)    { return f.values["version"], nil }
func (f *fakeOcc) Build(context.Context) (string, error)      { return f.values["build"], nil }
func (f *fakeOcc) PHPVersion(context.Context) (string, error) { return f.values["php"], nil }

func (f *fakeOcc) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", errors.New("config read failed: " + key)
	}
	return v, nil
}

func (f *fakeOcc) GetDefault(ctx context.Context, key, fallback string) string {
	if v, err := f.Get(ctx, key); err == nil && v != "" {
		return v
	}
	return fallback
}

func (f *fakeOcc) Maintenance(_ context.Context, on bool) error {
	if on {
		f.j.add("maintenance-on")
	} else {
		f.j.add("maintenance-off")
	}
	return f.maintenanceErr
}

func (f *fakeOcc) Upgrade(context.Context, string) error {
	f.j.add("migrate")
	return f.upgradeErr
}

type fakeResolver struct {
	target release.ReleaseTarget
	err    error

	gotExplicit string
}

func (f *fakeResolver) Resolve(_ context.Context, _ release.InstallationState, explicit string) (release.ReleaseTarget, error) {
	f.gotExplicit = explicit
	return f.target, f.err
}

type fakeFetcher struct {
	artifact release.Artifact
	err      error
}

func (f *fakeFetcher) Fetch(context.Context, release.ReleaseTarget) (release.Artifact, error) {
	return f.artifact, f.err
}

type fakeSnapshotter struct {
	j   *journal
	err error

	gotCreds backup.DatabaseCredentials
	gotRunID string
}

func (f *fakeSnapshotter) Run(_ context.Context, creds backup.DatabaseCredentials, _, _, runID string) (backup.Record, error) {
	f.j.add("backup")
	f.gotCreds = creds
	f.gotRunID = runID
	return backup.Record{DumpPath: "/backups/db.sql.gz"}, f.err
}

type fakeSwapper struct {
	j        *journal
	stageErr error
	swapErr  error
	permsErr error
}

func (f *fakeSwapper) Stage(string, string) (string, error) {
	f.j.add("stage")
	return "/tmp/staged/nextcloud", f.stageErr
}

func (f *fakeSwapper) Swap(string) error {
	f.j.add("swap")
	return f.swapErr
}

func (f *fakeSwapper) FixPermissions(context.Context) error {
	f.j.add("fix-perms")
	return f.permsErr
}

type fakeCron struct {
	j          *journal
	suspendErr error
	restoreErr error
}

func (f *fakeCron) Suspend(context.Context) error { f.j.add("cron-suspend"); return f.suspendErr }
func (f *fakeCron) Restore(context.Context) error { f.j.add("cron-restore"); return f.restoreErr }

type fakeService struct {
	j        *journal
	stopErr  error
	startErr error
}

func (f *fakeService) Stop(context.Context) error  { f.j.add("svc-stop"); return f.stopErr }
func (f *fakeService) Start(context.Context) error { f.j.add("svc-start"); return f.startErr }
func (f *fakeService) Unit() string                { return "apache2" }

// harness bundles an orchestrator with all its fakes.
type harness struct {
	o        *Orchestrator
	j        *journal
	occ      *fakeOcc
	resolver *fakeResolver
	fetcher  *fakeFetcher
	snap     *fakeSnapshotter
	swapper  *fakeSwapper
	cron     *fakeCron
	svc      *fakeService

	slept []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	j := &journal{}
	h := &harness{
		j: j,
		occ: &fakeOcc{j: j, values: map[string]string{
			"version":    "29.0.0.11",
			"build":      "2024-01-01",
			"php":        "8.2.11",
			"dbtype":     "mysql",
			"dbname":     "nextcloud",
			"dbuser":     "ncadmin",
			"dbpassword": "secret",
			"dbhost":     "localhost",
		}},
		resolver: &fakeResolver{target: release.ReleaseTarget{ResolvedVersion: "30.0.6.2"}},
		snap:     &fakeSnapshotter{j: j},
		swapper:  &fakeSwapper{j: j},
		cron:     &fakeCron{j: j},
		svc:      &fakeService{j: j},
	}

	// A real artifact on disk, with a matching digest file, so both the
	// pre-swap verification and discard behavior are observable.
	dir := t.TempDir()
	archive := filepath.Join(dir, "nextcloud-30.0.6.tar.bz2")
	digest := archive + ".sha256"
	payload := []byte("archive")
	sum := sha256.Sum256(payload)
	require.NoError(t, os.WriteFile(archive, payload, 0o640))
	require.NoError(t, os.WriteFile(digest,
		[]byte(hex.EncodeToString(sum[:])+"  nextcloud-30.0.6.tar.bz2\n"), 0o640))
	h.fetcher = &fakeFetcher{artifact: release.Artifact{
		ArchivePath:     archive,
		DigestPath:      digest,
		Format:          "tar.bz2",
		DigestAlgorithm: "sha256",
	}}

	cfg := &config.Config{
		Install: config.InstallConfig{Path: t.TempDir(), ServiceAccount: "www-data", PHPBinary: "php"},
		Release: config.ReleaseConfig{Channel: "stable"},
		Backup:  config.BackupConfig{Root: dir},
		Service: config.ServiceConfig{Adapter: "systemd", Unit: "apache2"},
		Cron:    config.CronConfig{User: "www-data", Schedule: "*/5 * * * * php -f cron.php"},
		Upgrade: config.UpgradeConfig{
			MaintenanceSettle: 60 * time.Second,
			RestartSettle:     30 * time.Second,
			LogPath:           filepath.Join(dir, "upgrade.log"),
		},
	}

	h.o = New(cfg, h.occ, h.resolver, h.fetcher, h.snap, h.swapper, h.cron, h.svc)
	h.o.AssumeYes = true
	h.o.lookPath = func(string) error { return nil }
	h.o.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpgraded, outcome)
	assert.Equal(t, StateDone, h.o.State())

	assert.Equal(t, []string{
		"maintenance-on",
		"backup",
		"svc-stop",
		"cron-suspend",
		"stage",
		"swap",
		"fix-perms",
		"svc-start",
		"migrate",
		"cron-restore",
		"maintenance-off",
	}, h.j.steps)

	// Settle delays observed after maintenance-on and after restart.
	assert.Equal(t, []time.Duration{60 * time.Second, 30 * time.Second}, h.slept)

	// Artifact discarded after the swap.
	assert.NoFileExists(t, h.fetcher.artifact.ArchivePath)
	assert.NoFileExists(t, h.fetcher.artifact.DigestPath)

	// Snapshot was tied to this run and used the read credentials.
	assert.Equal(t, h.o.RunID(), h.snap.gotRunID)
	assert.Equal(t, "secret", h.snap.gotCreds.Password)
}

func TestRunKeepsArtifactWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Backup.KeepArtifact = true

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, h.fetcher.artifact.ArchivePath)
}

func TestRunNoUpdateIsCleanStop(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = release.ErrNoUpdate

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, outcome)
	assert.Empty(t, h.j.steps, "nothing destructive may run")
}

func TestRunUpToDateIsCleanStop(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = release.ErrUpToDate

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, outcome)
	assert.Empty(t, h.j.steps)
}

func TestRunExplicitVersionForwarded(t *testing.T) {
	h := newHarness(t)
	h.o.ExplicitVersion = "30.0.6"
	h.resolver.target = release.ReleaseTarget{RequestedVersion: "30.0.6", ResolvedVersion: "30.0.6"}

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "30.0.6", h.resolver.gotExplicit)
}

func TestRunDeclinedLeavesEverythingUntouched(t *testing.T) {
	h := newHarness(t)
	h.o.AssumeYes = false
	h.o.In = strings.NewReader("n\n")
	h.o.Out = &strings.Builder{}

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, outcome)
	assert.Equal(t, StateAborted, h.o.State())
	assert.Empty(t, h.j.steps)

	// Declining discards the downloaded artifact.
	assert.NoFileExists(t, h.fetcher.artifact.ArchivePath)
}

func TestRunEmptyAnswerMeansYes(t *testing.T) {
	h := newHarness(t)
	h.o.AssumeYes = false
	h.o.In = strings.NewReader("\n")
	out := &strings.Builder{}
	h.o.Out = out

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpgraded, outcome)
	assert.Contains(t, out.String(), "29.0.0.11")
	assert.Contains(t, out.String(), "30.0.6.2")
}

func TestRunBackupFailureStopsBeforeServiceStop(t *testing.T) {
	h := newHarness(t)
	h.snap.err = backup.ErrBackup

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing-up")
	assert.Equal(t, StateBackingUp, h.o.State())
	assert.Equal(t, []string{"maintenance-on", "backup"}, h.j.steps)
}

func TestRunMigrationFailureLeavesMaintenanceOn(t *testing.T) {
	h := newHarness(t)
	h.occ.upgradeErr = errors.New("schema migration step 3 failed")

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrating")
	assert.Equal(t, StateMigrating, h.o.State())

	// No cron restore, no maintenance-off: the run stops where it died.
	assert.NotContains(t, h.j.steps, "cron-restore")
	assert.NotContains(t, h.j.steps, "maintenance-off")
}

func TestRunServiceStartFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.svc.startErr = errors.New("unit failed to start")

	outcome, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpgraded, outcome)

	// Swap already happened, so the run continues through migration.
	assert.Contains(t, h.j.steps, "migrate")
	assert.Contains(t, h.j.steps, "maintenance-off")
}

func TestRunServiceStopFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.svc.stopErr = errors.New("unit did not stop")

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service-stopped")
	assert.NotContains(t, h.j.steps, "swap")
}

func TestRunArtifactTamperedAfterFetchStopsBeforeStaging(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.fetcher.artifact.ArchivePath, []byte("tampered"), 0o640))

	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, release.ErrChecksum)
	assert.Equal(t, StateSwapped, h.o.State())
	assert.NotContains(t, h.j.steps, "stage")
	assert.NotContains(t, h.j.steps, "swap")
}

func TestRunSwapFailureReportsState(t *testing.T) {
	h := newHarness(t)
	h.swapper.swapErr = errors.New("rename: device busy")

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swapped")
	assert.NotContains(t, h.j.steps, "fix-perms")
}

func TestRunMissingBinaryFailsPreflight(t *testing.T) {
	h := newHarness(t)
	h.o.lookPath = func(name string) error {
		if name == "mysqldump" {
			return errors.New("required binary \"mysqldump\" not found in PATH")
		}
		return nil
	}

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysqldump")
	assert.Empty(t, h.j.steps)
}

func TestRunMissingInstallPathFailsPreflight(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Install.Path = filepath.Join(t.TempDir(), "gone")

	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.j.steps)
}

func TestReadCredentialsSQLite(t *testing.T) {
	h := newHarness(t)
	h.occ.values["dbtype"] = "sqlite3"
	h.occ.values["datadirectory"] = "/var/ncdata/"

	creds, err := h.o.readCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", creds.Type)
	assert.Equal(t, "/var/ncdata/owncloud.db", creds.File)
	assert.Empty(t, creds.Password)
}

func TestReadCredentialsUtf8mb4Flag(t *testing.T) {
	h := newHarness(t)
	h.occ.values["mysql.utf8mb4"] = "true"

	creds, err := h.o.readCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, creds.Utf8mb4)
}

func TestReadCredentialsMissingPasswordIsFatal(t *testing.T) {
	h := newHarness(t)
	delete(h.occ.values, "dbpassword")

	_, err := h.o.readCredentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dbpassword")
}

func TestSettleSkippedWhenZero(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Upgrade.MaintenanceSettle = 0
	h.o.cfg.Upgrade.RestartSettle = 0

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.slept)
}
