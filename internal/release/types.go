// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package release resolves which version to upgrade to, downloads the
// release archive and verifies its integrity against the published digest.
// These are the only operations that decide anything; everything after them
// is sequenced bookkeeping. Nothing in this package mutates the live
// installation.
package release

import "strings"

// InstallationState is a read-only snapshot of the live installation, taken
// once at orchestration start and never mutated.
type InstallationState struct {
	// Path is the absolute filesystem location of the installation.
	Path string

	// CurrentVersion is the installed version string, typically four
	// components ("29.0.0.11").
	CurrentVersion string

	// Channel is the release channel the installation follows.
	Channel string

	// BuildID is the opaque build token shipped with the installation.
	BuildID string
}

// ReleaseTarget identifies the release an upgrade run aims for.
type ReleaseTarget struct {
	// RequestedVersion is the operator-supplied explicit version, empty for
	// "latest".
	RequestedVersion string

	// ResolvedVersion is the version the update server offered (or the
	// explicit version when one was requested).
	ResolvedVersion string
}

// DownloadVersion returns the identifier used in download URLs: a resolved
// version with exactly four dot-separated components drops the trailing
// build revision, everything else passes through unchanged.
//
//	"30.0.6.2" -> "30.0.6"
//	"28.1.0"   -> "28.1.0"
func (t ReleaseTarget) DownloadVersion() string {
	parts := strings.Split(t.ResolvedVersion, ".")
	if len(parts) == 4 {
		return strings.Join(parts[:3], ".")
	}
	return t.ResolvedVersion
}

// Artifact is a downloaded and verified release archive plus its digest
// file. Created by the Fetcher, deleted by the orchestrator after a
// successful swap unless the configuration keeps it.
type Artifact struct {
	ArchivePath     string
	DigestPath      string
	Format          string
	DigestAlgorithm string
}
