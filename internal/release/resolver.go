// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

var (
	// ErrNoUpdate signals an empty discovery response: the update server
	// offers nothing for this installation. Terminal and non-fatal.
	ErrNoUpdate = errors.New("no update available")

	// ErrUpToDate signals that the offered version equals the installed
	// one. Terminal and non-fatal.
	ErrUpToDate = errors.New("already up to date")

	// ErrNetwork marks an unreachable or failing update server.
	ErrNetwork = errors.New("update server request failed")

	// ErrParse marks a non-empty discovery response without a recognizable
	// version token.
	ErrParse = errors.New("malformed update server response")
)

// versionTokenRe extracts the offered version from the discovery response.
var versionTokenRe = regexp.MustCompile(`<version>([^<]+)</version>`)

// Resolver queries the update-discovery endpoint and normalizes the offered
// version into a download identifier.
type Resolver struct {
	cfg *config.ReleaseConfig

	// PHPVersion is the runtime interpreter version ("8.2.11") encoded into
	// the discovery query.
	PHPVersion string

	// HTTPClient can be replaced in tests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewResolver returns a Resolver for the given release configuration.
func NewResolver(cfg *config.ReleaseConfig, phpVersion string) *Resolver {
	return &Resolver{cfg: cfg, PHPVersion: phpVersion, HTTPClient: http.DefaultClient}
}

// Resolve determines the target release for the installation. When explicit
// is non-empty no network call occurs and the explicit version is the
// resolved one. Returns ErrNoUpdate, ErrUpToDate, ErrNetwork or ErrParse.
func (r *Resolver) Resolve(ctx context.Context, inst InstallationState, explicit string) (ReleaseTarget, error) {
	target := ReleaseTarget{RequestedVersion: explicit}

	if explicit != "" {
		target.ResolvedVersion = explicit
	} else {
		resolved, err := r.queryUpdateServer(ctx, inst)
		if err != nil {
			return ReleaseTarget{}, err
		}
		target.ResolvedVersion = resolved
	}

	if target.ResolvedVersion == inst.CurrentVersion {
		return ReleaseTarget{}, fmt.Errorf("%w: %s", ErrUpToDate, inst.CurrentVersion)
	}

	logging.Info().
		Str("current", inst.CurrentVersion).
		Str("resolved", target.ResolvedVersion).
		Str("download", target.DownloadVersion()).
		Msg("Resolved release target")

	return target, nil
}

// queryUpdateServer issues the single discovery request and extracts the
// offered version token.
func (r *Resolver) queryUpdateServer(ctx context.Context, inst InstallationState) (string, error) {
	reqURL := r.cfg.UpdateServerURL + "?version=" + discoveryQuery(inst, r.PHPVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	resp, err := r.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort cleanup

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: update server returned status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	// An empty body is the update server's way of saying "nothing for you".
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", ErrNoUpdate
	}

	m := versionTokenRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w: no version token in %d-byte response", ErrParse, len(body))
	}

	return string(m[1]), nil
}

// discoveryQuery encodes the installation state the way the update server
// expects: the installed version with dots replaced by the separator, the
// channel, the URL-encoded build token and the three numeric components of
// the runtime interpreter version, all joined with "x".
//
//	29x0x0x11xstablex2024-01-01x8x2x11
func discoveryQuery(inst InstallationState, phpVersion string) string {
	fields := []string{
		strings.ReplaceAll(inst.CurrentVersion, ".", "x"),
		inst.Channel,
		url.QueryEscape(inst.BuildID),
	}
	fields = append(fields, phpTriple(phpVersion)...)
	return strings.Join(fields, "x")
}

// phpTriple splits an interpreter version into exactly three numeric
// components, padding with zeros and dropping distribution suffixes like
// "8.2.11-1ubuntu1".
func phpTriple(version string) []string {
	parts := strings.Split(version, ".")
	triple := make([]string, 3)
	for i := range triple {
		triple[i] = "0"
		if i >= len(parts) {
			continue
		}
		if digits := leadingDigits(parts[i]); digits != "" {
			triple[i] = digits
		}
	}
	return triple
}

// leadingDigits returns the run of ASCII digits at the start of s.
func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func (r *Resolver) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}
