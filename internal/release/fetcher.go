// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package release

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/msanguineti/nextcloud-scripts/internal/config"
	"github.com/msanguineti/nextcloud-scripts/internal/logging"
)

// ErrDownload marks a failed or incomplete artifact download. Partial files
// are removed before this is returned.
var ErrDownload = errors.New("download failed")

// Fetcher downloads a release archive and its digest file, verifying the
// archive against the digest before handing it to the orchestrator.
type Fetcher struct {
	cfg *config.ReleaseConfig

	// DownloadDir receives the archive and digest file. Defaults to the
	// system temporary directory.
	DownloadDir string

	// HTTPClient can be replaced in tests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewFetcher returns a Fetcher for the given release configuration.
func NewFetcher(cfg *config.ReleaseConfig, downloadDir string) *Fetcher {
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}
	return &Fetcher{cfg: cfg, DownloadDir: downloadDir, HTTPClient: http.DefaultClient}
}

// ArchiveName returns the published filename for the target's archive,
// e.g. "nextcloud-30.0.6.tar.bz2".
func (f *Fetcher) ArchiveName(target ReleaseTarget) string {
	return fmt.Sprintf("%s-%s.%s", f.cfg.Product, target.DownloadVersion(), f.cfg.Format)
}

// Fetch downloads the digest file and the archive for target, streaming the
// archive through the digest hasher as it lands on disk. Any failure removes
// both files; a verified pair is returned as an Artifact.
func (f *Fetcher) Fetch(ctx context.Context, target ReleaseTarget) (Artifact, error) {
	name := f.ArchiveName(target)
	base := strings.TrimRight(f.cfg.BaseURL, "/")
	archiveURL := base + "/" + name
	digestURL := archiveURL + "." + f.cfg.DigestAlgorithm

	archivePath := filepath.Join(f.DownloadDir, name)
	digestPath := archivePath + "." + f.cfg.DigestAlgorithm

	cleanup := func() {
		os.Remove(archivePath) //nolint:errcheck // Best effort cleanup
		os.Remove(digestPath)  //nolint:errcheck // Best effort cleanup
	}

	if err := f.downloadTo(ctx, digestURL, digestPath, ""); err != nil {
		cleanup()
		return Artifact{}, err
	}

	digestData, err := os.ReadFile(digestPath) //nolint:gosec // G304: tool-owned download
	if err != nil {
		cleanup()
		return Artifact{}, fmt.Errorf("%w: reading digest file: %v", ErrDownload, err)
	}

	expected, err := DigestFor(digestData, name)
	if err != nil {
		cleanup()
		return Artifact{}, err
	}

	logging.Info().
		Str("url", archiveURL).
		Str("algorithm", f.cfg.DigestAlgorithm).
		Msg("Downloading release archive")

	if err := f.downloadTo(ctx, archiveURL, archivePath, expected); err != nil {
		cleanup()
		return Artifact{}, err
	}

	logging.Info().Str("archive", archivePath).Msg("Archive verified")

	return Artifact{
		ArchivePath:     archivePath,
		DigestPath:      digestPath,
		Format:          f.cfg.Format,
		DigestAlgorithm: f.cfg.DigestAlgorithm,
	}, nil
}

// downloadTo streams url into path. When expectedHex is non-empty the body is
// hashed as it is written and compared against it; a mismatch removes the
// file and returns ErrChecksum.
func (f *Fetcher) downloadTo(ctx context.Context, url, path, expectedHex string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort cleanup

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrDownload, url, resp.StatusCode)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // G304: tool-owned path
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	var dst io.Writer = out
	hasher, hashErr := newHash(f.cfg.DigestAlgorithm)
	if expectedHex != "" {
		if hashErr != nil {
			out.Close()     //nolint:errcheck // Best effort cleanup
			os.Remove(path) //nolint:errcheck // Best effort cleanup
			return hashErr
		}
		dst = io.MultiWriter(out, hasher)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		out.Close()     //nolint:errcheck // Best effort cleanup
		os.Remove(path) //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: %s: %v", ErrDownload, url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path) //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if expectedHex != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(expectedHex, actual) {
			os.Remove(path) //nolint:errcheck // Best effort cleanup
			return fmt.Errorf("%w: expected %s, got %s", ErrChecksum, expectedHex, actual)
		}
	}
	return nil
}

func (f *Fetcher) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}
