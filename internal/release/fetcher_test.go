// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package release

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msanguineti/nextcloud-scripts/internal/config"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// releaseServer serves a fake download mirror with one archive and its
// digest file.
func releaseServer(t *testing.T, archiveName string, archive []byte, digestBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/"+archiveName, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	mux.HandleFunc("/releases/"+archiveName+".sha256", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(digestBody))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	return NewFetcher(&config.ReleaseConfig{
		Product:         "nextcloud",
		Channel:         "stable",
		UpdateServerURL: "https://updates.example.com/updater_server/",
		BaseURL:         baseURL,
		Format:          "tar.bz2",
		DigestAlgorithm: "sha256",
	}, t.TempDir())
}

func TestFetchDownloadsAndVerifies(t *testing.T) {
	archive := []byte("pretend this is a release tarball")
	digest := fmt.Sprintf("%s  nextcloud-30.0.6.tar.bz2\n", sha256Hex(archive))
	srv := releaseServer(t, "nextcloud-30.0.6.tar.bz2", archive, digest)

	f := newTestFetcher(t, srv.URL+"/releases/")
	art, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6.2"})
	require.NoError(t, err)

	data, err := os.ReadFile(art.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, archive, data)
	assert.Equal(t, "tar.bz2", art.Format)
	assert.FileExists(t, art.DigestPath)

	// End-to-end verification over the landed files agrees.
	require.NoError(t, Verify(art.ArchivePath, art.DigestPath, "sha256"))
}

func TestFetchSelectsMatchingDigestLine(t *testing.T) {
	archive := []byte("zip and tar published side by side")
	digest := fmt.Sprintf("%s  nextcloud-30.0.6.zip\n%s  nextcloud-30.0.6.tar.bz2\n",
		sha256Hex([]byte("different contents")), sha256Hex(archive))
	srv := releaseServer(t, "nextcloud-30.0.6.tar.bz2", archive, digest)

	f := newTestFetcher(t, srv.URL+"/releases/")
	_, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6"})
	require.NoError(t, err)
}

func TestFetchMissingDigestLineIsFatal(t *testing.T) {
	archive := []byte("archive without a digest entry")
	digest := fmt.Sprintf("%s  nextcloud-30.0.5.tar.bz2\n", sha256Hex(archive))
	srv := releaseServer(t, "nextcloud-30.0.6.tar.bz2", archive, digest)

	f := newTestFetcher(t, srv.URL+"/releases/")
	_, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6"})
	assert.ErrorIs(t, err, ErrChecksum)

	entries, readErr := os.ReadDir(f.DownloadDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed fetch must not leave files behind")
}

func TestFetchMismatchRemovesArtifact(t *testing.T) {
	archive := []byte("the bytes that actually arrive")
	digest := fmt.Sprintf("%s  nextcloud-30.0.6.tar.bz2\n", sha256Hex([]byte("the bytes that were published")))
	srv := releaseServer(t, "nextcloud-30.0.6.tar.bz2", archive, digest)

	f := newTestFetcher(t, srv.URL+"/releases/")
	_, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6"})
	assert.ErrorIs(t, err, ErrChecksum)

	entries, readErr := os.ReadDir(f.DownloadDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestFetchArchiveNotFound(t *testing.T) {
	digest := fmt.Sprintf("%s  nextcloud-30.0.6.tar.bz2\n", sha256Hex([]byte("x")))
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/nextcloud-30.0.6.tar.bz2.sha256", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(digest))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, srv.URL+"/releases/")
	_, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6"})
	assert.ErrorIs(t, err, ErrDownload)

	entries, readErr := os.ReadDir(f.DownloadDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestFetchDigestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, srv.URL+"/releases/")
	_, err := f.Fetch(context.Background(), ReleaseTarget{ResolvedVersion: "30.0.6"})
	assert.ErrorIs(t, err, ErrDownload)
}

func TestDigestForHandlesBinaryMarker(t *testing.T) {
	body := []byte("abc123  *nextcloud-30.0.6.tar.bz2\n")
	got, err := DigestFor(body, "nextcloud-30.0.6.tar.bz2")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
}

func TestVerifyAgainstFiles(t *testing.T) {
	dir := t.TempDir()
	archive := dir + "/nextcloud-30.0.6.tar.bz2"
	require.NoError(t, os.WriteFile(archive, []byte("payload"), 0o644))

	digest := archive + ".sha256"
	line := fmt.Sprintf("%s  nextcloud-30.0.6.tar.bz2\n", sha256Hex([]byte("payload")))
	require.NoError(t, os.WriteFile(digest, []byte(line), 0o644))

	require.NoError(t, Verify(archive, digest, "sha256"))

	require.NoError(t, os.WriteFile(archive, []byte("tampered"), 0o644))
	assert.ErrorIs(t, Verify(archive, digest, "sha256"), ErrChecksum)
}
