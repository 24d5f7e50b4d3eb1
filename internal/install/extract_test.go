// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package install

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTarBz2Release(t *testing.T) {
	dest := t.TempDir()
	tree, err := Extract("testdata/release.tar.bz2", "tar.bz2", dest)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "nextcloud"), tree)
	assert.FileExists(t, filepath.Join(tree, "version.php"))
	assert.FileExists(t, filepath.Join(tree, "config", "config.sample.php"))
	assert.FileExists(t, filepath.Join(tree, "core", "shipped.json"))
}

// writeZip builds a zip archive from name/content pairs.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestExtractZipRelease(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "release.zip")
	writeZip(t, archive, map[string]string{
		"nextcloud/version.php":              "<?php",
		"nextcloud/config/config.sample.php": "<?php // sample",
	})

	dest := t.TempDir()
	tree, err := Extract(archive, "zip", dest)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "nextcloud"), tree)
	assert.FileExists(t, filepath.Join(tree, "config", "config.sample.php"))
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, archive, map[string]string{
		"nextcloud/ok.txt": "fine",
		"../escape.txt":    "not fine",
	})

	dest := t.TempDir()
	_, err := Extract(archive, "zip", dest)
	require.ErrorIs(t, err, ErrExtract)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := Extract("whatever.rar", "rar", t.TempDir())
	assert.ErrorIs(t, err, ErrExtract)
}

func TestExtractRequiresSingleTopLevelDirectory(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "flat.zip")
	writeZip(t, archive, map[string]string{
		"a/one.txt": "1",
		"b/two.txt": "2",
	})

	_, err := Extract(archive, "zip", t.TempDir())
	assert.ErrorIs(t, err, ErrExtract)
}
