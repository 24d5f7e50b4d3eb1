// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package install replaces the live installation tree with a verified
// release archive: staged extraction, the directory swap, configuration
// restore and ownership/permission normalization.
package install

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrExtract marks a failed or unsafe archive extraction. The staging
// directory is removed before this is returned.
var ErrExtract = errors.New("extraction failed")

// Extract unpacks archivePath (format "tar.bz2" or "zip") into destDir and
// returns the path of the single top-level directory the archive contains.
// Entries that would escape destDir abort the extraction.
func Extract(archivePath, format, destDir string) (string, error) {
	var err error
	switch format {
	case "tar.bz2":
		err = extractTarBz2(archivePath, destDir)
	case "zip":
		err = extractZip(archivePath, destDir)
	default:
		return "", fmt.Errorf("%w: unsupported archive format %q", ErrExtract, format)
	}
	if err != nil {
		return "", err
	}
	return topLevelDir(destDir)
}

// safeTarget resolves an archive entry name under destDir, rejecting
// anything that would escape it.
func safeTarget(destDir, name string) (string, error) {
	// G305: guard against path traversal via crafted entry names.
	target := filepath.Join(destDir, name) //nolint:gosec // validated below
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes extraction directory", ErrExtract, name)
	}
	return target, nil
}

func extractTarBz2(archivePath, destDir string) error {
	f, err := os.Open(archivePath) //nolint:gosec // G304: verified download
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup

	tr := tar.NewReader(bzip2.NewReader(f))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading archive: %v", ErrExtract, err)
		}

		target, err := safeTarget(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()); err != nil { //nolint:gosec // G115: tar modes fit
				return fmt.Errorf("%w: %v", ErrExtract, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, os.FileMode(header.Mode).Perm()); err != nil { //nolint:gosec // G115: tar modes fit
				return err
			}
		case tar.TypeSymlink:
			// Release archives link a handful of bundled resources. Reject
			// absolute or escaping link targets.
			if filepath.IsAbs(header.Linkname) || strings.Contains(header.Linkname, "..") {
				return fmt.Errorf("%w: unsafe symlink %q -> %q", ErrExtract, header.Name, header.Linkname)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("%w: %v", ErrExtract, err)
			}
		default:
			// Hard links, devices and the like do not appear in release
			// archives; skip rather than fail.
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	defer zr.Close() //nolint:errcheck // Best effort cleanup

	for _, entry := range zr.File {
		target, err := safeTarget(destDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, entry.Mode().Perm()); err != nil {
				return fmt.Errorf("%w: %v", ErrExtract, err)
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrExtract, err)
		}
		writeErr := writeEntry(target, rc, entry.Mode().Perm())
		rc.Close() //nolint:errcheck // Best effort cleanup
		if writeErr != nil {
			return writeErr
		}
	}
	return nil
}

func writeEntry(target string, src io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode) //nolint:gosec // G304: target validated by safeTarget
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	if _, err := io.Copy(out, src); err != nil { //nolint:gosec // G110: archive is checksum-verified
		out.Close() //nolint:errcheck // Best effort cleanup
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrExtract, err)
	}
	return nil
}

// topLevelDir returns the single directory a release archive unpacks to.
func topLevelDir(destDir string) (string, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtract, err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) != 1 {
		return "", fmt.Errorf("%w: expected one top-level directory, found %d", ErrExtract, len(dirs))
	}
	return filepath.Join(destDir, dirs[0]), nil
}
