// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package release

import (
	"bufio"
	"bytes"
	"crypto/md5"  //nolint:gosec // md5 is a published digest format we must support
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// ErrChecksum marks an integrity failure: a digest mismatch, or a digest
// file with no line for the downloaded archive. Always fatal; the artifact
// is discarded.
var ErrChecksum = errors.New("checksum verification failed")

// newHash returns a hasher for the given digest algorithm.
func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "md5":
		return md5.New(), nil //nolint:gosec // published digest format
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
}

// DigestFor scans a published digest file for the line describing filename
// and returns its hex digest. Digest files carry one line per published
// artifact in coreutils format ("<hex>  <filename>", with an optional binary
// marker "*"). A digest file without a matching line is treated as a
// mismatch.
func DigestFor(digestFile []byte, filename string) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(digestFile))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimPrefix(fields[len(fields)-1], "*")
		if name == filename {
			return strings.ToLower(fields[0]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: reading digest file: %v", ErrChecksum, err)
	}
	return "", fmt.Errorf("%w: no digest line for %s", ErrChecksum, filename)
}

// HashFile computes the hex digest of a file with the given algorithm.
func HashFile(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path) //nolint:gosec // G304: path is a tool-owned download
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks archivePath against the digest file at digestPath. Only the
// digest line matching the archive's own filename is considered; any
// mismatch or missing line is an ErrChecksum.
func Verify(archivePath, digestPath, algorithm string) error {
	digestData, err := os.ReadFile(digestPath) //nolint:gosec // G304: tool-owned download
	if err != nil {
		return fmt.Errorf("failed to read digest file: %w", err)
	}

	expected, err := DigestFor(digestData, baseName(archivePath))
	if err != nil {
		return err
	}

	actual, err := HashFile(archivePath, algorithm)
	if err != nil {
		return err
	}

	if !strings.EqualFold(expected, actual) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksum, expected, actual)
	}
	return nil
}

// baseName returns the final path element without importing path/filepath
// semantics for URLs; download names never contain separators.
func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
