// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package cron suspends and restores the installation's background job
// entry in the service account's crontab. Entries are commented out rather
// than removed so an interrupted run leaves the original line recoverable
// by hand.
package cron

import "strings"

// suspendTag marks lines this tool commented out, so Restore never
// reactivates entries an operator disabled on purpose.
const suspendTag = "#nc-upgrade# "

// Table is an editable crontab. It preserves every line it does not touch,
// including comments and blanks.
type Table struct {
	lines []string
}

// ParseTable builds a Table from raw crontab output.
func ParseTable(raw string) *Table {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return &Table{}
	}
	return &Table{lines: strings.Split(raw, "\n")}
}

// Render returns the crontab text, newline-terminated when non-empty.
func (t *Table) Render() string {
	if len(t.lines) == 0 {
		return ""
	}
	return strings.Join(t.lines, "\n") + "\n"
}

// Suspend comments out every active line containing marker and returns how
// many lines it touched.
func (t *Table) Suspend(marker string) int {
	n := 0
	for i, line := range t.lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.Contains(line, marker) {
			t.lines[i] = suspendTag + line
			n++
		}
	}
	return n
}

// Resume uncomments every line Suspend commented out and returns how many
// lines it touched. Lines commented by anyone else stay commented.
func (t *Table) Resume() int {
	n := 0
	for i, line := range t.lines {
		if strings.HasPrefix(line, suspendTag) {
			t.lines[i] = strings.TrimPrefix(line, suspendTag)
			n++
		}
	}
	return n
}

// HasActive reports whether any active line contains marker.
func (t *Table) HasActive(marker string) bool {
	for _, line := range t.lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// Append adds a line to the end of the table.
func (t *Table) Append(line string) {
	t.lines = append(t.lines, line)
}
