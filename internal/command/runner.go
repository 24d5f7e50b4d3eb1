// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

// Package command abstracts subprocess invocation behind a small capability
// interface so that every component shelling out to external tools (database
// dump utilities, crontab, occ, service control) can be unit-tested without
// real processes.
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Invocation describes a single subprocess to run.
type Invocation struct {
	// Name is the binary to execute, resolved via PATH if not absolute.
	Name string

	// Args are the arguments, not including the binary name.
	Args []string

	// Env is the complete environment for the child process. nil inherits
	// the parent environment; a non-nil slice replaces it entirely, which is
	// how credentials are scoped to a single child without touching the
	// parent process.
	Env []string

	// Stdin is fed to the child's standard input when non-nil.
	Stdin io.Reader

	// Stdout receives the child's standard output when non-nil; otherwise
	// output is captured into the Result.
	Stdout io.Writer
}

// Result holds the outcome of a completed invocation.
type Result struct {
	// Output is the captured standard output, empty when the invocation
	// supplied its own Stdout writer.
	Output []byte

	// Stderr is the captured standard error.
	Stderr []byte
}

// Runner runs subprocesses to completion. Implementations are synchronous:
// Run returns only after the child has exited.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner is the default Runner backed by os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner that executes real subprocesses.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the invocation and waits for it to finish. A non-zero exit
// status is returned as an error wrapping *exec.ExitError, with captured
// stderr included in the message for diagnosis.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	cmd := exec.CommandContext(ctx, inv.Name, inv.Args...)
	cmd.Env = inv.Env
	cmd.Stdin = inv.Stdin

	var stdout, stderr bytes.Buffer
	if inv.Stdout != nil {
		cmd.Stdout = inv.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Output: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return res, fmt.Errorf("%s: %w: %s", inv.Name, err, msg)
		}
		return res, fmt.Errorf("%s: %w", inv.Name, err)
	}
	return res, nil
}

// LookPath reports whether the named binary is resolvable via PATH.
// Used by the orchestrator's preflight dependency check.
func LookPath(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required binary %q not found: %w", name, err)
	}
	return nil
}
