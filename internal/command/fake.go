// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package command

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// FakeRunner is a scriptable Runner for tests. Responses are matched by the
// invocation's binary name plus arguments, falling back to the bare binary
// name; unmatched invocations succeed with empty output unless Strict is
// set.
type FakeRunner struct {
	mu sync.Mutex

	// Strict makes unmatched invocations fail instead of returning success.
	Strict bool

	responses map[string]fakeResponse
	calls     []Invocation
	stdins    []string
}

type fakeResponse struct {
	output string
	err    error
	hook   func(inv Invocation)
}

// NewFakeRunner returns an empty fake runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string]fakeResponse)}
}

// Respond registers canned output for the given command line.
func (f *FakeRunner) Respond(cmdline, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = fakeResponse{output: output}
}

// Fail registers an error for the given command line.
func (f *FakeRunner) Fail(cmdline string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = fakeResponse{err: err}
}

// Hook registers a callback invoked when the given command line runs,
// useful for inspecting filesystem state mid-invocation (e.g. checking a
// credentials file exists while the dump tool is "running").
func (f *FakeRunner) Hook(cmdline string, hook func(inv Invocation)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.responses[cmdline]
	resp.hook = hook
	f.responses[cmdline] = resp
}

// Run records the invocation and returns the scripted response.
func (f *FakeRunner) Run(_ context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, inv)
	if inv.Stdin != nil {
		data, _ := io.ReadAll(inv.Stdin)
		f.stdins = append(f.stdins, string(data))
	} else {
		f.stdins = append(f.stdins, "")
	}

	key := cmdline(inv)
	resp, ok := f.responses[key]
	if !ok {
		// Fall back to matching on the binary name alone, for invocations
		// whose arguments contain unpredictable paths.
		resp, ok = f.responses[inv.Name]
	}
	if !ok {
		if f.Strict {
			return Result{}, fmt.Errorf("unexpected invocation: %s", key)
		}
		return Result{}, nil
	}

	if resp.hook != nil {
		resp.hook(inv)
	}
	if resp.err != nil {
		return Result{}, resp.err
	}
	if inv.Stdout != nil {
		_, _ = io.WriteString(inv.Stdout, resp.output)
		return Result{}, nil
	}
	return Result{Output: []byte(resp.output)}, nil
}

// Calls returns the recorded invocations in order.
func (f *FakeRunner) Calls() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.calls...)
}

// Stdins returns the stdin payloads recorded per invocation.
func (f *FakeRunner) Stdins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stdins...)
}

// CalledWith reports whether any recorded invocation matches the command line.
func (f *FakeRunner) CalledWith(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inv := range f.calls {
		if cmdline(inv) == cmd {
			return true
		}
	}
	return false
}

func cmdline(inv Invocation) string {
	return strings.TrimSpace(inv.Name + " " + strings.Join(inv.Args, " "))
}

// Cmdline renders an invocation the way FakeRunner matches it. Exported so
// package tests can build match keys without duplicating the format.
func Cmdline(inv Invocation) string {
	return cmdline(inv)
}
