// nextcloud-scripts - Self-Hosted Nextcloud Maintenance Tooling
// Copyright 2026 Mirco Sanguineti (msanguineti)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msanguineti/nextcloud-scripts

package upgrade

// State names the step an upgrade run is in. Every failure is reported with
// the state it happened in so an operator knows exactly how far the run got
// and what manual recovery starts from.
type State string

const (
	StateIdle           State = "idle"
	StateResolving      State = "resolving"
	StateFetching       State = "fetching"
	StateConfirming     State = "confirming"
	StateMaintenanceOn  State = "maintenance-on"
	StateBackingUp      State = "backing-up"
	StateServiceStopped State = "service-stopped"
	StateCronSuspended  State = "cron-suspended"
	StateSwapped        State = "swapped"
	StatePermissionsSet State = "permissions-fixed"
	StateServiceStarted State = "service-started"
	StateMigrating      State = "migrating"
	StateCronRestored   State = "cron-restored"
	StateMaintenanceOff State = "maintenance-off"
	StateDone           State = "done"
	StateAborted        State = "aborted"
)

// Outcome classifies how a run ended without an error.
type Outcome int

const (
	// OutcomeUpgraded means the installation now runs the target release.
	OutcomeUpgraded Outcome = iota

	// OutcomeNoUpdate means the update server offered nothing.
	OutcomeNoUpdate

	// OutcomeUpToDate means the offered version is already installed.
	OutcomeUpToDate

	// OutcomeDeclined means the operator answered no at the confirmation
	// prompt. Nothing was changed.
	OutcomeDeclined
)

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeUpgraded:
		return "upgraded"
	case OutcomeNoUpdate:
		return "no-update"
	case OutcomeUpToDate:
		return "up-to-date"
	case OutcomeDeclined:
		return "declined"
	default:
		return "unknown"
	}
}
