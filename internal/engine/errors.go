// Package engine implements the delta-targeted execution core: option
// selection, signal execution, and reconciliation of live exchange state
// against persisted delta records.
package engine

import "errors"

// Terminal signal-level failures. Workflow steps short-circuit with one of
// these wrapped into the execution result; neither is retried.
var (
	// ErrAccountNotEligible means the signal named a disabled or unknown
	// account.
	ErrAccountNotEligible = errors.New("account not eligible")
	// ErrNoEligibleInstrument means selection produced zero candidates for
	// the requested delta window.
	ErrNoEligibleInstrument = errors.New("no eligible instrument in delta window")
)
