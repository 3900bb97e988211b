// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     version
// Description: Version information for the controller and wire protocol
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package version

import "fmt"

// Version constants
const (
	// Release is the ipcpool release
	Release = "1.0.0"

	// Protocol is the wire protocol revision. Controller and worker must
	// agree on it; both ends come from the same binary.
	Protocol = "1"
)

// Set at build time via -ldflags
var (
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns the full version line
func String() string {
	return fmt.Sprintf("ipcpool %s (protocol %s, commit %s, built %s)", Release, Protocol, Commit, BuildDate)
}
