// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     main
// Description: ipcpool command line entry point
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package main

import (
	"os"

	"github.com/msto63/ipcpool/cmd/ipcpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
