// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/statevault/services/statestore"
)

// resetFlags restores the package-level flag state after a test pokes it.
func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		configPath = ""
		rootDir = ""
		quiet = false
		config = statestore.Config{}
	})
}

func TestQuietFlagAppliesWithConfigFile(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "statevault.yaml")
	require.NoError(t, statestore.WriteDefaultConfig(path, dir))

	configPath = path
	quiet = true
	rootCmd.PersistentPreRun(rootCmd, nil)

	assert.Equal(t, dir, config.Root)
	assert.True(t, config.Logging.Quiet, "--quiet must override the config file")
}

func TestQuietFlagAppliesWithDefaultConfig(t *testing.T) {
	resetFlags(t)

	rootDir = t.TempDir()
	quiet = true
	rootCmd.PersistentPreRun(rootCmd, nil)

	assert.Equal(t, rootDir, config.Root)
	assert.True(t, config.Logging.Quiet)
}
