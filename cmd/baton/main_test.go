package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run registers its flags on the global flag set, so only one test in this
// package may call it.
func TestRunExitsOneWhenConfigIsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baton.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))

	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = []string{"baton", "-config", path, "-env-file", filepath.Join(dir, "none.env")}

	assert.Equal(t, 1, run(), "initialization failures exit 1")
}
