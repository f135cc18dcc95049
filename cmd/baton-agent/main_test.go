package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

// run registers its flags on the global flag set, so only one test in this
// package may call it.
func TestRunExitsOneWhenNoAgentTypesMatch(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BATON_STORE_BACKEND", "memory")

	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })
	os.Args = []string{"baton-agent",
		"-config", filepath.Join(dir, "absent.yaml"),
		"-env-file", filepath.Join(dir, "none.env"),
		"-types", "oracle"}

	assert.Equal(t, 1, run(), "initialization failures exit 1")
}

func TestSelectInvokersNormalizesTypes(t *testing.T) {
	invokers := selectInvokers(" Coding_Agent , test ")
	types := make([]string, 0, len(invokers))
	for _, inv := range invokers {
		types = append(types, inv.Type())
	}
	assert.ElementsMatch(t, []string{"coding", "test"}, types)
}
