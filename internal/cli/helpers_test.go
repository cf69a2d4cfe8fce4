package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const cartModule = `package modules

module: cart: fields: [
	{path: "total", computed: {deps: ["a", "b"], fn: "sum"}},
	{path: "name", validate: [{name: "required", fn: "required"}]},
]
`

const passingScenario = `name: cart_total
module: cart.cue
initial: { a: 1, b: 2, name: "Ada" }
steps:
  - label: set-a
    patch:
      - { op: set, path: a, value: 5 }
    expect:
      state: { total: 7 }
assertions:
  - type: final_state
    expect: { total: 7 }
`

const failingScenario = `name: cart_wrong_total
module: cart.cue
initial: { a: 1, b: 2, name: "Ada" }
steps:
  - label: set-a
    patch:
      - { op: set, path: a, value: 5 }
assertions:
  - type: final_state
    expect: { total: 99 }
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// moduleDir returns a temp directory holding the cart module.
func moduleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "cart.cue", cartModule)
	return dir
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
