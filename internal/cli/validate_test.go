package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidModules(t *testing.T) {
	out, err := execute(t, "validate", moduleDir(t))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All 1 module(s) valid")
}

func TestValidateValidModulesJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", moduleDir(t))
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Empty(t, resp.Data.Errors)
}

func TestValidateReportsAllSchemaErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package modules

module: bad: fields: [
	{path: "total", computed: {deps: [], fn: "sum"}},
	{path: "mirror", link: {from: "mirror"}},
	{path: "quote", source: {resource: "", deps: ["sku"]}},
]
`)

	out, err := execute(t, "--format", "json", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)

	var codes []string
	for _, issue := range resp.Data.Errors {
		assert.Equal(t, "bad", issue.Module)
		codes = append(codes, issue.Code)
	}
	assert.Equal(t, []string{"E204", "E206", "E207"}, codes)
	assert.Equal(t, "E204", resp.Error.Code)
}

func TestValidateGraphConflicts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package modules

module: bad: fields: [
	{path: "x", computed: {deps: ["a"], fn: "identity"}},
	{path: "x", source: {resource: "xs"}},
]
`)

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "multiple_writers: bad: fields[0].computed:")
}

func TestValidateComputedCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package modules

module: bad: fields: [
	{path: "a", computed: {deps: ["b"], fn: "identity"}},
	{path: "b", computed: {deps: ["a"], fn: "identity"}},
]
`)

	issues, err := ValidateModulesDir(dir)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "bad", issues[0].Module)
	assert.Equal(t, "cycle_detected", issues[0].Code)
	assert.Contains(t, []string{"fields[0].computed", "fields[1].computed"}, issues[0].Field)

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "cycle_detected: bad: fields[")
}

func TestValidateParseErrorsAreIssues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.cue", `package modules

module: bad: fields: [{path: "x", validate: [{name: "r", fn: "nope"}]}]
`)

	out, err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeUnknownFunc+": load: module.bad")
	assert.Contains(t, out, `unknown check function "nope"`)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]")
}

func TestValidateModulesDir(t *testing.T) {
	issues, err := ValidateModulesDir(moduleDir(t))
	require.NoError(t, err)
	assert.Empty(t, issues)

	_, err = ValidateModulesDir(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
}
