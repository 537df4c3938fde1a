package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeguard/pipeguard/internal/lock"
	"github.com/pipeguard/pipeguard/internal/state"
	"github.com/pipeguard/pipeguard/internal/testutil"
	"github.com/pipeguard/pipeguard/internal/workspace"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestInitCreatesLayout(t *testing.T) {
	home := testutil.TempHome(t)

	out, err := runCLI(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "initialized")

	_, err = os.Stat(filepath.Join(home, "var", "state.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(home, "var", "locks"))
	assert.NoError(t, err)
}

func TestStateWriteAndRead(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "state", "write", `{"phase":"plan","complete":["unit-1"],"signals":["kickoff"]}`, "advance")
	require.NoError(t, err)

	out, err := runCLI(t, "state", "read")
	require.NoError(t, err)

	var doc state.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "plan", doc.Phase)
	assert.Equal(t, []string{"unit-1"}, doc.CompletedUnits)
	assert.Contains(t, doc.Signals, "kickoff")
}

func TestStateWriteRejectsUnknownPhase(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "state", "write", `{"phase":"nonsense"}`)
	require.Error(t, err)
	assert.Equal(t, ExitValidationFailed, exitCode(err))

	out, err := runCLI(t, "state", "read")
	require.NoError(t, err)
	var doc state.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "bootstrap", doc.Phase)
}

func TestStateBackupAndRestore(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "state", "write", `{"phase":"plan"}`)
	require.NoError(t, err)
	out, err := runCLI(t, "state", "backup", "before-implement")
	require.NoError(t, err)
	assert.Contains(t, out, "state-")

	_, err = runCLI(t, "state", "write", `{"phase":"implement"}`)
	require.NoError(t, err)

	out, err = runCLI(t, "state", "restore", "before-implement")
	require.NoError(t, err)
	var doc state.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "plan", doc.Phase)
}

func TestLockAcquireCheckRelease(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "lock", "acquire", "trunk", "60")
	require.NoError(t, err)

	out, err := runCLI(t, "lock", "check", "trunk")
	require.NoError(t, err)
	var status lock.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.Free)

	out, err = runCLI(t, "lock", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "trunk")

	_, err = runCLI(t, "lock", "release", "trunk")
	require.NoError(t, err)

	out, err = runCLI(t, "lock", "check", "trunk")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Free)
}

func TestLockContentionExitCode(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "lock", "acquire", "trunk", "60")
	require.NoError(t, err)

	_, err = runCLI(t, "lock", "acquire", "trunk", "1")
	require.Error(t, err)
	assert.Equal(t, ExitLockTimeout, exitCode(err))
}

func TestWorkspaceEndToEnd(t *testing.T) {
	home := testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "var", "trunk", "app.txt"), []byte("v1\n"), 0o644))

	out, err := runCLI(t, "workspace", "create", "alpha")
	require.NoError(t, err)
	var record workspace.Record
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, "bootstrap-alpha", record.Name)

	require.NoError(t, os.WriteFile(filepath.Join(record.Path, "app.txt"), []byte("v2\n"), 0o644))

	out, err = runCLI(t, "workspace", "validate", record.Name)
	require.NoError(t, err)
	assert.Contains(t, out, "app.txt")

	_, err = runCLI(t, "workspace", "merge", record.Name, "fast-forward")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(home, "var", "trunk", "app.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2\n", string(data))

	out, err = runCLI(t, "workspace", "cleanup", record.Name, "--archive")
	require.NoError(t, err)
	assert.Contains(t, out, "archived to")
}

func TestDegradedModeBlocksMerge(t *testing.T) {
	home := testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "var", "trunk", "app.txt"), []byte("v1\n"), 0o644))

	out, err := runCLI(t, "workspace", "create", "alpha")
	require.NoError(t, err)
	var record workspace.Record
	require.NoError(t, json.Unmarshal([]byte(out), &record))

	_, err = runCLI(t, "recovery", "degrade", "disk pressure", featureWorkspaceMerge)
	require.NoError(t, err)

	_, err = runCLI(t, "workspace", "merge", record.Name)
	require.Error(t, err)

	_, err = runCLI(t, "recovery", "recover-mode")
	require.NoError(t, err)

	_, err = runCLI(t, "workspace", "merge", record.Name)
	require.NoError(t, err)
}

func TestRecoveryCheckpointRoundTrip(t *testing.T) {
	testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	_, err = runCLI(t, "state", "write", `{"phase":"plan"}`)
	require.NoError(t, err)

	out, err := runCLI(t, "recovery", "checkpoint", "deploy", "plan", `{"step":1}`)
	require.NoError(t, err)
	id := out[:len(out)-1] // trailing newline

	_, err = runCLI(t, "state", "write", `{"phase":"implement"}`)
	require.NoError(t, err)

	_, err = runCLI(t, "recovery", "restore", id)
	require.NoError(t, err)

	out, err = runCLI(t, "state", "read")
	require.NoError(t, err)
	var doc state.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "plan", doc.Phase)
}

func TestStatusWritesHealthSnapshot(t *testing.T) {
	home := testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	out, err := runCLI(t, "status", "--json")
	require.NoError(t, err)
	var snapshot healthSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
	assert.Equal(t, "bootstrap", snapshot.Phase)

	data, err := os.ReadFile(filepath.Join(home, "var", "health.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase"`)
}

func TestStatusReportsCorruptionRecovery(t *testing.T) {
	home := testutil.TempHome(t)
	_, err := runCLI(t, "init")
	require.NoError(t, err)

	// A backup exists, then the canonical document is clobbered.
	_, err = runCLI(t, "state", "write", `{"phase":"plan"}`)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(home, "var", "state.json"), []byte("{garbage"), 0o644))

	_, err = runCLI(t, "state", "read")
	require.Error(t, err)
	assert.Equal(t, ExitCorruptionRecovered, exitCode(err))

	// The document is valid again after recovery.
	_, err = runCLI(t, "state", "validate")
	assert.NoError(t, err)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, ExitOK, exitCode(nil))
	assert.Equal(t, ExitLockTimeout, exitCode(lock.ErrLockTimeout))
	assert.Equal(t, ExitCorruptionRecovered, exitCode(state.ErrCorruptionRecovered))
	assert.Equal(t, ExitValidationFailed, exitCode(state.ErrValidation))
	assert.Equal(t, ExitValidationFailed, exitCode(workspace.ErrIsolationViolation))
	assert.Equal(t, ExitPermissionDenied, exitCode(os.ErrPermission))
	assert.Equal(t, ExitGenericError, exitCode(assert.AnError))
}
