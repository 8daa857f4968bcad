package e2e_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckJSON(t *testing.T) {
	env := newTestEnv(t)

	stdout, stderr, code := env.runPreseed("check", "app", "--format", "json")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	var report struct {
		Service string `json:"service"`
		Action  string `json:"action"`
		State   struct {
			Exists bool `json:"exists"`
		} `json:"state"`
		Methods []struct {
			Method     string `json:"method"`
			Applicable bool   `json:"applicable"`
			Note       string `json:"note"`
		} `json:"methods"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "app", report.Service)
	assert.Equal(t, "restore", report.Action)
	assert.False(t, report.State.Exists)
	require.Len(t, report.Methods, 1)
	assert.Equal(t, "local", report.Methods[0].Method)
	assert.False(t, report.Methods[0].Applicable)
}

func TestCheckMakesNoChanges(t *testing.T) {
	env := newTestEnv(t)
	env.withDataset()
	env.withData()

	stdout, stderr, code := env.runPreseed("check", "app")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "Action: skip: mountpoint directory is not empty")
	for _, c := range env.zfsCalls() {
		assert.Regexp(t, `^list `, c)
	}
}

func TestCheckBackendDown(t *testing.T) {
	env := newTestEnv(t)
	env.withBackendDown()

	stdout, _, code := env.runPreseed("check", "app")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "UNKNOWN")
}
