package e2e_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func destructiveCalls(calls []string) []string {
	var out []string
	for _, c := range calls {
		for _, op := range []string{"destroy ", "rollback ", "create "} {
			if strings.HasPrefix(c, op) {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestRunSkipsPopulatedMountpoint(t *testing.T) {
	env := newTestEnv(t)
	env.withData()

	stdout, stderr, code := env.runPreseed("run", "app")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "[skipped]")
	assert.Contains(t, stdout, "mountpoint directory is not empty")
	assert.Empty(t, destructiveCalls(env.zfsCalls()))

	prom := env.readFile(filepath.Join(env.TextfileDir, "preseed_app.prom"))
	assert.Contains(t, prom, `preseed_status{method="skipped",service="app"} 1`)

	notified := env.readFile(env.NotifyLog)
	assert.Contains(t, notified, "preseed-skipped:app INFO")
}

func TestRunBackendDownAbortsAndExitsZero(t *testing.T) {
	env := newTestEnv(t)
	env.withBackendDown()

	stdout, stderr, code := env.runPreseed("run", "--all")
	require.Equal(t, 0, code, "stderr: %s", stderr)

	assert.Contains(t, stdout, "[aborted]")
	assert.Empty(t, destructiveCalls(env.zfsCalls()))

	prom := env.readFile(filepath.Join(env.TextfileDir, "preseed_app.prom"))
	assert.Contains(t, prom, `preseed_status{method="none",service="app"} 0`)
	assert.Contains(t, env.readFile(env.NotifyLog), "preseed-failure:app ERROR")
}

func TestRunRecoveryFailureExitsNonZero(t *testing.T) {
	env := newTestEnv(t)

	// The dataset is missing. The mock creates it, but nothing is really
	// mounted on the temporary mountpoint, so recovery cannot be verified.
	stdout, stderr, code := env.runPreseed("run", "app")
	require.Equal(t, 1, code, "stdout: %s\nstderr: %s", stdout, stderr)

	assert.Contains(t, stdout, "[recovery_failed]")
	assert.Contains(t, stderr, "recovery failed")
	assert.Contains(t, env.zfsCalls(), "create -p -o mountpoint="+env.Mountpoint+" tank/services/app")
	assert.Contains(t, env.readFile(env.NotifyLog), "preseed-recovery-failed:app ERROR")
}

func TestRunAllFailedOnExistingDatasetExitsZero(t *testing.T) {
	env := newTestEnv(t)
	env.withDataset()

	// No local snapshots, so every method fails; the dataset is left as is.
	stdout, stderr, code := env.runPreseed("run", "app")
	require.Equal(t, 0, code, "stdout: %s\nstderr: %s", stdout, stderr)

	assert.Contains(t, stdout, "[all_failed]")
	assert.Empty(t, destructiveCalls(env.zfsCalls()))

	prom := env.readFile(filepath.Join(env.TextfileDir, "preseed_app.prom"))
	assert.Contains(t, prom, `preseed_status{method="none",service="app"} 0`)
	assert.Contains(t, env.readFile(env.NotifyLog), "preseed-failure:app ERROR")
}

func TestRunUnknownPath(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, code := env.runPreseed("run", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `unknown path "nope"`)
}

func TestRunRequiresNames(t *testing.T) {
	env := newTestEnv(t)

	_, stderr, code := env.runPreseed("run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--all")
}

func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.withData()

	_, stderr, code := env.runPreseed("run", "app")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	first := len(env.zfsCalls())

	stdout, stderr, code := env.runPreseed("run", "app")
	require.Equal(t, 0, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "[skipped]")
	assert.Equal(t, 2*first, len(env.zfsCalls()))
	assert.Empty(t, destructiveCalls(env.zfsCalls()))
}
