package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	require.NoError(t, err)

	var journalMode string
	require.NoError(t, db.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
	assert.Equal(t, dbPath, db.Path())

	require.NoError(t, db.Close())
}

func TestInsertAndGetRun(t *testing.T) {
	db := openTest(t)

	run := RunRecord{
		ID:               "0b7e6c1a-run",
		Service:          "sonarr",
		Dataset:          "tank/services/sonarr",
		Outcome:          "restored",
		Method:           "local",
		DatasetDestroyed: false,
		Detail:           "rolled back to sanoid_2024",
		StartedAt:        "2024-06-01T12:00:00Z",
		EndedAt:          "2024-06-01T12:00:05Z",
	}
	attempts := []AttemptRecord{
		{Method: "syncoid", Status: "failed", Detail: "connection refused", DurationMS: 1200},
		{Method: "local", Status: "succeeded", Detail: "rolled back", DurationMS: 300},
	}
	require.NoError(t, db.InsertRun(run, attempts))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, got)

	gotAttempts, err := db.ListAttempts(run.ID)
	require.NoError(t, err)
	require.Len(t, gotAttempts, 2)
	assert.Equal(t, "syncoid", gotAttempts[0].Method)
	assert.Equal(t, 0, gotAttempts[0].Seq)
	assert.Equal(t, "local", gotAttempts[1].Method)
	assert.Equal(t, int64(300), gotAttempts[1].DurationMS)
}

func TestGetRunNotFound(t *testing.T) {
	db := openTest(t)

	_, err := db.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRunDuplicateID(t *testing.T) {
	db := openTest(t)
	run := RunRecord{ID: "r1", Service: "a", Dataset: "tank/a", Outcome: "skipped", StartedAt: "2024-06-01T00:00:00Z"}

	require.NoError(t, db.InsertRun(run, nil))
	assert.Error(t, db.InsertRun(run, nil))
}

func TestListRuns(t *testing.T) {
	db := openTest(t)
	for _, r := range []RunRecord{
		{ID: "r1", Service: "sonarr", Dataset: "tank/sonarr", Outcome: "skipped", StartedAt: "2024-06-01T00:00:00Z"},
		{ID: "r2", Service: "radarr", Dataset: "tank/radarr", Outcome: "restored", StartedAt: "2024-06-02T00:00:00Z"},
		{ID: "r3", Service: "sonarr", Dataset: "tank/sonarr", Outcome: "all_failed", DatasetDestroyed: true, StartedAt: "2024-06-03T00:00:00Z"},
	} {
		require.NoError(t, db.InsertRun(r, nil))
	}

	all, err := db.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].ID)
	assert.True(t, all[0].DatasetDestroyed)

	sonarr, err := db.ListRuns("sonarr", 0)
	require.NoError(t, err)
	assert.Len(t, sonarr, 2)

	limited, err := db.ListRuns("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	last, err := db.LastRun("radarr")
	require.NoError(t, err)
	assert.Equal(t, "r2", last.ID)

	_, err = db.LastRun("lidarr")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneCascadesAttempts(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.InsertRun(RunRecord{ID: "old", Service: "a", Dataset: "tank/a", Outcome: "restored", StartedAt: "2023-01-01T00:00:00Z"},
		[]AttemptRecord{{Method: "local", Status: "succeeded"}}))
	require.NoError(t, db.InsertRun(RunRecord{ID: "new", Service: "a", Dataset: "tank/a", Outcome: "skipped", StartedAt: "2024-06-01T00:00:00Z"}, nil))

	n, err := db.Prune("2024-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	attempts, err := db.ListAttempts("old")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	runs, err := db.ListRuns("", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
}

func TestFormatRunList(t *testing.T) {
	assert.Equal(t, "No run records.\n", FormatRunList(nil))

	out := FormatRunList([]RunRecord{{ID: "0123456789abcdef", Service: "sonarr", Outcome: "all_failed", DatasetDestroyed: true, Detail: "recreated empty"}})
	assert.Contains(t, out, "01234567 ")
	assert.Contains(t, out, "[dataset destroyed]")
	assert.Contains(t, out, " - ")
}

func TestFormatRunListJSONEmpty(t *testing.T) {
	out, err := FormatRunListJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}
