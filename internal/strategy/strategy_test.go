package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/guard"
	"github.com/holthome/preseed/internal/retry"
	"github.com/holthome/preseed/internal/strategy/strategytest"
	"github.com/holthome/preseed/internal/zfs"
	"github.com/holthome/preseed/internal/zfs/zfstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	ds  = "tank/app"
	mnt = "/var/lib/app"
)

type fixture struct {
	pool *zfstest.Backend
	host *strategytest.Host
	deps Deps
	rc   *RunContext
}

func newFixture() *fixture {
	pool := zfstest.New()
	h := strategytest.NewHost()
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	deps := Deps{
		Backend: pool,
		Host:    h,
		Guard:   guard.New(0, 0),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		Keep:              2,
		ScheduledPrefixes: []string{"autosnap_", "sanoid_"},
	}
	rc := &RunContext{
		RunID: "run-1",
		Path: config.ManagedPath{
			Name:                 "app",
			Dataset:              ds,
			Mountpoint:           mnt,
			Owner:                "app",
			Group:                "app",
			Methods:              []string{config.MethodSyncoid, config.MethodLocal, config.MethodRestic},
			Properties:           map[string]string{"recordsize": "16K"},
			OnUnsafeExistingData: config.UnsafeAbort,
			ProtectiveSnapshot:   config.ProtectAlways,
			Syncoid:              &config.Remote{Host: "nas-1", User: "root", Dataset: "backup/app"},
			Restic:               &config.Repository{URL: "s3:https://s3.example.com/app", Target: "/", Paths: []string{mnt}},
		},
		Log: zap.NewNop(),
	}
	return &fixture{pool: pool, host: h, deps: deps, rc: rc}
}

func (f *fixture) inspect(t *testing.T) zfs.DatasetState {
	t.Helper()
	st, err := f.pool.Inspect(context.Background(), ds)
	require.NoError(t, err)
	return st
}

func countProtective(d *zfstest.Dataset) int {
	n := 0
	for _, s := range d.Snaps {
		if len(s.Name) > len(ProtectivePrefix) && s.Name[:len(ProtectivePrefix)] == ProtectivePrefix {
			n++
		}
	}
	return n
}

func TestSyncoidNotApplicableWithoutRemote(t *testing.T) {
	f := newFixture()
	f.rc.Path.Syncoid = nil
	repl := &strategytest.Replicator{Pool: f.pool}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, NotApplicable, res.Status)
	assert.ErrorIs(t, res.Err, ErrNotApplicable)
	assert.Zero(t, repl.Calls())
}

func TestSyncoidMissingDataset(t *testing.T) {
	f := newFixture()
	repl := &strategytest.Replicator{Pool: f.pool, Logical: 50 << 20}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.True(t, res.DatasetCreated)
	assert.False(t, res.DatasetDestroyed)
	assert.Zero(t, f.pool.Destructive())
	assert.NotEmpty(t, res.ProtectiveSnapshot)

	got := f.pool.Get(ds)
	require.NotNil(t, got)
	assert.True(t, got.Mounted)
	assert.Equal(t, mnt, got.Props["mountpoint"])
	assert.Equal(t, "16K", got.Props["recordsize"])
	assert.Equal(t, 1, countProtective(got))
	assert.Equal(t, []string{"app:app " + mnt}, f.host.Chowns())
}

func TestSyncoidDestroysEmptyUnsnapshottedDataset(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Logical: 100 << 10, Mounted: true})
	repl := &strategytest.Replicator{Pool: f.pool, Logical: 50 << 20}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.Equal(t, 1, f.pool.Count("destroy"))
	assert.True(t, res.DatasetCreated)
	assert.Equal(t, 1, repl.Calls())
}

func TestSyncoidRefusesToDestroyData(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Logical: 10 << 20, Mounted: true})
	repl := &strategytest.Replicator{Pool: f.pool}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, SafetyAborted, res.Status)
	assert.ErrorIs(t, res.Err, ErrSafetyAborted)
	assert.Contains(t, res.Detail, "10 MiB")
	assert.Zero(t, f.pool.Destructive())
	assert.Zero(t, repl.Calls())
}

func TestSyncoidKeepsChildDatasets(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Logical: 100 << 10, Mounted: true})
	f.pool.Put(ds+"/media", &zfstest.Dataset{Logical: 2 << 30, Mounted: true})
	repl := &strategytest.Replicator{Pool: f.pool, Logical: 50 << 20}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Contains(t, res.Detail, "has children")
	assert.False(t, res.DatasetDestroyed)
	assert.Zero(t, repl.Calls())
	assert.NotNil(t, f.pool.Get(ds))
	assert.NotNil(t, f.pool.Get(ds+"/media"))
}

func TestSyncoidAttemptInPlace(t *testing.T) {
	f := newFixture()
	f.rc.Path.OnUnsafeExistingData = config.UnsafeAttemptInPlace
	f.pool.Put(ds, &zfstest.Dataset{Logical: 10 << 20, Mounted: true})
	repl := &strategytest.Replicator{Pool: f.pool, Logical: 12 << 20}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.Zero(t, f.pool.Count("destroy"))
	assert.False(t, res.DatasetCreated)
	assert.Equal(t, 1, repl.Calls())
}

func TestSyncoidRechecksBeforeDestroy(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Logical: 4 << 10, Mounted: true})
	state := f.inspect(t)
	// Data lands between the caller's inspection and the destroy.
	f.pool.OnInspect = func(n int, b *zfstest.Backend) {
		b.SetLogical(ds, 8<<20)
	}
	repl := &strategytest.Replicator{Pool: f.pool}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, state)

	assert.Equal(t, SafetyAborted, res.Status)
	assert.Contains(t, res.Detail, "re-check")
	assert.Zero(t, f.pool.Count("destroy"))
	assert.Zero(t, repl.Calls())
}

func TestSyncoidFailureAfterDestroyIsReported(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Logical: 4 << 10, Mounted: true})
	repl := &strategytest.Replicator{Pool: f.pool, Err: errors.New("ssh: connect to host nas-1 port 22: Connection refused")}

	res := NewSyncoid(f.deps, repl).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrStrategyFailed)
	assert.True(t, res.DatasetDestroyed)
	assert.Nil(t, f.pool.Get(ds))
}

func TestTargetPrefersScheduledSnapshots(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snaps := []zfs.Snapshot{
		{Name: ds + "@autosnap_2024-01-01_00:00:00_daily", Created: base},
		{Name: ds + "@sanoid_2024-01-02", Created: base.Add(24 * time.Hour)},
		{Name: ds + "@before-upgrade", Created: base.Add(48 * time.Hour)},
	}
	prefixes := []string{"autosnap_", "sanoid_"}

	assert.Equal(t, ds+"@sanoid_2024-01-02", Target(snaps, prefixes))
	assert.Equal(t, ds+"@before-upgrade", Target(snaps[2:], prefixes))
	assert.Equal(t, "", Target(nil, prefixes))
}

func TestLocalFailsWithoutDataset(t *testing.T) {
	f := newFixture()

	res := NewLocal(f.deps).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.ErrorIs(t, res.Err, ErrStrategyFailed)
	assert.Zero(t, f.pool.Destructive())
}

func TestLocalFailsWithoutSnapshots(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true})

	res := NewLocal(f.deps).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Contains(t, res.Detail, "no local snapshots")
	assert.Zero(t, f.pool.Count("hold"))
}

func TestLocalRollsBackAndReleasesHold(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: false, Props: map[string]string{"mountpoint": mnt}})
	f.pool.AddSnapshot(ds, "sanoid_2024-01-01", 30<<20)

	res := NewLocal(f.deps).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.Equal(t, 1, f.pool.Count("hold"))
	assert.Equal(t, 1, f.pool.Count("release"))
	assert.Equal(t, 1, f.pool.Count("rollback"))

	got := f.pool.Get(ds)
	assert.True(t, got.Mounted)
	assert.Equal(t, uint64(30<<20), got.Logical)
	for _, s := range got.Snaps {
		assert.Empty(t, s.Holds, s.Name)
	}
	assert.Equal(t, 1, countProtective(got))
	assert.Equal(t, []string{"app:app " + mnt}, f.host.Chowns())
}

func TestLocalRefusesWhenMountRevealsData(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: false, Logical: 8 << 20, Props: map[string]string{"mountpoint": mnt}})
	f.pool.AddSnapshot(ds, "sanoid_2024-01-01", 2<<20)

	res := NewLocal(f.deps).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, SafetyAborted, res.Status)
	assert.ErrorIs(t, res.Err, ErrSafetyAborted)
	assert.Contains(t, res.Detail, "after mount")
	assert.Equal(t, 1, f.pool.Count("mount"))
	assert.Zero(t, f.pool.Count("hold"))
	assert.Zero(t, f.pool.Destructive())
	assert.Equal(t, uint64(8<<20), f.pool.Get(ds).Logical)
}

func TestLocalReleasesHoldWhenRollbackFails(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true, Props: map[string]string{"mountpoint": mnt}})
	f.pool.AddSnapshot(ds, "autosnap_hourly", 1<<20)
	f.pool.Fail["rollback"] = errors.New("cannot rollback: dataset is busy")

	res := NewLocal(f.deps).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Contains(t, res.Detail, "busy")
	assert.Equal(t, 1, f.pool.Count("hold"))
	assert.Equal(t, 1, f.pool.Count("release"))
	for _, s := range f.pool.Get(ds).Snaps {
		assert.Empty(t, s.Holds)
	}
}

func TestLocalReleasesHoldOnCanceledContext(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true, Props: map[string]string{"mountpoint": mnt}})
	f.pool.AddSnapshot(ds, "autosnap_hourly", 1<<20)
	f.pool.Fail["rollback"] = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewLocal(f.deps).Attempt(ctx, f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 1, f.pool.Count("release"))
}

func TestResticNotApplicableWithoutRepository(t *testing.T) {
	f := newFixture()
	f.rc.Path.Restic = nil
	arch := &strategytest.Archiver{}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, NotApplicable, res.Status)
	assert.Zero(t, arch.Calls())
	assert.Empty(t, f.pool.Calls()[1:])
}

func TestResticCreatesMissingDataset(t *testing.T) {
	f := newFixture()
	arch := &strategytest.Archiver{Pool: f.pool, Dataset: ds, Logical: 20 << 20}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.True(t, res.DatasetCreated)
	got := f.pool.Get(ds)
	require.NotNil(t, got)
	assert.Equal(t, mnt, got.Props["mountpoint"])
	assert.Equal(t, "16K", got.Props["recordsize"])
	assert.Equal(t, uint64(20<<20), got.Logical)
	assert.Equal(t, 1, countProtective(got))
}

func TestResticRetriesOnce(t *testing.T) {
	f := newFixture()
	arch := &strategytest.Archiver{Pool: f.pool, Dataset: ds, Logical: 1 << 20, FailTimes: 1, Stderr: "Fatal: unable to open repository: connection reset"}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	require.True(t, res.Success(), res.Detail)
	assert.Equal(t, 2, arch.Calls())
}

func TestResticGivesUpAfterRetry(t *testing.T) {
	f := newFixture()
	arch := &strategytest.Archiver{Pool: f.pool, Dataset: ds, FailTimes: 5, Stderr: "Fatal: unable to open repository: connection reset"}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 2, arch.Calls())
	assert.True(t, res.DatasetCreated)
	assert.Empty(t, f.host.Chowns())
}

func TestResticRetriesMissingRepository(t *testing.T) {
	f := newFixture()
	arch := &strategytest.Archiver{Pool: f.pool, Dataset: ds, FailTimes: 5,
		Stderr: "Fatal: unable to open config file: stat /mnt/nfs/restic/config: no such file or directory"}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 2, arch.Calls())
}

func TestResticDoesNotRetryWrongPassword(t *testing.T) {
	f := newFixture()
	arch := &strategytest.Archiver{Pool: f.pool, Dataset: ds, FailTimes: 5, Stderr: "Fatal: wrong password or no key found"}

	res := NewRestic(f.deps, arch, retry.Once(0)).Attempt(context.Background(), f.rc, f.inspect(t))

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, 1, arch.Calls())
}

func TestProtectPrunesOldProtectiveSnapshots(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true})
	f.pool.AddSnapshot(ds, "autosnap_hourly", 0)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		name, err := f.deps.Protect(ctx, f.rc, false)
		require.NoError(t, err)
		assert.Contains(t, name, ds+"@"+ProtectivePrefix)
	}

	got := f.pool.Get(ds)
	assert.Equal(t, 2, countProtective(got))
	assert.Equal(t, "autosnap_hourly", got.Snaps[0].Name)
}

func TestProtectIfNone(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true})
	ctx := context.Background()

	name, err := f.deps.Protect(ctx, f.rc, true)
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	name, err = f.deps.Protect(ctx, f.rc, true)
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestEnsureMountedFixesMountpoint(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Props: map[string]string{"mountpoint": "/tank/app"}})

	require.NoError(t, f.deps.EnsureMounted(context.Background(), f.rc.Path))

	got := f.pool.Get(ds)
	assert.True(t, got.Mounted)
	assert.Equal(t, mnt, got.Props["mountpoint"])
}

func TestEnsureMountedDetectsMissingMount(t *testing.T) {
	f := newFixture()
	f.pool.Put(ds, &zfstest.Dataset{Mounted: true, Props: map[string]string{"mountpoint": mnt}})
	f.host.Unmounted[mnt] = true

	assert.Error(t, f.deps.EnsureMounted(context.Background(), f.rc.Path))
}
