// Package strategytest provides fakes for the collaborators of the restore
// strategies.
package strategytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
	"github.com/holthome/preseed/internal/zfs/zfstest"
)

// Replicator is a fake syncoid. On success it materializes the dataset in
// the fake pool with one replicated snapshot.
type Replicator struct {
	mu      sync.Mutex
	Pool    *zfstest.Backend
	Logical uint64
	Err     error
	calls   int
}

func (r *Replicator) Pull(_ context.Context, local string, _ config.Remote) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.Pool.Get(local) == nil {
		r.Pool.Put(local, &zfstest.Dataset{Logical: r.Logical})
	} else {
		r.Pool.SetLogical(local, r.Logical)
	}
	r.Pool.AddSnapshot(local, "syncoid_replica", r.Logical)
	return nil
}

func (r *Replicator) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Archiver is a fake restic. It fails FailTimes times with Stderr, then
// writes Logical bytes into the dataset.
type Archiver struct {
	mu        sync.Mutex
	Pool      *zfstest.Backend
	Dataset   string
	Logical   uint64
	FailTimes int
	Stderr    string
	calls     int
}

func (a *Archiver) RestoreLatest(_ context.Context, repo config.Repository) (executor.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.FailTimes {
		res := executor.Result{ExitCode: 1, Stderr: a.Stderr}
		return res, fmt.Errorf("restic: exit 1: %s", a.Stderr)
	}
	if a.Pool != nil {
		a.Pool.SetLogical(a.Dataset, a.Logical)
	}
	return executor.Result{Output: "restoring <Snapshot latest> of " + repo.URL}, nil
}

func (a *Archiver) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Host is an in-memory host.Host. Directories not listed in NonEmpty are
// empty; every path is a mount point unless listed in Unmounted.
type Host struct {
	mu        sync.Mutex
	NonEmpty  map[string]bool
	Unmounted map[string]bool
	ChownErr  error
	chowns    []string
}

func NewHost() *Host {
	return &Host{NonEmpty: map[string]bool{}, Unmounted: map[string]bool{}}
}

func (h *Host) IsEmptyDir(path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.NonEmpty[path], nil
}

func (h *Host) Chown(_ context.Context, path, owner, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ChownErr != nil {
		return h.ChownErr
	}
	h.chowns = append(h.chowns, owner+":"+group+" "+path)
	return nil
}

func (h *Host) IsMountPoint(path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.Unmounted[path], nil
}

// Chowns returns the ownership changes made, e.g. "app:app /var/lib/app".
func (h *Host) Chowns() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.chowns...)
}
