// Package zfstest provides an in-memory zfs.Backend for tests.
package zfstest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holthome/preseed/internal/zfs"
)

// Snap is a snapshot in the fake pool. Logical is the dataset size it
// restores to on rollback.
type Snap struct {
	Name    string
	Created time.Time
	Logical uint64
	Holds   map[string]bool
}

// Dataset is a dataset in the fake pool.
type Dataset struct {
	Props       map[string]string
	Mounted     bool
	Logical     uint64
	ResumeToken bool
	Snaps       []*Snap
}

// Backend is a stateful fake of zfs.Backend. Fail maps an operation name
// ("inspect", "create", "destroy", "snapshot", "rollback", "hold", "release",
// "mount", "set") to the error it should return.
type Backend struct {
	mu       sync.Mutex
	datasets map[string]*Dataset
	clock    time.Time
	calls    []string

	Fail map[string]error
	// OnInspect runs before every Inspect with the number of prior Inspect
	// calls; tests use it to change state between a check and an action.
	OnInspect func(n int, b *Backend)
	inspects  int
}

var _ zfs.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		datasets: make(map[string]*Dataset),
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Fail:     make(map[string]error),
	}
}

// Put installs or replaces a dataset.
func (b *Backend) Put(name string, ds *Dataset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(name, ds)
}

func (b *Backend) put(name string, ds *Dataset) {
	if ds.Props == nil {
		ds.Props = map[string]string{}
	}
	for _, s := range ds.Snaps {
		if s.Holds == nil {
			s.Holds = map[string]bool{}
		}
		if s.Created.IsZero() {
			s.Created = b.tick()
		}
	}
	b.datasets[name] = ds
}

// AddSnapshot appends a snapshot with the given short name to dataset.
func (b *Backend) AddSnapshot(dataset, short string, logical uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds := b.datasets[dataset]
	ds.Snaps = append(ds.Snaps, &Snap{Name: short, Created: b.tick(), Logical: logical, Holds: map[string]bool{}})
}

// Get returns a copy of the dataset, or nil.
func (b *Backend) Get(name string) *Dataset {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds, ok := b.datasets[name]
	if !ok {
		return nil
	}
	cp := *ds
	cp.Props = make(map[string]string, len(ds.Props))
	for k, v := range ds.Props {
		cp.Props[k] = v
	}
	cp.Snaps = make([]*Snap, len(ds.Snaps))
	for i, s := range ds.Snaps {
		sc := *s
		sc.Holds = make(map[string]bool, len(s.Holds))
		for k, v := range s.Holds {
			sc.Holds[k] = v
		}
		cp.Snaps[i] = &sc
	}
	return &cp
}

// Calls returns the operations performed, e.g. "destroy tank/app".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Count returns how many times op was called.
func (b *Backend) Count(op string) int {
	n := 0
	for _, c := range b.Calls() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

// Destructive counts calls that can discard data.
func (b *Backend) Destructive() int {
	return b.Count("destroy") + b.Count("rollback") + b.Count("destroy-snapshot")
}

func (b *Backend) tick() time.Time {
	b.clock = b.clock.Add(time.Minute)
	return b.clock
}

func (b *Backend) record(op string, args ...string) error {
	b.calls = append(b.calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	if err := b.Fail[op]; err != nil {
		return err
	}
	return nil
}

func split(name string) (string, string, error) {
	ds, snap, ok := strings.Cut(name, "@")
	if !ok {
		return "", "", fmt.Errorf("zfstest: %q is not a snapshot", name)
	}
	return ds, snap, nil
}

func (b *Backend) Inspect(_ context.Context, dataset string) (zfs.DatasetState, error) {
	b.mu.Lock()
	hook := b.OnInspect
	n := b.inspects
	b.inspects++
	b.mu.Unlock()
	if hook != nil {
		hook(n, b)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := zfs.DatasetState{Dataset: dataset}
	if err := b.record("inspect", dataset); err != nil {
		state.Unknown = true
		return state, fmt.Errorf("%w: %v", zfs.ErrBackendUnavailable, err)
	}
	ds, ok := b.datasets[dataset]
	if !ok {
		return state, nil
	}
	state.Exists = true
	state.Snapshots = len(ds.Snaps)
	state.LogicalReferenced = ds.Logical
	state.Used = ds.Logical
	state.Mounted = ds.Mounted
	state.Mountpoint = ds.Props["mountpoint"]
	state.ResumeToken = ds.ResumeToken
	return state, nil
}

func (b *Backend) Snapshots(_ context.Context, dataset string) ([]zfs.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ds, ok := b.datasets[dataset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", zfs.ErrNotExist, dataset)
	}
	snaps := make([]zfs.Snapshot, 0, len(ds.Snaps))
	for _, s := range ds.Snaps {
		snaps = append(snaps, zfs.Snapshot{Name: dataset + "@" + s.Name, Created: s.Created})
	}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Created.Before(snaps[j].Created) })
	return snaps, nil
}

func (b *Backend) Create(_ context.Context, dataset string, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("create", dataset); err != nil {
		return err
	}
	if _, ok := b.datasets[dataset]; ok {
		return fmt.Errorf("zfstest: %s already exists", dataset)
	}
	ds := &Dataset{Props: map[string]string{}, Mounted: true}
	for k, v := range props {
		ds.Props[k] = v
	}
	b.datasets[dataset] = ds
	return nil
}

func (b *Backend) Destroy(_ context.Context, dataset string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("destroy", dataset); err != nil {
		return err
	}
	ds, ok := b.datasets[dataset]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dataset)
	}
	for name := range b.datasets {
		if strings.HasPrefix(name, dataset+"/") {
			return fmt.Errorf("zfstest: cannot destroy %s: filesystem has children", dataset)
		}
	}
	if len(ds.Snaps) > 0 {
		return fmt.Errorf("zfstest: cannot destroy %s: filesystem has snapshots", dataset)
	}
	delete(b.datasets, dataset)
	return nil
}

func (b *Backend) Snapshot(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("snapshot", name); err != nil {
		return err
	}
	dsName, short, err := split(name)
	if err != nil {
		return err
	}
	ds, ok := b.datasets[dsName]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dsName)
	}
	for _, s := range ds.Snaps {
		if s.Name == short {
			return fmt.Errorf("zfstest: snapshot %s already exists", name)
		}
	}
	ds.Snaps = append(ds.Snaps, &Snap{Name: short, Created: b.tick(), Logical: ds.Logical, Holds: map[string]bool{}})
	return nil
}

func (b *Backend) DestroySnapshot(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("destroy-snapshot", name); err != nil {
		return err
	}
	dsName, short, err := split(name)
	if err != nil {
		return err
	}
	ds, ok := b.datasets[dsName]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dsName)
	}
	for i, s := range ds.Snaps {
		if s.Name == short {
			if len(s.Holds) > 0 {
				return fmt.Errorf("zfstest: snapshot %s is held", name)
			}
			ds.Snaps = append(ds.Snaps[:i], ds.Snaps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("zfstest: snapshot %s not found", name)
}

func (b *Backend) Rollback(_ context.Context, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("rollback", snapshot); err != nil {
		return err
	}
	dsName, short, err := split(snapshot)
	if err != nil {
		return err
	}
	ds, ok := b.datasets[dsName]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dsName)
	}
	for i, s := range ds.Snaps {
		if s.Name == short {
			ds.Snaps = ds.Snaps[:i+1]
			ds.Logical = s.Logical
			return nil
		}
	}
	return fmt.Errorf("zfstest: snapshot %s not found", snapshot)
}

func (b *Backend) findSnap(snapshot string) (*Snap, error) {
	dsName, short, err := split(snapshot)
	if err != nil {
		return nil, err
	}
	ds, ok := b.datasets[dsName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", zfs.ErrNotExist, dsName)
	}
	for _, s := range ds.Snaps {
		if s.Name == short {
			return s, nil
		}
	}
	return nil, fmt.Errorf("zfstest: snapshot %s not found", snapshot)
}

func (b *Backend) Hold(_ context.Context, tag, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("hold", tag, snapshot); err != nil {
		return err
	}
	s, err := b.findSnap(snapshot)
	if err != nil {
		return err
	}
	if s.Holds[tag] {
		return fmt.Errorf("zfstest: tag %s already exists on %s", tag, snapshot)
	}
	s.Holds[tag] = true
	return nil
}

func (b *Backend) Release(_ context.Context, tag, snapshot string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("release", tag, snapshot); err != nil {
		return err
	}
	s, err := b.findSnap(snapshot)
	if err != nil {
		return err
	}
	if !s.Holds[tag] {
		return fmt.Errorf("zfstest: no such tag %s on %s", tag, snapshot)
	}
	delete(s.Holds, tag)
	return nil
}

func (b *Backend) Mount(_ context.Context, dataset string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("mount", dataset); err != nil {
		return err
	}
	ds, ok := b.datasets[dataset]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dataset)
	}
	ds.Mounted = true
	return nil
}

func (b *Backend) SetProperties(_ context.Context, dataset string, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("set", dataset); err != nil {
		return err
	}
	ds, ok := b.datasets[dataset]
	if !ok {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, dataset)
	}
	for k, v := range props {
		ds.Props[k] = v
	}
	return nil
}

// SetLogical changes a dataset's logical size, as writing data would.
func (b *Backend) SetLogical(dataset string, logical uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ds, ok := b.datasets[dataset]; ok {
		ds.Logical = logical
	}
}
