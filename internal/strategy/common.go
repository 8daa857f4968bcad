package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

// ProtectivePrefix starts the name of every protective snapshot.
const ProtectivePrefix = "preseed-"

// DeclaredProperties is the single property set applied on creation,
// after replication and during recovery.
func DeclaredProperties(p config.ManagedPath) map[string]string {
	props := make(map[string]string, len(p.Properties)+1)
	for k, v := range p.Properties {
		props[k] = v
	}
	props["mountpoint"] = p.Mountpoint
	return props
}

// EnsureMounted mounts the dataset at its declared mountpoint if it is not
// mounted already.
func (d Deps) EnsureMounted(ctx context.Context, p config.ManagedPath) error {
	state, err := d.Backend.Inspect(ctx, p.Dataset)
	if err != nil {
		return err
	}
	if !state.Exists {
		return fmt.Errorf("%w: %s", zfs.ErrNotExist, p.Dataset)
	}
	if state.Mountpoint != p.Mountpoint {
		if err := d.Backend.SetProperties(ctx, p.Dataset, map[string]string{"mountpoint": p.Mountpoint}); err != nil {
			return err
		}
	}
	if !state.Mounted {
		if err := d.Backend.Mount(ctx, p.Dataset); err != nil {
			return err
		}
	}
	mounted, err := d.Host.IsMountPoint(p.Mountpoint)
	if err != nil {
		return err
	}
	if !mounted {
		return fmt.Errorf("nothing is mounted at %s after mounting %s", p.Mountpoint, p.Dataset)
	}
	return nil
}

// Finalize makes a freshly populated dataset usable by its service: it is
// mounted at the declared mountpoint, carries the declared properties and is
// owned by the service user.
func (d Deps) Finalize(ctx context.Context, p config.ManagedPath) error {
	if err := d.Backend.SetProperties(ctx, p.Dataset, map[string]string{"mountpoint": p.Mountpoint}); err != nil {
		return err
	}
	if err := d.EnsureMounted(ctx, p); err != nil {
		return err
	}
	if len(p.Properties) > 0 {
		if err := d.Backend.SetProperties(ctx, p.Dataset, p.Properties); err != nil {
			return err
		}
	}
	return d.Host.Chown(ctx, p.Mountpoint, p.Owner, p.Group)
}

// Protect takes a protective snapshot unless onlyIfNone is set and the
// dataset already has one, then prunes old protective snapshots. It returns
// the new snapshot's name, or "" when none was needed.
func (d Deps) Protect(ctx context.Context, rc *RunContext, onlyIfNone bool) (string, error) {
	ds := rc.Path.Dataset
	snaps, err := d.Backend.Snapshots(ctx, ds)
	if err != nil {
		return "", err
	}
	if onlyIfNone && len(snaps) > 0 {
		return "", nil
	}

	name := ds + "@" + ProtectivePrefix + d.now().UTC().Format("20060102T150405Z")
	if err := d.Backend.Snapshot(ctx, name); err != nil {
		return "", err
	}
	rc.Log.Info("took protective snapshot", zap.String("snapshot", name))

	d.pruneProtective(ctx, rc)
	return name, nil
}

func (d Deps) pruneProtective(ctx context.Context, rc *RunContext) {
	keep := d.Keep
	if keep <= 0 {
		keep = 2
	}
	snaps, err := d.Backend.Snapshots(ctx, rc.Path.Dataset)
	if err != nil {
		rc.Log.Warn("listing snapshots for protective pruning failed", zap.Error(err))
		return
	}
	var ours []zfs.Snapshot
	for _, s := range snaps {
		if strings.HasPrefix(s.Short(), ProtectivePrefix) {
			ours = append(ours, s)
		}
	}
	if len(ours) <= keep {
		return
	}
	sort.SliceStable(ours, func(i, j int) bool { return ours[i].Created.Before(ours[j].Created) })
	for _, s := range ours[:len(ours)-keep] {
		if err := d.Backend.DestroySnapshot(ctx, s.Name); err != nil {
			rc.Log.Warn("pruning protective snapshot failed", zap.String("snapshot", s.Name), zap.Error(err))
		}
	}
}

// protectAfterRestore applies the path's protective snapshot policy after a
// successful restore. Failure is logged, not fatal: the data is in place.
func (d Deps) protectAfterRestore(ctx context.Context, rc *RunContext) string {
	name, err := d.Protect(ctx, rc, rc.Path.ProtectiveSnapshot == config.ProtectIfNone)
	if err != nil {
		rc.Log.Warn("protective snapshot failed", zap.Error(err))
		return ""
	}
	return name
}
