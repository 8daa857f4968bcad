package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

// holdPrefix tags the hold placed on the rollback target.
const holdPrefix = "preseed-"

// LocalSnapshot rolls the dataset back to its newest scheduled snapshot,
// falling back to the newest snapshot of any kind. The target is held for
// the duration of the rollback.
type LocalSnapshot struct {
	deps Deps
}

func NewLocal(d Deps) *LocalSnapshot {
	return &LocalSnapshot{deps: d}
}

func (l *LocalSnapshot) Method() string { return config.MethodLocal }

// Target picks the snapshot to roll back to, or "" when there is none.
func Target(snaps []zfs.Snapshot, prefixes []string) string {
	for i := len(snaps) - 1; i >= 0; i-- {
		for _, p := range prefixes {
			if strings.HasPrefix(snaps[i].Short(), p) {
				return snaps[i].Name
			}
		}
	}
	if len(snaps) > 0 {
		return snaps[len(snaps)-1].Name
	}
	return ""
}

func (l *LocalSnapshot) Attempt(ctx context.Context, rc *RunContext, state zfs.DatasetState) Result {
	start := l.deps.now()
	res := Result{Method: l.Method()}
	done := func(r Result) Result {
		r.Duration = l.deps.now().Sub(start)
		return r
	}
	ds := rc.Path.Dataset

	if !state.Exists {
		return done(failed(res, "dataset %s does not exist, no local snapshots to roll back to", ds))
	}
	snaps, err := l.deps.Backend.Snapshots(ctx, ds)
	if err != nil {
		if errors.Is(err, zfs.ErrNotExist) {
			return done(failed(res, "dataset %s does not exist", ds))
		}
		return done(failed(res, "listing snapshots: %v", err))
	}
	target := Target(snaps, l.deps.ScheduledPrefixes)
	if target == "" {
		return done(failed(res, "no local snapshots of %s", ds))
	}
	log := rc.Log.With(zap.String("method", l.Method()), zap.String("snapshot", target))

	if err := l.deps.EnsureMounted(ctx, rc.Path); err != nil {
		return done(failed(res, "mounting %s: %v", ds, err))
	}
	// Mounting can reveal data that was hidden behind an empty directory.
	reason, present, err := l.dataPresent(ctx, rc.Path)
	if err != nil {
		return done(failed(res, "re-checking %s after mount: %v", ds, err))
	}
	if present {
		log.Warn("data present after mounting, refusing to roll back", zap.String("reason", reason))
		return done(safetyAborted(res, "after mount: "+reason))
	}
	if err := l.rollback(ctx, rc, target, log); err != nil {
		return done(failed(res, "%v", err))
	}
	if err := l.deps.Host.Chown(ctx, rc.Path.Mountpoint, rc.Path.Owner, rc.Path.Group); err != nil {
		return done(failed(res, "fixing ownership: %v", err))
	}

	res.ProtectiveSnapshot = l.deps.protectAfterRestore(ctx, rc)
	res.Status = Succeeded
	res.Detail = fmt.Sprintf("rolled %s back to %s", ds, target)
	return done(res)
}

func (l *LocalSnapshot) dataPresent(ctx context.Context, p config.ManagedPath) (string, bool, error) {
	state, err := l.deps.Backend.Inspect(ctx, p.Dataset)
	if err != nil {
		return "", false, err
	}
	empty, err := l.deps.Host.IsEmptyDir(p.Mountpoint)
	if err != nil {
		return "", false, err
	}
	d := l.deps.Guard.DataPresent(state, empty)
	return d.Reason, d.Allow, nil
}

// rollback holds target, rolls back to it and releases the hold exactly
// once, whether or not the rollback succeeded.
func (l *LocalSnapshot) rollback(ctx context.Context, rc *RunContext, target string, log *zap.Logger) error {
	tag := holdPrefix + rc.RunID
	if err := l.deps.Backend.Hold(ctx, tag, target); err != nil {
		return fmt.Errorf("holding %s: %w", target, err)
	}
	defer func() {
		if err := l.deps.Backend.Release(context.WithoutCancel(ctx), tag, target); err != nil {
			log.Error("releasing hold failed", zap.String("tag", tag), zap.Error(err))
		}
	}()

	if err := l.deps.Backend.Rollback(ctx, target); err != nil {
		return fmt.Errorf("rolling back to %s: %w", target, err)
	}
	log.Info("rolled back to local snapshot")
	return nil
}
