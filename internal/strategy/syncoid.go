package strategy

import (
	"context"
	"fmt"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

// Replicator pulls a dataset from a remote replica.
type Replicator interface {
	Pull(ctx context.Context, local string, r config.Remote) error
}

// Syncoid restores by pulling the dataset from its replication target. A
// local dataset with no snapshots has no common base for an incremental
// receive, so it is destroyed first, but only if the safety guard agrees
// both before and immediately before the destroy.
type Syncoid struct {
	deps Deps
	repl Replicator
}

func NewSyncoid(d Deps, r Replicator) *Syncoid {
	return &Syncoid{deps: d, repl: r}
}

func (s *Syncoid) Method() string { return config.MethodSyncoid }

func (s *Syncoid) Attempt(ctx context.Context, rc *RunContext, state zfs.DatasetState) Result {
	start := s.deps.now()
	res := Result{Method: s.Method()}
	done := func(r Result) Result {
		r.Duration = s.deps.now().Sub(start)
		return r
	}

	remote := rc.Path.Syncoid
	if !remote.Configured() {
		return done(notApplicable(res, "no replication source configured"))
	}
	ds := rc.Path.Dataset
	log := rc.Log.With(zap.String("method", s.Method()), zap.String("source", remote.Host+":"+remote.Dataset))

	destroyed := false
	if state.Exists && state.Snapshots == 0 {
		d := s.deps.Guard.DestroyForReplication(state)
		switch {
		case !d.Allow && rc.Path.OnUnsafeExistingData == config.UnsafeAttemptInPlace:
			log.Warn("existing dataset is unsafe to destroy, receiving in place", zap.String("reason", d.Reason))
		case !d.Allow:
			log.Warn("refusing to destroy existing dataset", zap.String("reason", d.Reason))
			return done(safetyAborted(res, d.Reason))
		default:
			// State may have changed since the caller inspected it.
			fresh, err := s.deps.Backend.Inspect(ctx, ds)
			if err != nil {
				return done(failed(res, "re-inspecting %s before destroy: %v", ds, err))
			}
			if d := s.deps.Guard.DestroyForReplication(fresh); !d.Allow {
				log.Warn("dataset changed before destroy, refusing", zap.String("reason", d.Reason))
				return done(safetyAborted(res, "re-check before destroy: "+d.Reason))
			}
			if err := s.deps.Backend.Destroy(ctx, ds); err != nil {
				return done(failed(res, "destroying empty dataset %s: %v", ds, err))
			}
			destroyed = true
			log.Info("destroyed empty unsnapshotted dataset before replication", zap.String("reason", d.Reason))
		}
	}

	if err := s.repl.Pull(ctx, ds, *remote); err != nil {
		res.DatasetDestroyed = destroyed && !s.exists(ctx, ds)
		return done(failed(res, "replication from %s:%s failed: %v", remote.Host, remote.Dataset, err))
	}
	res.DatasetCreated = destroyed || !state.Exists

	if err := s.deps.Finalize(ctx, rc.Path); err != nil {
		res.DatasetDestroyed = false
		return done(failed(res, "finalizing replicated dataset: %v", err))
	}

	res.ProtectiveSnapshot = s.deps.protectAfterRestore(ctx, rc)
	res.Status = Succeeded
	res.Detail = fmt.Sprintf("replicated %s from %s:%s", ds, remote.Host, remote.Dataset)
	return done(res)
}

// exists reports whether the dataset is known to exist. An unreadable
// backend counts as missing so a destroy is never masked.
func (s *Syncoid) exists(ctx context.Context, ds string) bool {
	st, err := s.deps.Backend.Inspect(ctx, ds)
	return err == nil && st.Exists
}
