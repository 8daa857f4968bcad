package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
	"github.com/holthome/preseed/internal/retry"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

// Archiver restores the latest archive of a repository.
type Archiver interface {
	RestoreLatest(ctx context.Context, repo config.Repository) (executor.Result, error)
}

// Restic restores the mountpoint contents from the object-store backup,
// creating the dataset first if it is missing.
type Restic struct {
	deps   Deps
	arch   Archiver
	policy retry.Policy
}

func NewRestic(d Deps, a Archiver, p retry.Policy) *Restic {
	return &Restic{deps: d, arch: a, policy: p}
}

func (r *Restic) Method() string { return config.MethodRestic }

func (r *Restic) Attempt(ctx context.Context, rc *RunContext, state zfs.DatasetState) Result {
	start := r.deps.now()
	res := Result{Method: r.Method()}
	done := func(x Result) Result {
		x.Duration = r.deps.now().Sub(start)
		return x
	}

	repo := rc.Path.Restic
	if !repo.Configured() {
		return done(notApplicable(res, "no backup repository configured"))
	}
	ds := rc.Path.Dataset
	log := rc.Log.With(zap.String("method", r.Method()), zap.String("repository", repo.URL))

	if !state.Exists {
		if err := r.deps.Backend.Create(ctx, ds, DeclaredProperties(rc.Path)); err != nil {
			return done(failed(res, "creating %s: %v", ds, err))
		}
		res.DatasetCreated = true
		log.Info("created dataset for restore")
	}
	if err := r.deps.EnsureMounted(ctx, rc.Path); err != nil {
		return done(failed(res, "mounting %s: %v", ds, err))
	}

	policy := r.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("restore failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	_, err := policy.Execute(ctx, func() (string, error, retry.ErrorKind) {
		out, err := r.arch.RestoreLatest(ctx, *repo)
		if err != nil {
			return "", err, retry.Classify(err, out.ExitCode, out.Stderr)
		}
		return out.Output, nil, retry.Unknown
	})
	if err != nil {
		return done(failed(res, "restore from %s: %v", repo.URL, err))
	}

	if err := r.deps.Host.Chown(ctx, rc.Path.Mountpoint, rc.Path.Owner, rc.Path.Group); err != nil {
		return done(failed(res, "fixing ownership: %v", err))
	}

	res.ProtectiveSnapshot = r.deps.protectAfterRestore(ctx, rc)
	res.Status = Succeeded
	res.Detail = fmt.Sprintf("restored %s from %s", rc.Path.Mountpoint, repo.URL)
	return done(res)
}
