// Package strategy implements the restore methods the orchestrator tries in
// order: remote replication, local snapshot rollback and object-store
// restore. Strategies never return errors to the caller; every outcome is a
// Result.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/guard"
	"github.com/holthome/preseed/internal/host"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

type Status int

const (
	Succeeded Status = iota
	Failed
	NotApplicable
	SafetyAborted
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case NotApplicable:
		return "not_applicable"
	case SafetyAborted:
		return "safety_aborted"
	default:
		return "unknown"
	}
}

// Result is the outcome of one strategy attempt.
type Result struct {
	Method   string
	Status   Status
	Detail   string
	Err      error
	Duration time.Duration
	// DatasetDestroyed is set when this attempt destroyed the dataset and
	// left nothing in its place.
	DatasetDestroyed bool
	// DatasetCreated is set when the dataset exists because of this attempt.
	DatasetCreated     bool
	ProtectiveSnapshot string
}

func (r Result) Success() bool { return r.Status == Succeeded }

// RunContext is the per-run state handed to every strategy.
type RunContext struct {
	RunID string
	Path  config.ManagedPath
	// DatasetDestroyed is true when an earlier attempt in this run destroyed
	// the dataset without recreating it.
	DatasetDestroyed bool
	Log              *zap.Logger
}

// Strategy is one restore method.
type Strategy interface {
	Method() string
	Attempt(ctx context.Context, rc *RunContext, state zfs.DatasetState) Result
}

// Deps are the collaborators shared by all strategies.
type Deps struct {
	Backend zfs.Backend
	Host    host.Host
	Guard   guard.Guard
	Now     func() time.Time
	// Keep is how many protective snapshots survive garbage collection.
	Keep int
	// ScheduledPrefixes name the snapshots taken by the scheduled
	// snapshot job; LocalSnapshot prefers them.
	ScheduledPrefixes []string
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func notApplicable(r Result, reason string) Result {
	r.Status = NotApplicable
	r.Detail = reason
	r.Err = fmt.Errorf("%w: %s", ErrNotApplicable, reason)
	return r
}

func failed(r Result, format string, args ...any) Result {
	r.Status = Failed
	r.Detail = fmt.Sprintf(format, args...)
	r.Err = fmt.Errorf("%w: %s", ErrStrategyFailed, r.Detail)
	return r
}

func safetyAborted(r Result, reason string) Result {
	r.Status = SafetyAborted
	r.Detail = reason
	r.Err = fmt.Errorf("%w: %s", ErrSafetyAborted, reason)
	return r
}
