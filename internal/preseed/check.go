package preseed

import (
	"context"
	"fmt"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/guard"
	"github.com/holthome/preseed/internal/strategy"
	"github.com/holthome/preseed/internal/zfs"
)

// MethodPlan says whether a configured method could run right now.
type MethodPlan struct {
	Method     string `json:"method"`
	Applicable bool   `json:"applicable"`
	Note       string `json:"note"`
}

// CheckReport is the read-only view of what Run would do.
type CheckReport struct {
	Service         string           `json:"service"`
	Dataset         string           `json:"dataset"`
	Mountpoint      string           `json:"mountpoint"`
	State           zfs.DatasetState `json:"state"`
	MountpointEmpty bool             `json:"mountpoint_empty"`
	Presence        guard.Decision   `json:"presence"`
	DestroyGate     guard.Decision   `json:"destroy_gate"`
	LocalTarget     string           `json:"local_target,omitempty"`
	Methods         []MethodPlan     `json:"methods"`
	Action          string           `json:"action"`
}

// Check inspects path and evaluates every gate without changing anything.
func (o *Orchestrator) Check(ctx context.Context, p config.ManagedPath) (CheckReport, error) {
	r := CheckReport{Service: p.Name, Dataset: p.Dataset, Mountpoint: p.Mountpoint}

	state, err := o.opts.Backend.Inspect(ctx, p.Dataset)
	r.State = state
	if err == nil && state.Unknown {
		err = ErrBackendUnavailable
	}
	if err != nil {
		r.Action = "abort: backend unavailable"
		return r, err
	}
	empty, err := o.opts.Host.IsEmptyDir(p.Mountpoint)
	if err != nil {
		r.Action = "abort: mountpoint unreadable"
		return r, fmt.Errorf("preseed: reading %s: %w", p.Mountpoint, err)
	}
	r.MountpointEmpty = empty
	r.Presence = o.opts.Guard.DataPresent(state, empty)
	r.DestroyGate = o.opts.Guard.DestroyForReplication(state)

	if state.Exists {
		snaps, err := o.opts.Backend.Snapshots(ctx, p.Dataset)
		if err != nil {
			return r, err
		}
		r.LocalTarget = strategy.Target(snaps, o.opts.Deps.ScheduledPrefixes)
	}

	for _, m := range p.Methods {
		r.Methods = append(r.Methods, o.plan(p, m, state, r))
	}

	if r.Presence.Allow {
		r.Action = "skip: " + r.Presence.Reason
	} else {
		r.Action = "restore"
	}
	return r, nil
}

func (o *Orchestrator) plan(p config.ManagedPath, method string, state zfs.DatasetState, r CheckReport) MethodPlan {
	mp := MethodPlan{Method: method}
	if _, ok := o.strategies[method]; !ok {
		mp.Note = "method not available"
		return mp
	}
	switch method {
	case config.MethodSyncoid:
		switch {
		case !p.Syncoid.Configured():
			mp.Note = "no replication source configured"
		case state.Exists && state.Snapshots == 0 && !r.DestroyGate.Allow:
			mp.Applicable = p.OnUnsafeExistingData == config.UnsafeAttemptInPlace
			mp.Note = fmt.Sprintf("destroy refused (%s), on_unsafe_existing_data=%s", r.DestroyGate.Reason, p.OnUnsafeExistingData)
		case state.Exists && state.Snapshots == 0:
			mp.Applicable = true
			mp.Note = fmt.Sprintf("would destroy empty dataset, then pull from %s:%s", p.Syncoid.Host, p.Syncoid.Dataset)
		default:
			mp.Applicable = true
			mp.Note = fmt.Sprintf("pull from %s:%s", p.Syncoid.Host, p.Syncoid.Dataset)
		}
	case config.MethodLocal:
		if r.LocalTarget == "" {
			mp.Note = "no local snapshots"
		} else {
			mp.Applicable = true
			mp.Note = "roll back to " + r.LocalTarget
		}
	case config.MethodRestic:
		if !p.Restic.Configured() {
			mp.Note = "no backup repository configured"
		} else {
			mp.Applicable = true
			mp.Note = "restore latest from " + p.Restic.URL
			if !state.Exists {
				mp.Note += " into a new dataset"
			}
		}
	}
	return mp
}
