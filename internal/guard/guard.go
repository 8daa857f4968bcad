// Package guard decides whether destructive or skipping actions are safe
// for a dataset. Decisions are pure functions of a freshly read
// zfs.DatasetState; callers re-read state and ask again immediately before
// acting.
package guard

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/holthome/preseed/internal/zfs"
)

const (
	// DefaultReplicationThreshold is the largest logical size an
	// unsnapshotted dataset may have and still be destroyed for an initial
	// replication.
	DefaultReplicationThreshold = 1 << 20
	// DefaultPresenceThreshold is the logical size above which a mounted
	// dataset counts as holding real data rather than filesystem metadata.
	DefaultPresenceThreshold = 192 << 10
)

// Decision is a boolean gate with its reason.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

type Guard struct {
	ReplicationThreshold uint64
	PresenceThreshold    uint64
}

func New(replication, presence uint64) Guard {
	if replication == 0 {
		replication = DefaultReplicationThreshold
	}
	if presence == 0 {
		presence = DefaultPresenceThreshold
	}
	return Guard{ReplicationThreshold: replication, PresenceThreshold: presence}
}

// DestroyForReplication allows destroying an existing dataset so that an
// initial full replication can be received into its place.
func (g Guard) DestroyForReplication(s zfs.DatasetState) Decision {
	switch {
	case s.Unknown:
		return Decision{Reason: "dataset state unknown"}
	case !s.Exists:
		return Decision{Reason: "dataset does not exist"}
	case s.Snapshots > 0:
		return Decision{Reason: fmt.Sprintf("dataset has %d snapshot(s)", s.Snapshots)}
	case s.ResumeToken:
		return Decision{Reason: "dataset has a pending receive resume token"}
	case s.LogicalReferenced >= g.ReplicationThreshold:
		return Decision{Reason: fmt.Sprintf("dataset holds %s of unsnapshotted data (threshold %s)",
			humanize.IBytes(s.LogicalReferenced), humanize.IBytes(g.ReplicationThreshold))}
	}
	return Decision{Allow: true, Reason: fmt.Sprintf("no snapshots and only %s logical",
		humanize.IBytes(s.LogicalReferenced))}
}

// DataPresent decides whether restore must be skipped because the service
// already has data. Allow means "data is present, skip".
func (g Guard) DataPresent(s zfs.DatasetState, mountpointEmpty bool) Decision {
	if !mountpointEmpty {
		return Decision{Allow: true, Reason: "mountpoint directory is not empty"}
	}
	if s.Exists && s.Mounted && s.LogicalReferenced > g.PresenceThreshold {
		return Decision{Allow: true, Reason: fmt.Sprintf("dataset is mounted with %s logical data",
			humanize.IBytes(s.LogicalReferenced))}
	}
	return Decision{Reason: "mountpoint is empty and dataset holds no data"}
}
