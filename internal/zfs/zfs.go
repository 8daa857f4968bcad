// Package zfs wraps the zfs command line tool. Every call is an argument
// array, every exit status is checked, and query failures are reported as
// ErrBackendUnavailable rather than as an empty dataset.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/holthome/preseed/internal/executor"
	"go.uber.org/zap"
)

var (
	// ErrBackendUnavailable is returned when the backend could not be queried.
	ErrBackendUnavailable = errors.New("zfs: backend unavailable")
	// ErrNotExist is returned by operations on a dataset that does not exist.
	ErrNotExist = errors.New("zfs: dataset does not exist")
)

// DatasetState is a point-in-time read of a dataset. It is recomputed on
// demand and never cached.
type DatasetState struct {
	Dataset           string `json:"dataset"`
	Unknown           bool   `json:"unknown"`
	Exists            bool   `json:"exists"`
	Snapshots         int    `json:"snapshots"`
	Used              uint64 `json:"used"`
	LogicalReferenced uint64 `json:"logical_referenced"`
	Mounted           bool   `json:"mounted"`
	Mountpoint        string `json:"mountpoint,omitempty"`
	ResumeToken       bool   `json:"resume_token"`
}

// Snapshot is one snapshot of a dataset.
type Snapshot struct {
	Name    string    `json:"name"` // full name, dataset@snap
	Created time.Time `json:"created"`
}

// Short returns the part after '@'.
func (s Snapshot) Short() string {
	_, short, _ := strings.Cut(s.Name, "@")
	return short
}

// Backend is the set of storage operations the orchestrator needs.
type Backend interface {
	Inspect(ctx context.Context, dataset string) (DatasetState, error)
	// Snapshots returns the dataset's snapshots, oldest first.
	Snapshots(ctx context.Context, dataset string) ([]Snapshot, error)
	Create(ctx context.Context, dataset string, props map[string]string) error
	Destroy(ctx context.Context, dataset string) error
	Snapshot(ctx context.Context, name string) error
	DestroySnapshot(ctx context.Context, name string) error
	Rollback(ctx context.Context, snapshot string) error
	Hold(ctx context.Context, tag, snapshot string) error
	Release(ctx context.Context, tag, snapshot string) error
	Mount(ctx context.Context, dataset string) error
	SetProperties(ctx context.Context, dataset string, props map[string]string) error
}

type Options struct {
	Binary  string
	Timeout time.Duration
	Log     *zap.Logger
}

// Client is the Backend backed by the zfs binary.
type Client struct {
	run  executor.Runner
	opts Options
}

var _ Backend = (*Client)(nil)

func New(run executor.Runner, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "zfs"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Client{run: run, opts: opts}
}

func (c *Client) zfs(ctx context.Context, args ...string) (executor.Result, error) {
	return c.run.Run(ctx, executor.Command{Binary: c.opts.Binary, Args: args, Timeout: c.opts.Timeout})
}

func isNotExist(r executor.Result) bool {
	return strings.Contains(r.Stderr, "dataset does not exist")
}

// Inspect reads the dataset's state. A dataset that does not exist yields
// Exists=false and no error; any other failure yields Unknown=true and an
// error wrapping ErrBackendUnavailable.
func (c *Client) Inspect(ctx context.Context, dataset string) (DatasetState, error) {
	state := DatasetState{Dataset: dataset}

	res, err := c.zfs(ctx, "list", "-H", "-p", "-o", "name,used,logicalreferenced,mounted,mountpoint,receive_resume_token", dataset)
	if err != nil {
		if isNotExist(res) {
			return state, nil
		}
		state.Unknown = true
		return state, fmt.Errorf("%w: list %s: %v", ErrBackendUnavailable, dataset, err)
	}
	lines := res.Lines()
	if len(lines) != 1 {
		state.Unknown = true
		return state, fmt.Errorf("%w: list %s: unexpected output %q", ErrBackendUnavailable, dataset, res.Output)
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) != 6 {
		state.Unknown = true
		return state, fmt.Errorf("%w: list %s: unexpected fields %q", ErrBackendUnavailable, dataset, lines[0])
	}

	state.Exists = true
	if state.Used, err = parseBytes(fields[1]); err != nil {
		state.Unknown = true
		return state, fmt.Errorf("%w: used: %v", ErrBackendUnavailable, err)
	}
	if state.LogicalReferenced, err = parseBytes(fields[2]); err != nil {
		state.Unknown = true
		return state, fmt.Errorf("%w: logicalreferenced: %v", ErrBackendUnavailable, err)
	}
	state.Mounted = fields[3] == "yes"
	state.Mountpoint = fields[4]
	state.ResumeToken = fields[5] != "-" && fields[5] != ""

	snaps, err := c.Snapshots(ctx, dataset)
	if err != nil {
		state.Unknown = true
		return state, err
	}
	state.Snapshots = len(snaps)
	return state, nil
}

func parseBytes(s string) (uint64, error) {
	if s == "-" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func (c *Client) Snapshots(ctx context.Context, dataset string) ([]Snapshot, error) {
	res, err := c.zfs(ctx, "list", "-H", "-p", "-t", "snapshot", "-o", "name,creation", "-s", "creation", "-d", "1", dataset)
	if err != nil {
		if isNotExist(res) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, dataset)
		}
		return nil, fmt.Errorf("%w: list snapshots of %s: %v", ErrBackendUnavailable, dataset, err)
	}
	var snaps []Snapshot
	for _, line := range res.Lines() {
		name, created, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("%w: unexpected snapshot line %q", ErrBackendUnavailable, line)
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(created), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: snapshot %s creation: %v", ErrBackendUnavailable, name, err)
		}
		snaps = append(snaps, Snapshot{Name: name, Created: time.Unix(secs, 0).UTC()})
	}
	return snaps, nil
}

// propertyArgs renders props as sorted "-o k=v" pairs.
func propertyArgs(flag string, props map[string]string) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		if flag != "" {
			args = append(args, flag)
		}
		args = append(args, k+"="+props[k])
	}
	return args
}

func (c *Client) Create(ctx context.Context, dataset string, props map[string]string) error {
	args := append([]string{"create", "-p"}, propertyArgs("-o", props)...)
	args = append(args, dataset)
	if _, err := c.zfs(ctx, args...); err != nil {
		return fmt.Errorf("zfs: create %s: %w", dataset, err)
	}
	c.opts.Log.Info("created dataset", zap.String("dataset", dataset))
	return nil
}

// Destroy removes a single dataset. It is not recursive: zfs refuses when
// the dataset has children or snapshots.
func (c *Client) Destroy(ctx context.Context, dataset string) error {
	if _, err := c.zfs(ctx, "destroy", dataset); err != nil {
		return fmt.Errorf("zfs: destroy %s: %w", dataset, err)
	}
	c.opts.Log.Warn("destroyed dataset", zap.String("dataset", dataset))
	return nil
}

func (c *Client) Snapshot(ctx context.Context, name string) error {
	if _, err := c.zfs(ctx, "snapshot", name); err != nil {
		return fmt.Errorf("zfs: snapshot %s: %w", name, err)
	}
	return nil
}

func (c *Client) DestroySnapshot(ctx context.Context, name string) error {
	if !strings.Contains(name, "@") {
		return fmt.Errorf("zfs: refusing to destroy %q: not a snapshot name", name)
	}
	if _, err := c.zfs(ctx, "destroy", name); err != nil {
		return fmt.Errorf("zfs: destroy snapshot %s: %w", name, err)
	}
	return nil
}

func (c *Client) Rollback(ctx context.Context, snapshot string) error {
	if _, err := c.zfs(ctx, "rollback", "-r", snapshot); err != nil {
		return fmt.Errorf("zfs: rollback %s: %w", snapshot, err)
	}
	return nil
}

func (c *Client) Hold(ctx context.Context, tag, snapshot string) error {
	if _, err := c.zfs(ctx, "hold", tag, snapshot); err != nil {
		return fmt.Errorf("zfs: hold %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

func (c *Client) Release(ctx context.Context, tag, snapshot string) error {
	if _, err := c.zfs(ctx, "release", tag, snapshot); err != nil {
		return fmt.Errorf("zfs: release %s on %s: %w", tag, snapshot, err)
	}
	return nil
}

func (c *Client) Mount(ctx context.Context, dataset string) error {
	if _, err := c.zfs(ctx, "mount", dataset); err != nil {
		return fmt.Errorf("zfs: mount %s: %w", dataset, err)
	}
	return nil
}

func (c *Client) SetProperties(ctx context.Context, dataset string, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	args := append([]string{"set"}, propertyArgs("", props)...)
	args = append(args, dataset)
	if _, err := c.zfs(ctx, args...); err != nil {
		return fmt.Errorf("zfs: set properties on %s: %w", dataset, err)
	}
	return nil
}
