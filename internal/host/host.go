// Package host covers the filesystem side of a restore: the mountpoint
// directory itself, its ownership and whether something is mounted on it.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/holthome/preseed/internal/executor"
	"github.com/moby/sys/mountinfo"
)

// Host is the filesystem surface the orchestrator needs.
type Host interface {
	// IsEmptyDir reports whether path has no entries. A missing directory
	// is empty.
	IsEmptyDir(path string) (bool, error)
	// Chown recursively sets ownership of path.
	Chown(ctx context.Context, path, owner, group string) error
	// IsMountPoint reports whether a filesystem is mounted at path.
	IsMountPoint(path string) (bool, error)
}

type Options struct {
	ChownBinary  string
	ChownTimeout time.Duration
}

// Local is the Host for the machine the orchestrator runs on.
type Local struct {
	run  executor.Runner
	opts Options
}

var _ Host = (*Local)(nil)

func NewLocal(run executor.Runner, opts Options) *Local {
	if opts.ChownBinary == "" {
		opts.ChownBinary = "chown"
	}
	if opts.ChownTimeout == 0 {
		opts.ChownTimeout = 10 * time.Minute
	}
	return &Local{run: run, opts: opts}
}

func (l *Local) IsEmptyDir(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("host: open %s: %w", path, err)
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("host: read %s: %w", path, err)
	}
	return false, nil
}

// Chown runs chown -R so that owner and group names resolve the same way
// they do for the service's own unit.
func (l *Local) Chown(ctx context.Context, path, owner, group string) error {
	spec := OwnerSpec(owner, group)
	if spec == "" {
		return nil
	}
	_, err := l.run.Run(ctx, executor.Command{
		Binary:  l.opts.ChownBinary,
		Args:    []string{"-R", spec, path},
		Timeout: l.opts.ChownTimeout,
	})
	if err != nil {
		return fmt.Errorf("host: chown %s %s: %w", spec, path, err)
	}
	return nil
}

func (l *Local) IsMountPoint(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("host: mountinfo %s: %w", path, err)
	}
	return mounted, nil
}

// OwnerSpec renders the chown argument; empty when neither is set.
func OwnerSpec(owner, group string) string {
	switch {
	case owner == "" && group == "":
		return ""
	case group == "":
		return owner
	case owner == "":
		return ":" + group
	default:
		return owner + ":" + group
	}
}
