package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/filelock"
	"github.com/holthome/preseed/internal/preseed"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run <name>... | --all",
	Short: "Restore managed paths that have no data",
	Long: "Run the preseed sequence for each named path. Paths run concurrently; each path\n" +
		"is locked so that two invocations never work on it at once. The exit status is\n" +
		"non-zero only when a path was left without a dataset to start on.",
	RunE: runPreseed,
}

var (
	runAll      bool
	runParallel int
)

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "Run every configured path")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Maximum paths restored at once (0 = no limit)")
}

func sdStatus(format string, args ...any) {
	_, _ = daemon.SdNotify(false, "STATUS="+fmt.Sprintf(format, args...))
}

func runPreseed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths, err := selectPaths(cfg, args, runAll)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		mu       sync.Mutex
		outcomes = make([]*preseed.Outcome, len(paths))
	)
	g := new(errgroup.Group)
	if runParallel > 0 {
		g.SetLimit(runParallel)
	}
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			out, err := runPath(ctx, a, p)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return err
		})
	}
	runErr := g.Wait()

	for _, out := range outcomes {
		if out == nil {
			continue
		}
		fmt.Printf("%s %s", renderKind(out.Kind), preseed.FormatOutcome(*out))
	}
	sdStatus("preseed finished for %d path(s)", len(paths))
	return runErr
}

// runPath runs one path under its lock. A held lock means another
// invocation is already restoring the path; that is reported, not failed.
func runPath(ctx context.Context, a *app, p config.ManagedPath) (*preseed.Outcome, error) {
	log := a.log.With(zap.String("service", p.Name))
	runID := uuid.NewString()

	lock, err := filelock.Acquire(a.cfg.LockDir(), p.Name, runID)
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			log.Warn("path is locked by another preseed run, skipping", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("releasing lock failed", zap.Error(err))
		}
	}()

	sdStatus("preseed %s: checking %s", p.Name, p.Dataset)
	out, err := a.orchestrator(runID).Run(ctx, p)
	sdStatus("preseed %s: %s", p.Name, out.Kind)
	if err != nil && preseed.IsFatal(err) {
		return &out, fmt.Errorf("%s: %w", p.Name, err)
	}
	return &out, nil
}
