// Package restic restores the latest archive of a set of paths.
package restic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
	"github.com/joho/godotenv"
)

type Options struct {
	Binary  string
	Timeout time.Duration
}

type Client struct {
	run  executor.Runner
	opts Options
}

func New(run executor.Runner, opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = "restic"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Client{run: run, opts: opts}
}

// Args builds "restore latest" for repo.
func Args(repo config.Repository) []string {
	args := []string{"-r", repo.URL}
	if repo.PasswordFile != "" {
		args = append(args, "--password-file", repo.PasswordFile)
	}
	target := repo.Target
	if target == "" {
		target = "/"
	}
	args = append(args, "restore", "latest", "--target", target)
	for _, p := range repo.Paths {
		args = append(args, "--path", p)
	}
	return args
}

// Env reads the repository's extra environment file, if any, into
// sorted KEY=VALUE pairs.
func Env(repo config.Repository) ([]string, error) {
	if repo.EnvironmentFile == "" {
		return nil, nil
	}
	vars, err := godotenv.Read(repo.EnvironmentFile)
	if err != nil {
		return nil, fmt.Errorf("restic: environment file: %w", err)
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// RestoreLatest restores the newest snapshot matching repo.Paths. The
// Result is returned even on failure so callers can classify stderr.
func (c *Client) RestoreLatest(ctx context.Context, repo config.Repository) (executor.Result, error) {
	env, err := Env(repo)
	if err != nil {
		return executor.Result{}, err
	}
	res, err := c.run.Run(ctx, executor.Command{
		Binary:  c.opts.Binary,
		Args:    Args(repo),
		Env:     env,
		Timeout: c.opts.Timeout,
	})
	if err != nil {
		return res, fmt.Errorf("restic: restore latest from %s: %w", repo.URL, err)
	}
	return res, nil
}
