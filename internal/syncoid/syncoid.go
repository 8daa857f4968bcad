// Package syncoid pulls a dataset from a remote host with syncoid.
package syncoid

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
	"github.com/kballard/go-shellquote"
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
		opts.Binary = "syncoid"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Client{run: run, opts: opts}
}

// Args builds the syncoid argument list for pulling remote into local.
func Args(local string, r config.Remote) ([]string, error) {
	args := []string{"--no-privilege-elevation"}
	if r.NoSyncSnap {
		args = append(args, "--no-sync-snap")
	}
	if r.SSHKey != "" {
		args = append(args, "--sshkey", r.SSHKey)
	}
	if r.ConnectTimeout > 0 {
		args = append(args, "--sshoption=ConnectTimeout="+strconv.Itoa(r.ConnectTimeout))
	}
	if r.ServerAliveInterval > 0 {
		args = append(args, "--sshoption=ServerAliveInterval="+strconv.Itoa(r.ServerAliveInterval))
	}
	if r.StrictHostKeyChecking != "" {
		args = append(args, "--sshoption=StrictHostKeyChecking="+r.StrictHostKeyChecking)
	}
	if r.SendOptions != "" {
		args = append(args, "--sendoptions="+r.SendOptions)
	}
	if r.RecvOptions != "" {
		args = append(args, "--recvoptions="+r.RecvOptions)
	}
	if r.ExtraArgs != "" {
		extra, err := shellquote.Split(r.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("syncoid: extra_args: %w", err)
		}
		args = append(args, extra...)
	}

	source := r.Host + ":" + r.Dataset
	if r.User != "" {
		source = r.User + "@" + source
	}
	return append(args, source, local), nil
}

// Pull replicates the remote dataset into local.
func (c *Client) Pull(ctx context.Context, local string, r config.Remote) error {
	args, err := Args(local, r)
	if err != nil {
		return err
	}
	if _, err := c.run.Run(ctx, executor.Command{Binary: c.opts.Binary, Args: args, Timeout: c.opts.Timeout}); err != nil {
		return fmt.Errorf("syncoid: pull %s:%s: %w", r.Host, r.Dataset, err)
	}
	return nil
}
