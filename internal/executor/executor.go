// Package executor runs external tools with argument arrays, a per-command
// timeout and captured output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// filterEnv returns os.Environ() with the named keys removed.
func filterEnv(keys ...string) []string {
	env := os.Environ()
	result := make([]string, 0, len(env))
	for _, e := range env {
		skip := false
		for _, key := range keys {
			if strings.HasPrefix(e, key+"=") {
				skip = true
				break
			}
		}
		if !skip {
			result = append(result, e)
		}
	}
	return result
}

// Command is one invocation of an external binary. Env entries are
// "KEY=VALUE" pairs that replace any inherited value of the same key.
type Command struct {
	Binary  string
	Args    []string
	Env     []string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Binary + " " + strings.Join(c.Args, " "))
}

type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Reason returns the most useful single line of the command's stderr.
func (r Result) Reason() string {
	lines := strings.Split(strings.TrimSpace(r.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// Lines splits stdout into non-empty lines.
func (r Result) Lines() []string {
	var out []string
	for _, l := range strings.Split(r.Output, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("executor: command timed out")

// Runner is implemented by Executor and by test doubles.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

type Options struct {
	Timeout time.Duration // used when Command.Timeout is zero
	Log     *zap.Logger
}

type Executor struct {
	opts Options
}

func New(opts Options) *Executor {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Executor{opts: opts}
}

// Run executes cmd and waits for it. A non-zero exit status is returned as
// an error together with the populated Result.
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = e.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)
	keys := make([]string, 0, len(cmd.Env))
	for _, kv := range cmd.Env {
		if k, _, ok := strings.Cut(kv, "="); ok {
			keys = append(keys, k)
		}
	}
	c.Env = append(filterEnv(keys...), cmd.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	duration := time.Since(start)

	result := Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	log := e.opts.Log.With(zap.String("cmd", cmd.String()), zap.Duration("duration", duration))

	if err != nil {
		if ctx.Err() != nil {
			result.TimedOut = true
			result.ExitCode = -1
			log.Warn("command timed out", zap.Duration("timeout", timeout))
			return result, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, cmd.Binary)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		log.Debug("command failed", zap.Int("exit_code", result.ExitCode), zap.String("stderr", result.Reason()))
		if reason := result.Reason(); reason != "" {
			return result, fmt.Errorf("%s: exit %d: %s", cmd.Binary, result.ExitCode, reason)
		}
		return result, fmt.Errorf("%s: %w", cmd.Binary, err)
	}

	log.Debug("command finished")
	return result, nil
}
