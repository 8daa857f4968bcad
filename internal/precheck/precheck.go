// Package precheck validates that the host can run a restore before one is
// needed.
package precheck

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/filelock"
)

// Check is the interface for environment validation checks.
type Check interface {
	Name() string
	Run() CheckResult
}

// CheckResult holds the outcome of a single check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// RunResult holds the aggregate outcome of all checks.
type RunResult struct {
	AllPassed bool          `json:"all_passed"`
	Results   []CheckResult `json:"results"`
	Duration  string        `json:"duration"`
}

// Runner manages and executes a collection of checks.
type Runner struct {
	mu     sync.RWMutex
	checks []Check
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Add appends a check to the runner (thread-safe).
func (r *Runner) Add(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, c)
}

// Run executes all checks sequentially, times execution, and returns RunResult.
func (r *Runner) Run() RunResult {
	r.mu.RLock()
	checks := make([]Check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	start := time.Now()
	var results []CheckResult
	allPassed := true
	for _, c := range checks {
		result := c.Run()
		results = append(results, result)
		if !result.Passed {
			allPassed = false
		}
	}
	return RunResult{
		AllPassed: allPassed,
		Results:   results,
		Duration:  time.Since(start).String(),
	}
}

// Checks returns the names of all registered checks.
func (r *Runner) Checks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.checks))
	for i, c := range r.checks {
		names[i] = c.Name()
	}
	return names
}

// ForConfig creates a runner that checks everything a restore run of cfg
// depends on: the config file, the state directories, the external tools
// and the per-path credentials.
func ForConfig(cfg *config.Config, configPath string) *Runner {
	r := NewRunner()
	r.Add(FileCheck{Path: configPath, Desc: "config"})
	r.Add(CustomCheck{CheckName: "config:valid", Fn: func() CheckResult {
		if err := cfg.Validate(); err != nil {
			return CheckResult{Name: "config:valid", Passed: false, Message: err.Error()}
		}
		return CheckResult{Name: "config:valid", Passed: true, Message: fmt.Sprintf("%d managed path(s)", len(cfg.Paths))}
	}})
	r.Add(DirCheck{Dir: cfg.StateDir})
	r.Add(DirCheck{Dir: cfg.Metrics.TextfileDir})
	r.Add(StaleLockCheck{Dir: cfg.LockDir()})

	r.Add(BinaryCheck{Binary: cfg.ZFS.Binary})
	r.Add(BinaryCheck{Binary: cfg.Host.ChownBinary})

	var needSyncoid, needRestic bool
	for _, p := range cfg.Paths {
		if p.Syncoid.Configured() && hasMethod(p, config.MethodSyncoid) {
			needSyncoid = true
			if p.Syncoid.SSHKey != "" {
				r.Add(FileCheck{Path: p.Syncoid.SSHKey, Desc: p.Name + ":ssh_key"})
			}
		}
		if p.Restic.Configured() && hasMethod(p, config.MethodRestic) {
			needRestic = true
			if p.Restic.PasswordFile != "" {
				r.Add(FileCheck{Path: p.Restic.PasswordFile, Desc: p.Name + ":password_file"})
			}
			if p.Restic.EnvironmentFile != "" {
				r.Add(FileCheck{Path: p.Restic.EnvironmentFile, Desc: p.Name + ":environment_file"})
			}
		}
	}
	if needSyncoid {
		r.Add(BinaryCheck{Binary: cfg.Syncoid.Binary})
	}
	if needRestic {
		r.Add(BinaryCheck{Binary: cfg.Restic.Binary})
	}
	if cfg.Notify.Command != nil && cfg.Notify.Command.Binary != "" {
		r.Add(BinaryCheck{Binary: cfg.Notify.Command.Binary})
	}
	return r
}

func hasMethod(p config.ManagedPath, method string) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// ---------- Built-in checks ----------

// DirCheck validates that a directory exists.
type DirCheck struct {
	Dir string
}

func (c DirCheck) Name() string { return "dir:" + c.Dir }
func (c DirCheck) Run() CheckResult {
	info, err := os.Stat(c.Dir)
	if err != nil {
		return CheckResult{Name: c.Name(), Passed: false, Message: fmt.Sprintf("directory not found: %s", c.Dir)}
	}
	if !info.IsDir() {
		return CheckResult{Name: c.Name(), Passed: false, Message: fmt.Sprintf("not a directory: %s", c.Dir)}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: "OK"}
}

// FileCheck validates that a file exists.
type FileCheck struct {
	Path string
	Desc string
}

func (c FileCheck) Name() string { return "file:" + c.Desc }
func (c FileCheck) Run() CheckResult {
	_, err := os.Stat(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Passed: false, Message: fmt.Sprintf("file not found: %s", c.Path)}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: "OK"}
}

// BinaryCheck validates that an executable binary is available in PATH.
type BinaryCheck struct {
	Binary string
}

func (c BinaryCheck) Name() string { return "binary:" + c.Binary }
func (c BinaryCheck) Run() CheckResult {
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return CheckResult{Name: c.Name(), Passed: false, Message: fmt.Sprintf("%s not found in PATH", c.Binary)}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: fmt.Sprintf("found at %s", path)}
}

// StaleLockCheck fails when a lock under Dir was left by a dead process.
type StaleLockCheck struct {
	Dir string
}

func (c StaleLockCheck) Name() string { return "locks:" + c.Dir }
func (c StaleLockCheck) Run() CheckResult {
	infos, err := filelock.List(c.Dir)
	if err != nil {
		return CheckResult{Name: c.Name(), Passed: false, Message: err.Error()}
	}
	var stale, held []string
	for _, l := range infos {
		if l.Stale {
			stale = append(stale, filepath.Base(l.Path))
		} else {
			held = append(held, fmt.Sprintf("%s (pid %d)", l.Name, l.PID))
		}
	}
	if len(stale) > 0 {
		return CheckResult{Name: c.Name(), Passed: false, Message: "stale locks: " + strings.Join(stale, ", ")}
	}
	if len(held) > 0 {
		return CheckResult{Name: c.Name(), Passed: true, Message: "held: " + strings.Join(held, ", ")}
	}
	return CheckResult{Name: c.Name(), Passed: true, Message: "OK"}
}

// CustomCheck wraps an arbitrary function as a check.
type CustomCheck struct {
	CheckName string
	Fn        func() CheckResult
}

func (c CustomCheck) Name() string { return c.CheckName }
func (c CustomCheck) Run() CheckResult { return c.Fn() }
