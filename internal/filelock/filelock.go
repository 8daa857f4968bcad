// Package filelock provides flock-based per-path locks so that two
// invocations never restore the same managed path at the same time.
package filelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// LockVersion is the current version of the lock metadata format.
const LockVersion = 1

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock represents an acquired file lock.
type Lock struct {
	Path string
	Name string
	file *os.File
}

// Meta is the on-disk metadata written alongside a lock file.
type Meta struct {
	PID       int    `json:"pid"`
	Name      string `json:"name"`
	RunID     string `json:"run_id,omitempty"`
	Timestamp string `json:"timestamp"`
	Version   int    `json:"lock_version"`
}

// LockInfo describes a lock file found on disk.
type LockInfo struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	Since string `json:"since"`
	Stale bool   `json:"stale"`
}

// PathFor returns the lock file for name under dir.
func PathFor(dir, name string) string {
	return filepath.Join(dir, name+".lock")
}

// Acquire takes the lock for name under dir without blocking. It returns an
// error wrapping ErrLocked if another holder has it.
func Acquire(dir, name, runID string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("filelock: mkdir: %w", err)
	}
	lockPath := PathFor(dir, name)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open: %w", err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			holderPID := 0
			if meta, metaErr := ReadMeta(lockPath); metaErr == nil {
				holderPID = meta.PID
			}
			return nil, fmt.Errorf("filelock: %s: %w (holder PID: %d)", name, ErrLocked, holderPID)
		}
		return nil, fmt.Errorf("filelock: flock: %w", err)
	}

	meta := Meta{
		PID:       os.Getpid(),
		Name:      name,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   LockVersion,
	}
	metaData, err := json.Marshal(meta)
	if err == nil {
		err = os.WriteFile(lockPath+".meta", metaData, 0644)
	}
	if err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("filelock: write meta: %w", err)
	}

	return &Lock{Path: lockPath, Name: name, file: f}, nil
}

// Release removes the flock, closes the file and deletes the .meta file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Meta goes first so a waiting process never reads ours.
	_ = os.Remove(l.Path + ".meta")

	fd := int(l.file.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_UN); err != nil {
		return fmt.Errorf("filelock: flock LOCK_UN: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("filelock: close: %w", err)
	}
	return nil
}

// IsStale checks whether the lock at lockPath is stale by reading its .meta
// file and testing whether the recorded PID is still alive.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}

	proc, err := os.FindProcess(meta.PID)
	if err != nil {
		return true
	}

	// Signal 0 checks process existence without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) != nil
}

// ReadMeta reads and parses the .meta JSON file associated with lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, fmt.Errorf("filelock: read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("filelock: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns the locks under dir that have metadata, i.e. locks that are
// held or were left behind by a process that died holding them.
func List(dir string) ([]LockInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filelock: list: %w", err)
	}
	var infos []LockInfo
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".lock.meta") {
			continue
		}
		lockPath := filepath.Join(dir, strings.TrimSuffix(e.Name(), ".meta"))
		meta, err := ReadMeta(lockPath)
		if err != nil {
			infos = append(infos, LockInfo{Path: lockPath, Stale: true})
			continue
		}
		infos = append(infos, LockInfo{
			Path:  lockPath,
			Name:  meta.Name,
			PID:   meta.PID,
			Since: meta.Timestamp,
			Stale: IsStale(lockPath),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}
