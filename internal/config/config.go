package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/dustin/go-humanize"
	"github.com/holthome/preseed/internal/redact"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the boot-time units look for the configuration.
const DefaultPath = "/etc/preseed/config.yaml"

// Restore method identifiers, in the order they are usually configured.
const (
	MethodSyncoid = "syncoid"
	MethodLocal   = "local"
	MethodRestic  = "restic"
)

// Values for ManagedPath.OnUnsafeExistingData.
const (
	UnsafeAbort          = "abort"
	UnsafeAttemptInPlace = "attemptInPlace"
)

// Values for ManagedPath.ProtectiveSnapshot.
const (
	ProtectAlways = "always"
	ProtectIfNone = "if-none"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ZFSConfig struct {
	Binary  string `yaml:"binary"`
	Timeout int    `yaml:"timeout"`
}

type SyncoidConfig struct {
	Binary  string `yaml:"binary"`
	Timeout int    `yaml:"timeout"`
}

type ResticConfig struct {
	Binary      string `yaml:"binary"`
	Timeout     int    `yaml:"timeout"`
	RetryDelay  int    `yaml:"retry_delay"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type HostConfig struct {
	ChownBinary  string `yaml:"chown_binary"`
	ChownTimeout int    `yaml:"chown_timeout"`
}

type CommandChannelConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

type RuleConfig struct {
	EventType string `yaml:"event_type"`
	MinLevel  string `yaml:"min_level"`
	Channel   string `yaml:"channel"`
}

type NotifyConfig struct {
	Stdout  bool                  `yaml:"stdout"`
	File    string                `yaml:"file"`
	Command *CommandChannelConfig `yaml:"command"`
	Rules   []RuleConfig          `yaml:"rules"`
}

type MetricsConfig struct {
	TextfileDir string `yaml:"textfile_dir"`
}

type DefaultsConfig struct {
	Timeout                  int      `yaml:"timeout"`
	ReplicationSizeThreshold string   `yaml:"replication_size_threshold"`
	PresenceSizeThreshold    string   `yaml:"presence_size_threshold"`
	ScheduledSnapshotPrefix  []string `yaml:"scheduled_snapshot_prefix"`
	ProtectiveSnapshotKeep   int      `yaml:"protective_snapshot_keep"`
}

// Remote describes the replication target a path is pulled back from.
type Remote struct {
	Host                  string `yaml:"host"`
	User                  string `yaml:"user"`
	Dataset               string `yaml:"dataset"`
	SSHKey                string `yaml:"ssh_key"`
	ConnectTimeout        int    `yaml:"connect_timeout"`
	ServerAliveInterval   int    `yaml:"server_alive_interval"`
	StrictHostKeyChecking string `yaml:"strict_host_key_checking"`
	SendOptions           string `yaml:"send_options"`
	RecvOptions           string `yaml:"recv_options"`
	NoSyncSnap            bool   `yaml:"no_sync_snap"`
	ExtraArgs             string `yaml:"extra_args"`
}

// Configured reports whether a remote source is usable at all.
func (r *Remote) Configured() bool {
	return r != nil && r.Host != "" && r.Dataset != ""
}

// Repository describes the restic repository a path restores from.
type Repository struct {
	URL             string   `yaml:"url"`
	PasswordFile    string   `yaml:"password_file"`
	EnvironmentFile string   `yaml:"environment_file"`
	Paths           []string `yaml:"paths"`
	Target          string   `yaml:"target"`
}

func (r *Repository) Configured() bool {
	return r != nil && r.URL != ""
}

// ManagedPath is one protected service data directory.
type ManagedPath struct {
	Name                 string            `yaml:"name"`
	Dataset              string            `yaml:"dataset"`
	Mountpoint           string            `yaml:"mountpoint"`
	Owner                string            `yaml:"owner"`
	Group                string            `yaml:"group"`
	Methods              []string          `yaml:"methods"`
	Properties           map[string]string `yaml:"properties"`
	OnUnsafeExistingData string            `yaml:"on_unsafe_existing_data"`
	ProtectiveSnapshot   string            `yaml:"protective_snapshot"`
	Timeout              int               `yaml:"timeout"`
	Syncoid              *Remote           `yaml:"syncoid"`
	Restic               *Repository       `yaml:"restic"`
}

type Config struct {
	StateDir string         `yaml:"state_dir"`
	Log      LogConfig      `yaml:"log"`
	ZFS      ZFSConfig      `yaml:"zfs"`
	Syncoid  SyncoidConfig  `yaml:"syncoid"`
	Restic   ResticConfig   `yaml:"restic"`
	Host     HostConfig     `yaml:"host"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Redact   redact.Config  `yaml:"redact"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Paths    []ManagedPath  `yaml:"paths"`
}

func Default() *Config {
	return &Config{
		StateDir: "/var/lib/preseed",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		ZFS:     ZFSConfig{Binary: "zfs", Timeout: 120},
		Syncoid: SyncoidConfig{Binary: "syncoid", Timeout: 1800},
		Restic: ResticConfig{
			Binary:      "restic",
			Timeout:     1800,
			RetryDelay:  5,
			MaxAttempts: 2,
		},
		Host: HostConfig{ChownBinary: "chown", ChownTimeout: 600},
		Notify: NotifyConfig{
			Stdout: true,
			Rules:  []RuleConfig{{EventType: "*", MinLevel: "INFO", Channel: "stdout"}},
		},
		Metrics: MetricsConfig{TextfileDir: "/var/lib/node_exporter/textfile_collector"},
		Redact:  redact.DefaultConfig(),
		Defaults: DefaultsConfig{
			Timeout:                  1800,
			ReplicationSizeThreshold: "1MiB",
			PresenceSizeThreshold:    "192KiB",
			ScheduledSnapshotPrefix:  []string{"autosnap_", "sanoid_"},
			ProtectiveSnapshotKeep:   2,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	def := Default()
	if cfg.StateDir == "" {
		cfg.StateDir = def.StateDir
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.ZFS.Binary == "" {
		cfg.ZFS.Binary = def.ZFS.Binary
	}
	if cfg.ZFS.Timeout == 0 {
		cfg.ZFS.Timeout = def.ZFS.Timeout
	}
	if cfg.Syncoid.Binary == "" {
		cfg.Syncoid.Binary = def.Syncoid.Binary
	}
	if cfg.Syncoid.Timeout == 0 {
		cfg.Syncoid.Timeout = def.Syncoid.Timeout
	}
	if cfg.Restic.Binary == "" {
		cfg.Restic.Binary = def.Restic.Binary
	}
	if cfg.Restic.Timeout == 0 {
		cfg.Restic.Timeout = def.Restic.Timeout
	}
	if cfg.Restic.MaxAttempts == 0 {
		cfg.Restic.MaxAttempts = def.Restic.MaxAttempts
	}
	if cfg.Host.ChownBinary == "" {
		cfg.Host.ChownBinary = def.Host.ChownBinary
	}
	if cfg.Host.ChownTimeout == 0 {
		cfg.Host.ChownTimeout = def.Host.ChownTimeout
	}
	if cfg.Defaults.Timeout == 0 {
		cfg.Defaults.Timeout = def.Defaults.Timeout
	}
	if cfg.Defaults.ReplicationSizeThreshold == "" {
		cfg.Defaults.ReplicationSizeThreshold = def.Defaults.ReplicationSizeThreshold
	}
	if cfg.Defaults.PresenceSizeThreshold == "" {
		cfg.Defaults.PresenceSizeThreshold = def.Defaults.PresenceSizeThreshold
	}
	if len(cfg.Defaults.ScheduledSnapshotPrefix) == 0 {
		cfg.Defaults.ScheduledSnapshotPrefix = def.Defaults.ScheduledSnapshotPrefix
	}
	if cfg.Defaults.ProtectiveSnapshotKeep == 0 {
		cfg.Defaults.ProtectiveSnapshotKeep = def.Defaults.ProtectiveSnapshotKeep
	}

	for i := range cfg.Paths {
		p := &cfg.Paths[i]
		if len(p.Methods) == 0 {
			p.Methods = []string{MethodSyncoid, MethodLocal, MethodRestic}
		}
		if p.OnUnsafeExistingData == "" {
			p.OnUnsafeExistingData = UnsafeAbort
		}
		if p.ProtectiveSnapshot == "" {
			p.ProtectiveSnapshot = ProtectAlways
		}
		if p.Timeout == 0 {
			p.Timeout = cfg.Defaults.Timeout
		}
		if p.Group == "" {
			p.Group = p.Owner
		}
		if p.Restic != nil && p.Restic.Target == "" {
			p.Restic.Target = "/"
		}
		if p.Restic != nil && len(p.Restic.Paths) == 0 {
			p.Restic.Paths = []string{p.Mountpoint}
		}
		if p.Syncoid != nil {
			if p.Syncoid.User == "" {
				p.Syncoid.User = "root"
			}
			if p.Syncoid.ConnectTimeout == 0 {
				p.Syncoid.ConnectTimeout = 10
			}
			if p.Syncoid.ServerAliveInterval == 0 {
				p.Syncoid.ServerAliveInterval = 30
			}
			if p.Syncoid.StrictHostKeyChecking == "" {
				p.Syncoid.StrictHostKeyChecking = "accept-new"
			}
		}
	}

	return cfg, nil
}

// Validate checks the configuration for errors that would make a run unsafe
// or impossible.
func (c *Config) Validate() error {
	if _, err := c.ReplicationThreshold(); err != nil {
		return err
	}
	if _, err := c.PresenceThreshold(); err != nil {
		return err
	}
	for _, pat := range c.Redact.CustomPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("config: redact pattern %q: %w", pat, err)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Paths {
		if p.Name == "" {
			return fmt.Errorf("config: path with dataset %q has no name", p.Dataset)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate path name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Dataset == "" {
			return fmt.Errorf("config: path %q: dataset is required", p.Name)
		}
		if !filepath.IsAbs(p.Mountpoint) {
			return fmt.Errorf("config: path %q: mountpoint %q must be absolute", p.Name, p.Mountpoint)
		}
		for _, m := range p.Methods {
			switch m {
			case MethodSyncoid, MethodLocal, MethodRestic:
			default:
				return fmt.Errorf("config: path %q: unknown method %q", p.Name, m)
			}
		}
		switch p.OnUnsafeExistingData {
		case UnsafeAbort, UnsafeAttemptInPlace:
		default:
			return fmt.Errorf("config: path %q: on_unsafe_existing_data must be %q or %q", p.Name, UnsafeAbort, UnsafeAttemptInPlace)
		}
		switch p.ProtectiveSnapshot {
		case ProtectAlways, ProtectIfNone:
		default:
			return fmt.Errorf("config: path %q: protective_snapshot must be %q or %q", p.Name, ProtectAlways, ProtectIfNone)
		}
		if len(p.Methods) == 1 && p.Methods[0] == MethodRestic && !p.Restic.Configured() {
			return fmt.Errorf("config: path %q: restic is the only method but no repository is configured", p.Name)
		}
		if _, ok := p.Properties["mountpoint"]; ok {
			return fmt.Errorf("config: path %q: set mountpoint with the mountpoint field, not properties", p.Name)
		}
	}
	return nil
}

// Path returns the managed path with the given name.
func (c *Config) Path(name string) (ManagedPath, bool) {
	for _, p := range c.Paths {
		if p.Name == name {
			return p, true
		}
	}
	return ManagedPath{}, false
}

func (c *Config) ReplicationThreshold() (uint64, error) {
	n, err := humanize.ParseBytes(c.Defaults.ReplicationSizeThreshold)
	if err != nil {
		return 0, fmt.Errorf("config: replication_size_threshold: %w", err)
	}
	return n, nil
}

func (c *Config) PresenceThreshold() (uint64, error) {
	n, err := humanize.ParseBytes(c.Defaults.PresenceSizeThreshold)
	if err != nil {
		return 0, fmt.Errorf("config: presence_size_threshold: %w", err)
	}
	return n, nil
}

func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

func (c *Config) EnsureDirs() error {
	dirs := []string{c.StateDir, c.LockDir()}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
