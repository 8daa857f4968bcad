// Package notify routes restore events to notification channels. Delivery
// is fire-and-forget: a failing channel never changes a run's outcome.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/executor"
)

// Notification templates.
const (
	TemplateSuccess        = "preseed-success"
	TemplateSkipped        = "preseed-skipped"
	TemplateFailure        = "preseed-failure"
	TemplateRecoveryFailed = "preseed-recovery-failed"
)

// Event is one notification: a template, the service instance it is about
// and a human-readable message.
type Event struct {
	Type     string    `json:"type"`
	Instance string    `json:"instance"`
	Message  string    `json:"message"`
	Level    string    `json:"level"` // INFO / WARN / ERROR
	Time     time.Time `json:"time"`
}

// Key is the "template:instance" form dispatchers expect.
func (e Event) Key() string { return e.Type + ":" + e.Instance }

// Channel is the interface for notification backends.
type Channel interface {
	Name() string
	Send(event Event) error
}

// Rule defines how an event is routed to a channel.
type Rule struct {
	EventType string `json:"event_type" yaml:"event_type"`
	MinLevel  string `json:"min_level"  yaml:"min_level"`
	Channel   string `json:"channel"    yaml:"channel"`
}

// Dispatcher evaluates events against rules and sends to matched channels.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	rules    []Rule
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{channels: make(map[string]Channel)}
}

// RegisterChannel registers a notification channel. Error if name is empty.
func (d *Dispatcher) RegisterChannel(ch Channel) error {
	if ch.Name() == "" {
		return fmt.Errorf("notify: channel name cannot be empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch.Name()] = ch
	return nil
}

func (d *Dispatcher) AddRule(rule Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, rule)
}

// Dispatch evaluates an event against all rules and sends it to each
// matched channel once. Errors from failing channels are returned; the
// other channels still receive the event.
func (d *Dispatcher) Dispatch(event Event) []error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	sent := make(map[string]bool)

	for _, rule := range d.rules {
		if !MatchRule(rule, event) {
			continue
		}
		if sent[rule.Channel] {
			continue
		}
		ch, ok := d.channels[rule.Channel]
		if !ok {
			continue
		}
		if err := ch.Send(event); err != nil {
			errs = append(errs, fmt.Errorf("notify: channel %s: %w", rule.Channel, err))
		}
		sent[rule.Channel] = true
	}
	return errs
}

// Channels returns registered channel names sorted.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]Rule, len(d.rules))
	copy(result, d.rules)
	return result
}

// LevelValue converts a level string to an integer for comparison.
func LevelValue(level string) int {
	switch level {
	case "INFO":
		return 0
	case "WARN":
		return 1
	case "ERROR":
		return 2
	default:
		return -1
	}
}

// MatchRule returns true if the event matches the rule.
func MatchRule(rule Rule, event Event) bool {
	if rule.EventType != "*" && rule.EventType != event.Type {
		return false
	}
	return LevelValue(event.Level) >= LevelValue(rule.MinLevel)
}

// FromConfig builds a dispatcher with the configured channels and rules.
func FromConfig(cfg config.NotifyConfig, run executor.Runner) (*Dispatcher, error) {
	d := NewDispatcher()
	if cfg.Stdout {
		if err := d.RegisterChannel(NewStdoutChannel()); err != nil {
			return nil, err
		}
	}
	if cfg.File != "" {
		if err := d.RegisterChannel(NewFileChannel(cfg.File)); err != nil {
			return nil, err
		}
	}
	if cfg.Command != nil && cfg.Command.Binary != "" {
		if err := d.RegisterChannel(NewCommandChannel(run, cfg.Command.Binary, cfg.Command.Args...)); err != nil {
			return nil, err
		}
	}
	for _, r := range cfg.Rules {
		if _, ok := d.channels[r.Channel]; !ok {
			return nil, fmt.Errorf("notify: rule for %q routes to unknown channel %q", r.EventType, r.Channel)
		}
		d.AddRule(Rule{EventType: r.EventType, MinLevel: r.MinLevel, Channel: r.Channel})
	}
	return d, nil
}

// StdoutChannel writes one line per event.
type StdoutChannel struct {
	w io.Writer
}

func NewStdoutChannel() *StdoutChannel { return &StdoutChannel{w: os.Stdout} }

func (c *StdoutChannel) Name() string { return "stdout" }

func (c *StdoutChannel) Send(event Event) error {
	_, err := fmt.Fprintf(c.w, "[%s] %s: %s\n", event.Level, event.Key(), event.Message)
	return err
}

// FileChannel appends notifications to a file.
type FileChannel struct {
	path string
}

func NewFileChannel(path string) *FileChannel { return &FileChannel{path: path} }

func (c *FileChannel) Name() string { return "file" }

func (c *FileChannel) Send(event Event) error {
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("notify: open file: %w", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s [%s] %s: %s\n", event.Time.UTC().Format(time.RFC3339), event.Level, event.Key(), event.Message)
	return err
}

// CommandChannel hands events to an external dispatcher program. The
// program receives "template:instance" as its last argument and the
// message in NOTIFY_MESSAGE.
type CommandChannel struct {
	run     executor.Runner
	binary  string
	args    []string
	Timeout time.Duration
}

func NewCommandChannel(run executor.Runner, binary string, args ...string) *CommandChannel {
	return &CommandChannel{run: run, binary: binary, args: args, Timeout: 30 * time.Second}
}

func (c *CommandChannel) Name() string { return "command" }

func (c *CommandChannel) Send(event Event) error {
	args := append(append([]string(nil), c.args...), event.Key())
	_, err := c.run.Run(context.Background(), executor.Command{
		Binary:  c.binary,
		Args:    args,
		Env:     []string{"NOTIFY_MESSAGE=" + event.Message, "NOTIFY_LEVEL=" + event.Level},
		Timeout: c.Timeout,
	})
	return err
}
