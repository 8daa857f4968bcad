// Package preseed runs the restore state machine for one managed path:
// check whether the service already has data, otherwise try the configured
// restore methods in order, and if they all fail leave an empty, mounted
// dataset behind so the service can still start.
package preseed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holthome/preseed/internal/config"
	"github.com/holthome/preseed/internal/guard"
	"github.com/holthome/preseed/internal/host"
	"github.com/holthome/preseed/internal/metrics"
	"github.com/holthome/preseed/internal/notify"
	"github.com/holthome/preseed/internal/statedb"
	"github.com/holthome/preseed/internal/strategy"
	"github.com/holthome/preseed/internal/zfs"
	"go.uber.org/zap"
)

// Notifier receives run outcomes. Delivery errors are logged only.
type Notifier interface {
	Dispatch(event notify.Event) []error
}

// MetricsSink publishes the status gauge for a service.
type MetricsSink interface {
	Emit(r metrics.Record) error
}

// History stores finished runs.
type History interface {
	InsertRun(run statedb.RunRecord, attempts []statedb.AttemptRecord) error
}

// Redactor scrubs credentials from text that leaves the process.
type Redactor interface {
	Redact(s string) string
}

// Outcome describes a finished run.
type Outcome struct {
	RunID              string            `json:"run_id"`
	Service            string            `json:"service"`
	Dataset            string            `json:"dataset"`
	Kind               Kind              `json:"kind"`
	Method             string            `json:"method,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	States             []State           `json:"-"`
	Attempts           []strategy.Result `json:"-"`
	DatasetDestroyed   bool              `json:"dataset_destroyed"`
	Recovered          bool              `json:"recovered"`
	ProtectiveSnapshot string            `json:"protective_snapshot,omitempty"`
	TimedOut           bool              `json:"timed_out"`
	Err                error             `json:"-"`
	StartedAt          time.Time         `json:"started_at"`
	EndedAt            time.Time         `json:"ended_at"`
}

// ExitCode is 0 for every outcome except a failed recovery.
func (o Outcome) ExitCode() int {
	if o.Kind == RecoveryFailed {
		return 1
	}
	return 0
}

func (o *Outcome) enter(s State) { o.States = append(o.States, s) }

type Options struct {
	Backend    zfs.Backend
	Host       host.Host
	Guard      guard.Guard
	Strategies []strategy.Strategy
	// Deps supplies the shared mount and snapshot helpers.
	Deps     strategy.Deps
	Notifier Notifier
	Metrics  MetricsSink
	History  History
	Redactor Redactor
	Log      *zap.Logger
	Now      func() time.Time
	NewID    func() string
	Hostname string
}

type Orchestrator struct {
	opts       Options
	strategies map[string]strategy.Strategy
}

func New(opts Options) *Orchestrator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Deps.Backend == nil {
		opts.Deps.Backend = opts.Backend
	}
	if opts.Deps.Host == nil {
		opts.Deps.Host = opts.Host
	}
	if opts.Deps.Now == nil {
		opts.Deps.Now = opts.Now
	}
	byName := make(map[string]strategy.Strategy, len(opts.Strategies))
	for _, s := range opts.Strategies {
		byName[s.Method()] = s
	}
	return &Orchestrator{opts: opts, strategies: byName}
}

// Run restores path if its service has no data. The returned error is
// non-nil only for ErrRecoveryFailed; every other outcome is reported
// through notifications, metrics and history.
func (o *Orchestrator) Run(ctx context.Context, p config.ManagedPath) (Outcome, error) {
	out := Outcome{
		RunID:     o.opts.NewID(),
		Service:   p.Name,
		Dataset:   p.Dataset,
		StartedAt: o.opts.Now(),
	}
	log := o.opts.Log.With(zap.String("service", p.Name), zap.String("dataset", p.Dataset), zap.String("run_id", out.RunID))
	rc := &strategy.RunContext{RunID: out.RunID, Path: p, Log: log}

	out.enter(Init)
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = out.StartedAt.Add(time.Duration(p.Timeout) * time.Second)
	}

	out.enter(CheckPresence)
	state, err := o.opts.Backend.Inspect(ctx, p.Dataset)
	if err == nil && state.Unknown {
		err = fmt.Errorf("%w: state of %s unknown", ErrBackendUnavailable, p.Dataset)
	}
	if err != nil {
		log.Error("cannot read dataset state, aborting without changes", zap.Error(err))
		out.Kind = Aborted
		out.Reason = err.Error()
		out.Err = err
		return o.finish(ctx, &out, log), nil
	}
	empty, err := o.opts.Host.IsEmptyDir(p.Mountpoint)
	if err != nil {
		log.Error("cannot read mountpoint, aborting without changes", zap.Error(err))
		out.Kind = Aborted
		out.Reason = fmt.Sprintf("reading %s: %v", p.Mountpoint, err)
		out.Err = err
		return o.finish(ctx, &out, log), nil
	}
	if present := o.opts.Guard.DataPresent(state, empty); present.Allow {
		out.enter(Skip)
		log.Info("data present, skipping restore", zap.String("reason", present.Reason))
		if state.Exists && state.Snapshots == 0 {
			name, err := o.opts.Deps.Protect(ctx, rc, true)
			if err != nil {
				log.Warn("protective snapshot of existing data failed", zap.Error(err))
			}
			out.ProtectiveSnapshot = name
		}
		out.Kind = Skipped
		out.Method = metrics.MethodSkipped
		out.Reason = present.Reason
		return o.finish(ctx, &out, log), nil
	}

	out.enter(AttemptSequence)
	destroyed := false
	for _, method := range p.Methods {
		if !deadline.IsZero() && !o.opts.Now().Before(deadline) {
			log.Error("run timeout exceeded, abandoning remaining methods", zap.Int("timeout_seconds", p.Timeout))
			out.TimedOut = true
			break
		}
		if ctx.Err() != nil {
			log.Error("run cancelled, abandoning remaining methods", zap.Error(ctx.Err()))
			break
		}

		s, ok := o.strategies[method]
		if !ok {
			out.Attempts = append(out.Attempts, strategy.Result{
				Method: method,
				Status: strategy.NotApplicable,
				Detail: "method not available",
				Err:    fmt.Errorf("%w: %s not available", strategy.ErrNotApplicable, method),
			})
			continue
		}

		state, err := o.opts.Backend.Inspect(ctx, p.Dataset)
		if err == nil && state.Unknown {
			err = ErrBackendUnavailable
		}
		if err != nil {
			log.Error("cannot read dataset state between methods", zap.String("next_method", method), zap.Error(err))
			break
		}

		rc.DatasetDestroyed = destroyed
		res := s.Attempt(ctx, rc, state)
		out.Attempts = append(out.Attempts, res)
		if res.DatasetDestroyed {
			destroyed = true
		}
		if res.DatasetCreated {
			destroyed = false
		}

		fields := []zap.Field{zap.String("method", res.Method), zap.String("detail", res.Detail), zap.Duration("duration", res.Duration)}
		switch res.Status {
		case strategy.Succeeded:
			log.Info("restore succeeded", fields...)
		case strategy.NotApplicable:
			log.Info("method not applicable", fields...)
		case strategy.SafetyAborted:
			log.Warn("method refused by safety check", fields...)
		default:
			log.Warn("method failed", fields...)
		}

		if res.Success() {
			out.enter(Success)
			out.Kind = Restored
			out.Method = res.Method
			out.Reason = res.Detail
			out.ProtectiveSnapshot = res.ProtectiveSnapshot
			return o.finish(ctx, &out, log), nil
		}
	}

	out.enter(AllFailed)
	out.DatasetDestroyed = destroyed
	out.Method = metrics.MethodNone
	out.Reason = summarize(out.Attempts, out.TimedOut)
	out.Err = ErrAllStrategiesExhausted

	out.enter(Recover)
	created, err := o.recover(ctx, rc, destroyed)
	out.Recovered = created
	if err != nil {
		log.Error("recovery failed, service has no dataset to start on", zap.Error(err))
		out.Kind = RecoveryFailed
		out.Err = fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		out.Reason = fmt.Sprintf("%s; recovery failed: %v", out.Reason, err)
		o.finish(ctx, &out, log)
		return out, out.Err
	}
	if created {
		out.DatasetDestroyed = false
	}
	out.Kind = Exhausted
	return o.finish(ctx, &out, log), nil
}

// recover makes sure the service has a dataset to start on. A dataset that
// still exists is left alone apart from a best-effort mount; only a missing
// dataset is created, mounted and chowned, and only failures doing that are
// returned. It reports whether it had to create the dataset.
func (o *Orchestrator) recover(ctx context.Context, rc *strategy.RunContext, destroyed bool) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	p := rc.Path

	state, err := o.opts.Backend.Inspect(ctx, p.Dataset)
	if err == nil && state.Unknown {
		err = ErrBackendUnavailable
	}
	if err != nil {
		if !destroyed {
			rc.Log.Warn("cannot read dataset state during recovery, nothing was destroyed", zap.Error(err))
			return false, nil
		}
		return false, err
	}

	if state.Exists {
		if err := o.opts.Deps.EnsureMounted(ctx, p); err != nil {
			rc.Log.Warn("existing dataset could not be mounted during recovery", zap.Error(err))
		}
		return false, nil
	}

	if err := o.opts.Backend.Create(ctx, p.Dataset, strategy.DeclaredProperties(p)); err != nil {
		return false, err
	}
	rc.Log.Warn("created empty dataset so the service can start")
	if err := o.opts.Deps.EnsureMounted(ctx, p); err != nil {
		return true, err
	}
	if err := o.opts.Host.Chown(ctx, p.Mountpoint, p.Owner, p.Group); err != nil {
		return true, err
	}
	return true, nil
}

func summarize(attempts []strategy.Result, timedOut bool) string {
	var parts []string
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", a.Method, a.Status, a.Detail))
	}
	if timedOut {
		parts = append(parts, "run timeout exceeded")
	}
	if len(parts) == 0 {
		return "no restore methods configured"
	}
	return strings.Join(parts, "; ")
}

// finish records the outcome everywhere it is reported. None of these
// sinks can change the outcome.
func (o *Orchestrator) finish(ctx context.Context, out *Outcome, log *zap.Logger) Outcome {
	out.EndedAt = o.opts.Now()
	out.enter(Done)

	if r := o.opts.Redactor; r != nil {
		out.Reason = r.Redact(out.Reason)
		for i := range out.Attempts {
			out.Attempts[i].Detail = r.Redact(out.Attempts[i].Detail)
		}
	}

	if o.opts.Notifier != nil {
		for _, err := range o.opts.Notifier.Dispatch(o.event(out)) {
			log.Warn("notification failed", zap.Error(err))
		}
	}

	if o.opts.Metrics != nil {
		rec := metrics.Record{
			Service:     out.Service,
			Method:      out.Method,
			Success:     out.Kind == Restored || out.Kind == Skipped,
			CompletedAt: out.EndedAt,
			Duration:    out.EndedAt.Sub(out.StartedAt),
		}
		if rec.Method == "" {
			rec.Method = metrics.MethodNone
		}
		if err := o.opts.Metrics.Emit(rec); err != nil {
			log.Warn("writing metrics failed", zap.Error(err))
		}
	}

	if o.opts.History != nil {
		run := statedb.RunRecord{
			ID:               out.RunID,
			Service:          out.Service,
			Dataset:          out.Dataset,
			Outcome:          string(out.Kind),
			Method:           out.Method,
			DatasetDestroyed: out.DatasetDestroyed,
			Detail:           out.Reason,
			StartedAt:        out.StartedAt.UTC().Format(time.RFC3339),
			EndedAt:          out.EndedAt.UTC().Format(time.RFC3339),
		}
		attempts := make([]statedb.AttemptRecord, 0, len(out.Attempts))
		for _, a := range out.Attempts {
			attempts = append(attempts, statedb.AttemptRecord{
				Method:     a.Method,
				Status:     a.Status.String(),
				Detail:     a.Detail,
				DurationMS: a.Duration.Milliseconds(),
			})
		}
		if err := o.opts.History.InsertRun(run, attempts); err != nil {
			log.Warn("recording run history failed", zap.Error(err))
		}
	}

	log.Info("preseed finished", zap.String("outcome", string(out.Kind)), zap.String("method", out.Method),
		zap.Duration("duration", out.EndedAt.Sub(out.StartedAt)))
	return *out
}

func (o *Orchestrator) event(out *Outcome) notify.Event {
	where := out.Service
	if o.opts.Hostname != "" {
		where = out.Service + " on " + o.opts.Hostname
	}
	ev := notify.Event{Instance: out.Service, Time: out.EndedAt}
	switch out.Kind {
	case Restored:
		ev.Type, ev.Level = notify.TemplateSuccess, "INFO"
		ev.Message = fmt.Sprintf("Restored %s via %s: %s", where, out.Method, out.Reason)
	case Skipped:
		ev.Type, ev.Level = notify.TemplateSkipped, "INFO"
		ev.Message = fmt.Sprintf("Skipped restore of %s: %s", where, out.Reason)
	case RecoveryFailed:
		ev.Type, ev.Level = notify.TemplateRecoveryFailed, "ERROR"
		ev.Message = fmt.Sprintf("Could not leave an empty dataset for %s (%s); the service cannot start. %s", where, out.Dataset, out.Reason)
	case Aborted:
		ev.Type, ev.Level = notify.TemplateFailure, "ERROR"
		ev.Message = fmt.Sprintf("Restore of %s aborted, storage backend unavailable: %s", where, out.Reason)
	default:
		ev.Type, ev.Level = notify.TemplateFailure, "ERROR"
		msg := fmt.Sprintf("All restore methods failed for %s: %s.", where, out.Reason)
		if out.Recovered {
			msg += " An empty dataset was created; the service starts without data."
		} else {
			msg += " The service starts with the existing dataset."
		}
		ev.Message = msg
	}
	return ev
}

// IsFatal reports whether err should fail the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRecoveryFailed)
}
