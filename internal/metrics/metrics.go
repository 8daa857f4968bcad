// Package metrics publishes restore outcomes for node_exporter's textfile
// collector and reads them back for the status command.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	StatusMetric     = "preseed_status"
	CompletionMetric = "preseed_last_completion_timestamp_seconds"
	DurationMetric   = "preseed_duration_seconds"

	filePrefix = "preseed_"
	fileSuffix = ".prom"
)

// Method label values that are not restore methods.
const (
	MethodSkipped = "skipped"
	MethodNone    = "none"
)

// Record is the outcome of one run as exposed to monitoring.
type Record struct {
	Service     string        `json:"service"`
	Method      string        `json:"method"`
	Success     bool          `json:"success"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Emitter writes one textfile per service.
type Emitter struct {
	dir string
}

func NewEmitter(dir string) *Emitter {
	return &Emitter{dir: dir}
}

// FileFor returns the textfile path for service.
func FileFor(dir, service string) string {
	return filepath.Join(dir, filePrefix+service+fileSuffix)
}

// Emit replaces the service's textfile with r. The file is written to a
// temporary name and renamed so the collector never reads a partial file.
func (e *Emitter) Emit(r Record) error {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("metrics: mkdir: %w", err)
	}

	reg := prometheus.NewRegistry()
	labels := []string{"service", "method"}
	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: StatusMetric,
		Help: "Outcome of the last preseed run: 1 restored or skipped, 0 failed.",
	}, labels)
	completion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: CompletionMetric,
		Help: "Unix time the last preseed run completed.",
	}, labels)
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: DurationMetric,
		Help: "Wall-clock duration of the last preseed run.",
	}, labels)
	reg.MustRegister(status, completion, duration)

	value := 0.0
	if r.Success {
		value = 1
	}
	status.WithLabelValues(r.Service, r.Method).Set(value)
	completion.WithLabelValues(r.Service, r.Method).Set(float64(r.CompletedAt.Unix()))
	duration.WithLabelValues(r.Service, r.Method).Set(r.Duration.Seconds())

	if err := prometheus.WriteToTextfile(FileFor(e.dir, r.Service), reg); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}

// ReadFile parses one service textfile.
func ReadFile(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("metrics: %w", err)
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return Record{}, fmt.Errorf("metrics: parse %s: %w", path, err)
	}

	st, ok := families[StatusMetric]
	if !ok || len(st.GetMetric()) == 0 {
		return Record{}, fmt.Errorf("metrics: %s has no %s", path, StatusMetric)
	}
	m := st.GetMetric()[0]
	r := Record{Success: m.GetGauge().GetValue() == 1}
	for _, lp := range m.GetLabel() {
		switch lp.GetName() {
		case "service":
			r.Service = lp.GetValue()
		case "method":
			r.Method = lp.GetValue()
		}
	}
	if v, ok := gauge(families[CompletionMetric]); ok {
		r.CompletedAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := gauge(families[DurationMetric]); ok {
		r.Duration = time.Duration(v * float64(time.Second))
	}
	return r, nil
}

func gauge(mf *dto.MetricFamily) (float64, bool) {
	if mf == nil || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	return mf.GetMetric()[0].GetGauge().GetValue(), true
}

// ReadDir reads every service textfile in dir, sorted by service.
// Unparseable files are skipped and reported in the returned error list.
func ReadDir(dir string) ([]Record, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("metrics: %w", err)}
	}
	var (
		records []Record
		errs    []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		r, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Service < records[j].Service })
	return records, errs
}

// Stale reports whether r completed longer than maxAge before now.
func (r Record) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.CompletedAt) > maxAge
}
