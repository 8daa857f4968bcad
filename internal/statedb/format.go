package statedb

import (
	"encoding/json"
	"fmt"
	"strings"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatRunList returns a table of runs. Returns "No run records.\n" if the
// slice is empty.
func FormatRunList(runs []RunRecord) string {
	if len(runs) == 0 {
		return "No run records.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-16s %-16s %-9s %-22s %s\n", "ID", "SERVICE", "OUTCOME", "METHOD", "STARTED", "DETAIL")
	for _, r := range runs {
		method := r.Method
		if method == "" {
			method = "-"
		}
		detail := r.Detail
		if r.DatasetDestroyed {
			detail = "[dataset destroyed] " + detail
		}
		fmt.Fprintf(&b, "%-10s %-16s %-16s %-9s %-22s %s\n", shortID(r.ID), r.Service, r.Outcome, method, r.StartedAt, detail)
	}
	return b.String()
}

// FormatAttempts returns one line per attempt.
func FormatAttempts(attempts []AttemptRecord) string {
	var b strings.Builder
	for _, a := range attempts {
		fmt.Fprintf(&b, "  %d. %-8s %-15s %6dms  %s\n", a.Seq+1, a.Method, a.Status, a.DurationMS, a.Detail)
	}
	return b.String()
}

// FormatRunListJSON returns the run records as indented JSON.
func FormatRunListJSON(runs []RunRecord) (string, error) {
	if runs == nil {
		runs = []RunRecord{}
	}
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("statedb: json marshal: %w", err)
	}
	return string(data), nil
}
