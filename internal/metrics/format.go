package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatStatus returns one row per service. Rows older than maxAge are
// flagged STALE.
func FormatStatus(records []Record, now time.Time, maxAge time.Duration) string {
	if len(records) == 0 {
		return "No preseed metrics found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-9s %-8s %-18s %s\n", "SERVICE", "METHOD", "RESULT", "COMPLETED", "DURATION")
	for _, r := range records {
		result := "ok"
		if !r.Success {
			result = "FAILED"
		}
		if r.Stale(now, maxAge) {
			result = "STALE"
		}
		fmt.Fprintf(&b, "%-20s %-9s %-8s %-18s %s\n",
			r.Service, r.Method, result, humanize.RelTime(r.CompletedAt, now, "ago", "from now"), r.Duration.Round(time.Second))
	}
	return b.String()
}

// FormatStatusJSON returns the records as indented JSON.
func FormatStatusJSON(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("metrics: json marshal: %w", err)
	}
	return string(data), nil
}
