package preseed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// FormatCheck returns a human-readable check report.
func FormatCheck(r CheckReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service:    %s\n", r.Service)
	fmt.Fprintf(&b, "Dataset:    %s\n", r.Dataset)
	fmt.Fprintf(&b, "Mountpoint: %s (empty: %s)\n", r.Mountpoint, yesNo(r.MountpointEmpty))
	b.WriteString("\n")

	s := r.State
	switch {
	case s.Unknown:
		b.WriteString("State:      UNKNOWN (backend unavailable)\n")
	case !s.Exists:
		b.WriteString("State:      dataset does not exist\n")
	default:
		fmt.Fprintf(&b, "State:      exists, %d snapshot(s), %s used, %s logical, mounted: %s\n",
			s.Snapshots, humanize.IBytes(s.Used), humanize.IBytes(s.LogicalReferenced), yesNo(s.Mounted))
		if s.ResumeToken {
			b.WriteString("            pending receive resume token\n")
		}
	}
	if s.Unknown {
		fmt.Fprintf(&b, "\nAction: %s\n", r.Action)
		return b.String()
	}

	fmt.Fprintf(&b, "Presence:   data present: %s (%s)\n", yesNo(r.Presence.Allow), r.Presence.Reason)
	fmt.Fprintf(&b, "Destroy:    allowed: %s (%s)\n", yesNo(r.DestroyGate.Allow), r.DestroyGate.Reason)
	b.WriteString("\nMethods:\n")
	if len(r.Methods) == 0 {
		b.WriteString("  (none configured)\n")
	}
	for i, m := range r.Methods {
		mark := "-"
		if m.Applicable {
			mark = "+"
		}
		fmt.Fprintf(&b, "  %d. %s %-8s %s\n", i+1, mark, m.Method, m.Note)
	}
	fmt.Fprintf(&b, "\nAction: %s\n", r.Action)
	return b.String()
}

// FormatCheckJSON returns the report as indented JSON.
func FormatCheckJSON(r CheckReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("preseed: json marshal: %w", err)
	}
	return string(data), nil
}

// FormatOutcome returns a short summary of a finished run.
func FormatOutcome(o Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", o.Service, o.Kind)
	if o.Kind == Restored {
		fmt.Fprintf(&b, " via %s", o.Method)
	}
	fmt.Fprintf(&b, " (%s)\n", o.EndedAt.Sub(o.StartedAt).Round(time.Millisecond))
	for i, a := range o.Attempts {
		fmt.Fprintf(&b, "  %d. %-8s %-15s %s\n", i+1, a.Method, a.Status, a.Detail)
	}
	if o.Kind == Skipped {
		fmt.Fprintf(&b, "  %s\n", o.Reason)
	}
	if o.ProtectiveSnapshot != "" {
		fmt.Fprintf(&b, "  protective snapshot: %s\n", o.ProtectiveSnapshot)
	}
	if o.Recovered {
		b.WriteString("  created empty dataset\n")
	}
	if o.Kind == RecoveryFailed || o.Kind == Aborted {
		fmt.Fprintf(&b, "  %s\n", o.Reason)
	}
	return b.String()
}
