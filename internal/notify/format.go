package notify

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatRuleList formats channels and their routing rules as a table.
func FormatRuleList(channels []string, rules []Rule) string {
	if len(channels) == 0 {
		return "No channels registered.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Channels: %s\n", strings.Join(channels, ", "))
	if len(rules) == 0 {
		b.WriteString("No rules configured.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%-24s %-10s %s\n", "EVENT_TYPE", "MIN_LEVEL", "CHANNEL")
	for _, r := range rules {
		fmt.Fprintf(&b, "%-24s %-10s %s\n", r.EventType, r.MinLevel, r.Channel)
	}
	return b.String()
}

// FormatRuleListJSON formats rules as indented JSON.
func FormatRuleListJSON(rules []Rule) (string, error) {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return "", fmt.Errorf("notify: json marshal: %w", err)
	}
	return string(data), nil
}
