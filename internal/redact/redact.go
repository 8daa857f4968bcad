// Package redact scrubs credentials out of restore tool output before it is
// written to notifications or the run history. restic and syncoid echo
// repository URLs and environment back in their errors, and those can carry
// passwords or cloud keys.
package redact

import "sort"

// Config controls what the Redactor redacts.
type Config struct {
	Enabled        bool     `yaml:"enabled"`
	CustomPatterns []string `yaml:"custom_patterns"`
	Placeholder    string   `yaml:"placeholder"`
}

// DefaultConfig redacts with the built-in rules.
func DefaultConfig() Config {
	return Config{Enabled: true, Placeholder: "[REDACTED]"}
}

// Redactor applies an ordered set of rules to strings.
type Redactor struct {
	rules       []rule
	placeholder string
}

// New compiles a Redactor. A disabled config yields a passthrough.
func New(cfg Config) *Redactor {
	placeholder := cfg.Placeholder
	if placeholder == "" {
		placeholder = "[REDACTED]"
	}
	if !cfg.Enabled {
		return &Redactor{placeholder: placeholder}
	}

	rules := builtinRules(placeholder)
	rules = append(rules, customRules(cfg.CustomPatterns, placeholder)...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority < rules[j].priority
	})
	return &Redactor{rules: rules, placeholder: placeholder}
}

// Redact applies every rule in priority order.
func (r *Redactor) Redact(input string) string {
	if r == nil || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllStringFunc(result, rule.replace)
	}
	return result
}
