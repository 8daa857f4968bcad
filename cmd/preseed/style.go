package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/holthome/preseed/internal/preseed"
)

var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleFatal   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var styleKind = map[preseed.Kind]lipgloss.Style{
	preseed.Restored:       styleSuccess,
	preseed.Skipped:        styleDim,
	preseed.Exhausted:      styleWarn,
	preseed.Aborted:        styleError,
	preseed.RecoveryFailed: styleFatal,
}

func renderKind(k preseed.Kind) string {
	if s, ok := styleKind[k]; ok {
		return s.Render("[" + string(k) + "]")
	}
	return "[" + string(k) + "]"
}
