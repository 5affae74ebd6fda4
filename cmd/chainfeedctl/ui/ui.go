// Package ui holds chainfeedctl's terminal styling, adapted from the
// teacher CLI's palette.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
)

var (
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
)

// StatusGlyph renders a component status value with an appropriate color.
func StatusGlyph(status string) string {
	switch status {
	case "ok", "active", "online":
		return SuccessStyle.Render(status)
	case "stub", "skipped", "degraded", "partial":
		return WarnStyle.Render(status)
	case "error", "failed", "offline":
		return ErrorStyle.Render(status)
	default:
		return status
	}
}

// Pair is one key/value row for KeyValues.
type Pair struct {
	Key   string
	Value string
}

// KeyValues renders aligned "key:  value" lines.
func KeyValues(pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.Key) > maxLen {
			maxLen = len(p.Key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.Key+":")
		sb.WriteString(LabelStyle.Render(label) + " " + p.Value + "\n")
	}
	return sb.String()
}
