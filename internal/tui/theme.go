package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/phaseboard/notify/internal/event"
)

// Event kind colors.
var (
	colorIssue   = lipgloss.Color("#3b82f6")
	colorProject = lipgloss.Color("#a855f7")
	colorPhase   = lipgloss.Color("#d97706")
	colorDefault = lipgloss.Color("#9ca3af")
)

// UI chrome colors.
var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorDanger  = lipgloss.Color("#dc2626")
)

// Reusable styles.
var (
	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBright)

	styleDimmed = lipgloss.NewStyle().
			Foreground(colorDimmed)
)

// kindColor returns the color for an event kind.
func kindColor(kind event.Kind) lipgloss.Color {
	switch kind {
	case event.KindIssueUpdated:
		return colorIssue
	case event.KindProjectUpdated:
		return colorProject
	case event.KindPhaseChanged:
		return colorPhase
	default:
		return colorDefault
	}
}

// kindGlyph returns a glyph for an event kind.
func kindGlyph(kind event.Kind) string {
	switch kind {
	case event.KindIssueUpdated:
		return "◆"
	case event.KindProjectUpdated:
		return "■"
	case event.KindPhaseChanged:
		return "▶"
	default:
		return "·"
	}
}
