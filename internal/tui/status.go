package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/phaseboard/notify/internal/client"
)

// statusModel holds the status bar state.
type statusModel struct {
	Connected    bool
	LastSequence uint64
	Stats        client.Stats
	Projects     []int
	Width        int
}

// View renders the status bar.
func (m statusModel) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(colorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(colorDanger).Render("○ Reconnecting...")
	}

	counters := fmt.Sprintf("seq %d  %d events  %d dup  %d gaps",
		m.LastSequence, m.Stats.EventsReceived, m.Stats.Duplicates, m.Stats.Gaps)

	filter := "all projects"
	if len(m.Projects) > 0 {
		parts := make([]string, len(m.Projects))
		for i, p := range m.Projects {
			parts[i] = "#" + strconv.Itoa(p)
		}
		filter = strings.Join(parts, " ")
	}

	sep := lipgloss.NewStyle().Foreground(colorBorder).Render(" | ")
	content := connStr + sep + counters + sep + styleDimmed.Render(filter)

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(colorBorder).
		Render(content)
}
