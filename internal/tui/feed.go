package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/phaseboard/notify/internal/event"
)

const maxFeedEntries = 500

// feedEntry is a single rendered event in the feed.
type feedEntry struct {
	ReceivedAt time.Time
	Event      event.StateChangeEvent
}

// feedModel holds the scrollable event feed state.
type feedModel struct {
	Entries []feedEntry
	Offset  int // scroll offset from the bottom; 0 = following
}

// Add appends an event and caps the buffer. When the feed is scrolled back,
// the offset grows so the visible window stays put.
func (f *feedModel) Add(ev event.StateChangeEvent) {
	f.Entries = append(f.Entries, feedEntry{ReceivedAt: time.Now(), Event: ev})
	if len(f.Entries) > maxFeedEntries {
		f.Entries = f.Entries[len(f.Entries)-maxFeedEntries:]
	}
	if f.Offset > 0 {
		f.ScrollUp(1)
	}
}

// Clear discards all entries.
func (f *feedModel) Clear() {
	f.Entries = nil
	f.Offset = 0
}

// ScrollUp moves the window toward older entries.
func (f *feedModel) ScrollUp(n int) {
	f.Offset += n
	max := len(f.Entries) - 1
	if max < 0 {
		max = 0
	}
	if f.Offset > max {
		f.Offset = max
	}
}

// ScrollDown moves the window toward newer entries.
func (f *feedModel) ScrollDown(n int) {
	f.Offset -= n
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ScrollToBottom resumes following the newest entries.
func (f *feedModel) ScrollToBottom() {
	f.Offset = 0
}

// View renders the visible window of the feed.
func (f feedModel) View(width, height int) string {
	if height < 1 {
		height = 1
	}
	if len(f.Entries) == 0 {
		return styleDimmed.Render("  Waiting for events...")
	}

	end := len(f.Entries) - f.Offset
	start := end - height
	if start < 0 {
		start = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		lines = append(lines, renderEntry(f.Entries[i], width))
	}

	if f.Offset > 0 {
		lines = append(lines, styleDimmed.Render(fmt.Sprintf(" ↓ %d newer", f.Offset)))
	}

	return strings.Join(lines, "\n")
}

func renderEntry(e feedEntry, width int) string {
	ts := styleDimmed.Render(e.ReceivedAt.Format("15:04:05.000"))
	glyph := lipgloss.NewStyle().Foreground(kindColor(e.Event.Kind)).Render(kindGlyph(e.Event.Kind))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Event.Kind)).Width(16).Render(string(e.Event.Kind))
	project := fmt.Sprintf("#%d", e.Event.ProjectNumber)

	detail := e.Event.ItemID
	if maxDetail := width - 36; maxDetail > 3 && len(detail) > maxDetail {
		detail = detail[:maxDetail-3] + "..."
	}

	return fmt.Sprintf("%s %s %s %-5s %s", ts, glyph, kind, project, detail)
}
