// Package tui implements the terminal event feed: a Bubble Tea program that
// tails a notification server through the reconnecting client and renders
// incoming state changes with delivery counters.
package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/phaseboard/notify/internal/client"
	"github.com/phaseboard/notify/internal/event"
)

// Bubble Tea messages bridged from the client's callbacks.

// connectedMsg is sent when the client (re)connects.
type connectedMsg struct{}

// disconnectedMsg is sent when the connection drops.
type disconnectedMsg struct{ Err error }

// eventMsg delivers one dispatched event.
type eventMsg struct{ Event event.StateChangeEvent }

// Model is the root Bubble Tea model.
type Model struct {
	client *client.Client
	msgs   chan tea.Msg

	keys   KeyMap
	width  int
	height int

	status statusModel
	feed   feedModel
}

// New builds the model and its client. The connection callbacks are claimed
// here so events and state changes flow through the Bubble Tea update loop;
// Init starts the connection.
func New(opts client.Options) *Model {
	m := &Model{
		msgs:   make(chan tea.Msg, 256),
		keys:   DefaultKeyMap(),
		status: statusModel{Projects: opts.Projects},
	}

	opts.OnConnect = func() { m.msgs <- connectedMsg{} }
	opts.OnDisconnect = func(err error) { m.msgs <- disconnectedMsg{Err: err} }

	m.client = client.New(opts)
	m.client.OnAny(func(ev event.StateChangeEvent) {
		m.msgs <- eventMsg{Event: ev}
	})
	return m
}

// Init starts the client connection and the message pump.
func (m *Model) Init() tea.Cmd {
	m.client.Connect()
	return m.waitMsg()
}

// waitMsg blocks on the next bridged client message.
func (m *Model) waitMsg() tea.Cmd {
	return func() tea.Msg {
		return <-m.msgs
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.status.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connectedMsg:
		m.status.Connected = true
		return m, m.waitMsg()

	case disconnectedMsg:
		m.status.Connected = false
		return m, m.waitMsg()

	case eventMsg:
		m.feed.Add(msg.Event)
		m.status.LastSequence = m.client.LastReceivedSequence()
		m.status.Stats = m.client.Stats()
		return m, m.waitMsg()
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.client.Disconnect()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		m.feed.ScrollUp(1)
	case key.Matches(msg, m.keys.Down):
		m.feed.ScrollDown(1)
	case key.Matches(msg, m.keys.PageUp):
		m.feed.ScrollUp(m.feedHeight())
	case key.Matches(msg, m.keys.PageDown):
		m.feed.ScrollDown(m.feedHeight())
	case key.Matches(msg, m.keys.Bottom):
		m.feed.ScrollToBottom()
	case key.Matches(msg, m.keys.Clear):
		m.feed.Clear()
	}
	return m, nil
}

// feedHeight is the number of feed lines that fit between the status bar and
// the help line.
func (m *Model) feedHeight() int {
	h := m.height - 5
	if h < 3 {
		h = 3
	}
	return h
}

// View renders the full TUI.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.status.View(),
		styleHeader.Render("=== EVENTS ==================================================="),
		m.feed.View(m.width, m.feedHeight()),
		styleDimmed.Render("  j/k:scroll  G:latest  c:clear  q:quit"),
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
