package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/phaseboard/notify/internal/client"
	"github.com/phaseboard/notify/internal/tui"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8090/ws", "WebSocket URL of the notification server")
	token := flag.String("token", "", "Auth token (if the server requires one)")
	projects := flag.String("projects", "", "Comma-separated project numbers to subscribe to (empty = all)")
	flag.Parse()

	nums, err := parseProjects(*projects)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -projects value: %v\n", err)
		os.Exit(1)
	}

	m := tui.New(client.Options{
		URL:      *wsURL,
		Token:    *token,
		Projects: nums,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseProjects turns "72,80" into []int{72, 80}.
func parseProjects(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var nums []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%q is not a project number", part)
		}
		nums = append(nums, n)
	}
	return nums, nil
}
