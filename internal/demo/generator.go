// Package demo emits synthetic state-change events so the server can be run
// and observed without a real event source.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/phaseboard/notify/internal/event"
)

type demoProject struct {
	number int
	name   string
	phases []string
	phase  int
	items  []string
}

// Generator drives a fixed set of fictional projects through phase changes
// and item updates.
type Generator struct {
	bus      *event.Bus
	interval time.Duration
	projects []*demoProject
}

func NewGenerator(bus *event.Bus, interval time.Duration) *Generator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Generator{
		bus:      bus,
		interval: interval,
		projects: []*demoProject{
			{
				number: 72, name: "Platform Migration",
				phases: []string{"Backlog", "In Progress", "In Review", "Done"},
				items:  []string{"PVTI_alpha01", "PVTI_alpha02", "PVTI_alpha03", "PVTI_alpha04"},
			},
			{
				number: 80, name: "Mobile Redesign",
				phases: []string{"Triage", "Design", "Build", "Ship"},
				items:  []string{"PVTI_beta01", "PVTI_beta02", "PVTI_beta03"},
			},
			{
				number: 91, name: "Billing Cleanup",
				phases: []string{"Todo", "Doing", "Done"},
				items:  []string{"PVTI_gamma01", "PVTI_gamma02"},
			},
		},
	}
}

// Start begins emitting in the background until the context is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			g.bus.Emit(g.nextEvent(tick))
		}
	}
}

// nextEvent fabricates one event: mostly item updates, with a phase change
// roughly every fifth tick and an occasional project-level update.
func (g *Generator) nextEvent(tick int) event.StateChangeEvent {
	p := g.projects[tick%len(g.projects)]
	now := time.Now()

	switch {
	case tick%5 == 0:
		p.phase = (p.phase + 1) % len(p.phases)
		payload, _ := json.Marshal(map[string]string{
			"project": p.name,
			"phase":   p.phases[p.phase],
		})
		return event.StateChangeEvent{
			Kind:          event.KindPhaseChanged,
			ProjectNumber: p.number,
			Payload:       payload,
			Timestamp:     now,
			ItemID:        p.items[rand.Intn(len(p.items))],
		}

	case tick%7 == 0:
		payload, _ := json.Marshal(map[string]string{
			"project": p.name,
			"field":   "description",
		})
		return event.StateChangeEvent{
			Kind:          event.KindProjectUpdated,
			ProjectNumber: p.number,
			Payload:       payload,
			Timestamp:     now,
		}

	default:
		payload, _ := json.Marshal(map[string]string{
			"project": p.name,
			"field":   fmt.Sprintf("comment-%d", tick),
		})
		return event.StateChangeEvent{
			Kind:          event.KindIssueUpdated,
			ProjectNumber: p.number,
			Payload:       payload,
			Timestamp:     now,
			ItemID:        p.items[rand.Intn(len(p.items))],
		}
	}
}
