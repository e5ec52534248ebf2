package client

import (
	"log"

	"github.com/phaseboard/notify/internal/event"
)

// flushBatch runs when the batch window fires: it takes the queued events
// and a handler snapshot out of the lock, then dispatches. A stale generation
// means a newer timer owns the batch now, so this firing does nothing.
func (c *Client) flushBatch(gen uint64) {
	c.mu.Lock()
	if gen != c.batchGen {
		c.mu.Unlock()
		return
	}
	events := c.batch
	c.batch = nil
	c.batchTimer = nil
	handlers := c.snapshotHandlersLocked()
	c.mu.Unlock()

	dispatchBatch(events, handlers)
}

func (c *Client) snapshotHandlersLocked() map[event.Kind][]Handler {
	handlers := make(map[event.Kind][]Handler, len(c.handlers))
	for kind, hs := range c.handlers {
		handlers[kind] = append([]Handler(nil), hs...)
	}
	return handlers
}

// dispatchBatch groups events by kind (kinds in first-appearance order) and
// invokes every handler registered for that kind, plus every wildcard
// handler, with each event in arrival order.
func dispatchBatch(events []event.StateChangeEvent, handlers map[event.Kind][]Handler) {
	if len(events) == 0 {
		return
	}

	groups := make(map[event.Kind][]event.StateChangeEvent)
	var kinds []event.Kind
	for _, ev := range events {
		if _, seen := groups[ev.Kind]; !seen {
			kinds = append(kinds, ev.Kind)
		}
		groups[ev.Kind] = append(groups[ev.Kind], ev)
	}

	for _, kind := range kinds {
		hs := append(append([]Handler(nil), handlers[kind]...), handlers[KindAny]...)
		for _, h := range hs {
			for _, ev := range groups[kind] {
				invoke(h, ev)
			}
		}
	}
}

// invoke shields the dispatch loop from a panicking handler; one faulty
// consumer must not stop delivery to the rest.
func invoke(h Handler, ev event.StateChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify client: handler panic on %s: %v", ev.Kind, r)
		}
	}()
	h(ev)
}
