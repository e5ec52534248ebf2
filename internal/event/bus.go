package event

import (
	"sync"
)

// Handler receives a matching event. The bus invokes handlers synchronously
// inside Emit, so handlers must not block.
type Handler func(StateChangeEvent)

type subscription struct {
	id       int64
	projects map[int]struct{} // empty = match all
	handler  Handler
}

func (s *subscription) matches(ev StateChangeEvent) bool {
	if len(s.projects) == 0 {
		return true
	}
	_, ok := s.projects[ev.ProjectNumber]
	return ok
}

// Bus fans state-change events out to subscribers. It is the in-process
// stand-in for the upstream event source: one synchronous handler call per
// matching subscription, per emitted event.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[int64]*subscription
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int64]*subscription),
	}
}

// Subscribe registers a handler for events matching the given project
// numbers (nil or empty = all projects) and returns the subscription id.
func (b *Bus) Subscribe(h Handler, projects []int) int64 {
	sub := &subscription{handler: h}
	if len(projects) > 0 {
		sub.projects = make(map[int]struct{}, len(projects))
		for _, p := range projects {
			sub.projects[p] = struct{}{}
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored, so callers
// can unsubscribe defensively during teardown.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Emit delivers the event to every matching subscription, synchronously on
// the caller's goroutine.
func (b *Bus) Emit(ev StateChangeEvent) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ev)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
