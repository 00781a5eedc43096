package control

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a control event from the orchestrator
type Event int

const (
	EventNone        Event = iota
	EventReconfigure       // Load new session parameters and start a session
	EventTrigger           // Start one more acquisition (BufferedTriggered only)
	EventEndSegment        // Stop the current acquisition, and the session
)

func (e Event) String() string {
	switch e {
	case EventReconfigure:
		return "Reconfigure"
	case EventTrigger:
		return "Trigger"
	case EventEndSegment:
		return "EndSegment"
	}
	return "None"
}

// Mailbox holds at most one pending event. A new event overwrites one that has not
// been taken yet, so only the latest event is ever seen.
type Mailbox struct {
	lock    sync.Mutex
	pending Event
	wake    chan struct{} // Capacity 1. Holds a token while an event is pending.
	posted  atomic.Uint64
	dropped atomic.Uint64
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		wake: make(chan struct{}, 1),
	}
}

// Put stores ev, replacing any event that is still pending.
// Returns the event that was replaced, or EventNone.
func (m *Mailbox) Put(ev Event) Event {
	m.lock.Lock()
	replaced := m.pending
	m.pending = ev
	m.lock.Unlock()

	m.posted.Add(1)
	if replaced != EventNone {
		m.dropped.Add(1)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return replaced
}

// Peek returns the pending event without taking it
func (m *Mailbox) Peek() Event {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pending
}

// TryTake removes and returns the pending event, or EventNone if there is none
func (m *Mailbox) TryTake() Event {
	m.lock.Lock()
	defer m.lock.Unlock()
	ev := m.pending
	m.pending = EventNone
	return ev
}

// TakeIf removes the pending event only if it is ev
func (m *Mailbox) TakeIf(ev Event) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pending != ev {
		return false
	}
	m.pending = EventNone
	return true
}

// Wait blocks until an event is pending, and takes it
func (m *Mailbox) Wait(ctx context.Context) (Event, error) {
	for {
		if ev := m.TryTake(); ev != EventNone {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return EventNone, ctx.Err()
		case <-m.wake:
		}
	}
}

// Number of events posted since creation
func (m *Mailbox) Posted() uint64 {
	return m.posted.Load()
}

// Number of events that were overwritten before anybody took them
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}
