// Package events fans out EventFrames to streaming subscribers: the
// Runner's ephemeral, memory-only event stream from the component design
// (§3, §4.5, §9 "Iterators and streams"). Grounded on the teacher's
// pkg/events ConnectionManager — a local fan-out table keyed by execution
// id, one buffered channel per subscriber — minus its NOTIFY/LISTEN half:
// EventFrame is not durably stored and a cross-pod relay is explicitly not
// required (SPEC_FULL.md §6), so a Broker only ever serves subscribers
// connected to its own process.
package events

import (
	"sync"

	"github.com/evalcore/orchestrator/pkg/models"
)

// subscriberBuffer bounds how many un-drained frames a slow subscriber can
// accumulate before new frames are dropped for it; the spec's streaming
// surface is advisory (clients fall back to polling /status), so dropping
// under backpressure is preferable to blocking the Runner.
const subscriberBuffer = 64

// Broker is the process-local fan-out table: every pod runs exactly one,
// shared by its HTTP edge's SSE handlers and whatever Worker or Orchestrator
// call publishes into it. Safe for concurrent use.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[int]chan models.EventFrame
	next int
}

// NewBroker builds an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan models.EventFrame)}
}

// Subscribe registers a new subscriber for executionID's frames. Cancel
// removes the subscriber and closes its channel; callers must call it
// exactly once, typically via defer.
func (b *Broker) Subscribe(executionID string) (<-chan models.EventFrame, func()) {
	ch := make(chan models.EventFrame, subscriberBuffer)

	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[int]chan models.EventFrame)
	}
	id := b.next
	b.next++
	b.subs[executionID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if m, ok := b.subs[executionID]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
			if len(m) == 0 {
				delete(b.subs, executionID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Dispatch delivers frame to every current subscriber of its ExecutionID.
// Non-blocking: a subscriber whose buffer is full is skipped rather than
// stalling the publisher.
func (b *Broker) Dispatch(frame models.EventFrame) {
	b.mu.Lock()
	subs := b.subs[frame.ExecutionID]
	chans := make([]chan models.EventFrame, 0, len(subs))
	for _, ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- frame:
		default:
		}
	}
}
