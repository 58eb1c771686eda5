package events

import (
	"context"
	"sync"
	"time"

	"github.com/evalcore/orchestrator/pkg/models"
)

// Publisher assigns monotonic per-execution sequence numbers and dispatches
// EventFrames into a Broker. Grounded on the teacher's ConnectionManager/
// publisher split, minus the persistAndNotify/pg_notify half: EventFrame is
// explicitly ephemeral and in-memory only (spec §3, §9; SPEC_FULL.md §6),
// so there is no durable store and no cross-pod NOTIFY relay — a Publisher
// and its Broker live in the same process as the Runner that calls them.
type Publisher struct {
	broker *Broker

	mu   sync.Mutex
	seqs map[string]int
}

// NewPublisher builds a Publisher fanning frames into broker.
func NewPublisher(broker *Broker) *Publisher {
	return &Publisher{broker: broker, seqs: make(map[string]int)}
}

// Publish assigns the next sequence number for frame's execution and
// dispatches it. The returned sequence lets callers correlate a case's
// case_started/case_finished pair in logs.
func (p *Publisher) Publish(_ context.Context, frame models.EventFrame) int {
	p.mu.Lock()
	p.seqs[frame.ExecutionID]++
	seq := p.seqs[frame.ExecutionID]
	p.mu.Unlock()

	frame.Sequence = seq
	if frame.At.IsZero() {
		frame.At = time.Now().UTC()
	}
	p.broker.Dispatch(frame)
	return seq
}

// Forget drops the sequence counter for a finished execution so the map
// does not grow unbounded across the process lifetime.
func (p *Publisher) Forget(executionID string) {
	p.mu.Lock()
	delete(p.seqs, executionID)
	p.mu.Unlock()
}
