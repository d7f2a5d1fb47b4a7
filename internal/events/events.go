// Package events carries engine reporting events to logging and alerting sinks.
package events

import (
	"sync"
	"time"

	"github.com/vadiminshakov/arbit/internal/domain"
)

// Type of a reporting event.
type Type string

const (
	// TypeOpportunity a candidate cleared the profit threshold.
	TypeOpportunity Type = "opportunity"
	// TypeExecution an execution changed state.
	TypeExecution Type = "execution"
	// TypeRiskTripped the risk guard halted new executions.
	TypeRiskTripped Type = "risk_tripped"
	// TypeFatal an unwind failed, operator intervention required.
	TypeFatal Type = "fatal"
	// TypeSummary session totals on shutdown.
	TypeSummary Type = "summary"
)

// Event is a structured reporting record. Uses pointers for the heavy payloads
// so routine events stay cheap to fan out.
type Event struct {
	Type        Type                `json:"type"`
	At          time.Time           `json:"at"`
	Pair        string              `json:"pair"`
	Message     string              `json:"message,omitempty"`
	Opportunity *domain.Opportunity `json:"opportunity,omitempty"`
	Execution   *domain.Execution   `json:"execution,omitempty"`
}

// Broadcaster fans out events to all subscribers via buffered channels.
// It keeps the API intentionally small so call sites can stay straightforward.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping if a reader is slow.
// Reporting must never stall the decision path.
func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
