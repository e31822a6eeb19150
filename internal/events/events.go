// Package events is an in-process, in-memory pub/sub for execution
// progress: workflow status transitions, step starts/completions, and
// log lines, fanned out to whatever local subscriber wants to tail an
// execution (an in-process test). There is no
// wire transport here — events never leave the process.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind discriminates what happened.
type Kind string

const (
	KindExecutionStatus Kind = "execution_status"
	KindStepStarted     Kind = "step_started"
	KindStepCompleted   Kind = "step_completed"
	KindStepFailed      Kind = "step_failed"
	KindLog             Kind = "log"
)

// Event is one notification about an execution in flight.
type Event struct {
	ExecutionID string
	Kind        Kind
	Step        string
	Status      string
	Message     string
	Err         string
	At          time.Time
}

// Bus fans events for one execution out to every subscriber currently
// watching it: one clientID-keyed channel per execution, broadcast-or-
// drop-and-unsubscribe on a full channel, collapsed into a single
// per-execution stream rather than separate execution/step/metrics/log
// streams.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[string]chan *Event
	logger *zap.Logger
}

// NewBus builds an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[string]chan *Event),
		logger: logger.With(zap.String("component", "events")),
	}
}

// Subscribe registers clientID for executionID's events and returns a
// buffered channel plus an unsubscribe func the caller must call exactly
// once when done watching.
func (b *Bus) Subscribe(executionID, clientID string, bufferSize int) (<-chan *Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	ch := make(chan *Event, bufferSize)

	b.mu.Lock()
	if b.subs[executionID] == nil {
		b.subs[executionID] = make(map[string]chan *Event)
	}
	b.subs[executionID][clientID] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { b.unsubscribe(executionID, clientID) })
	}
	return ch, unsubscribe
}

func (b *Bus) unsubscribe(executionID, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients, ok := b.subs[executionID]
	if !ok {
		return
	}
	if ch, ok := clients[clientID]; ok {
		close(ch)
		delete(clients, clientID)
	}
	if len(clients) == 0 {
		delete(b.subs, executionID)
	}
}

// Publish broadcasts ev to every subscriber of ev.ExecutionID. A
// subscriber whose channel is full is dropped rather than allowed to
// block the publisher: log and close the subscription.
func (b *Bus) Publish(ev *Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	clients := b.subs[ev.ExecutionID]
	b.mu.RUnlock()
	if len(clients) == 0 {
		return
	}
	for clientID, ch := range clients {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping subscription",
				zap.String("execution_id", ev.ExecutionID), zap.String("client_id", clientID))
			go b.unsubscribe(ev.ExecutionID, clientID)
		}
	}
}

// Stats reports current fan-out load for operational visibility.
func (b *Bus) Stats() (streams, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	streams = len(b.subs)
	for _, clients := range b.subs {
		subscribers += len(clients)
	}
	return streams, subscribers
}
