// Package event fans run lifecycle events out to in-process
// subscribers and, when a NATS connection is configured, to NATS
// subjects for external streaming.
package event

import (
	"sync"
	"time"
)

// Type classifies a run event.
type Type string

const (
	TypeStarted          Type = "started"
	TypeStepStarted      Type = "step_started"
	TypePartialOutput    Type = "partial_output"
	TypeValidatorEval    Type = "validator_evaluating"
	TypeValidatorResult  Type = "validator_result"
	TypeStepCompleted    Type = "step_completed"
	TypeSessionCompleted Type = "session_completed"
	TypeSessionError     Type = "session_error"
	TypeQuestionRaised   Type = "question_raised"
	TypeQuestionResolved Type = "question_resolved"
	TypePhaseChanged     Type = "phase_changed"
	TypeRunCompleted     Type = "run_completed"
	TypeRunFailed        Type = "run_failed"
)

// Event is one observation about a run. Payload is event-specific and
// must be JSON-marshalable.
type Event struct {
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Sink receives every published event. The NATS bridge implements it.
type Sink interface {
	Publish(ev Event) error
}

// Broadcaster fans events out per run. Subscribers get a buffered
// channel; a subscriber that falls behind loses events rather than
// blocking publishers.
type Broadcaster struct {
	bufferSize int
	sink       Sink

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
	closed bool
}

// NewBroadcaster creates a broadcaster. sink may be nil. bufferSize
// caps each subscriber's backlog.
func NewBroadcaster(bufferSize int, sink Sink) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broadcaster{
		bufferSize: bufferSize,
		sink:       sink,
		subs:       make(map[string]map[int]chan Event),
	}
}

// Subscribe returns a channel of events for one run and a cancel
// function. The channel is closed on cancel or broadcaster shutdown.
func (b *Broadcaster) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Event)
	}
	b.subs[runID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[runID]
		if !ok {
			return
		}
		if c, ok := set[id]; ok {
			delete(set, id)
			close(c)
		}
		if len(set) == 0 {
			delete(b.subs, runID)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its run and to
// the external sink. Delivery is best effort on both paths.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var targets []chan Event
	for _, ch := range b.subs[ev.RunID] {
		targets = append(targets, ch)
	}
	sink := b.sink
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			// Subscriber backlog full; drop rather than stall the run.
		}
	}
	if sink != nil {
		_ = sink.Publish(ev)
	}
}

// Close shuts the broadcaster down and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for runID, set := range b.subs {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
		delete(b.subs, runID)
	}
}
