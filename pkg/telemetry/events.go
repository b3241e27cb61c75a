package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle event emitted during recipe execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type (see the EventType constants).
	Type string `json:"type"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Recipe is the recipe name, if applicable.
	Recipe string `json:"recipe,omitempty"`

	// Step is the step name, if applicable.
	Step string `json:"step,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeRunStarted    = "recipe.started"
	EventTypeRunCompleted  = "recipe.completed"
	EventTypeRunFailed     = "recipe.failed"
	EventTypeRunCancelled  = "recipe.cancelled"
	EventTypeStepStarted   = "step.started"
	EventTypeStepCompleted = "step.completed"
	EventTypeStepFailed    = "step.failed"
	EventTypeStepRetrying  = "step.retrying"
	EventTypeStepSkipped   = "step.skipped"
)

// Event level constants.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles published events. Subscribers run on the
// publisher's dispatch goroutine and should return quickly.
type EventSubscriber func(event Event)

// EventFilter decides whether a subscriber receives an event.
type EventFilter func(event Event) bool

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// EventPublisher buffers events and dispatches them asynchronously to
// subscribers. A publisher built from a disabled config drops everything;
// Publish is also safe on a nil receiver.
type EventPublisher struct {
	config EventsConfig
	buffer chan Event

	mu          sync.RWMutex
	subscribers []subscriberEntry

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	dropped uint64
}

// NewEventPublisher creates a new event publisher with the given
// configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, size),
		done:   make(chan struct{}),
	}

	ep.wg.Add(1)
	go ep.dispatch()

	return ep, nil
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (p *EventPublisher) Subscribe(sub EventSubscriber, filter EventFilter) {
	if p == nil || p.buffer == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, subscriberEntry{subscriber: sub, filter: filter})
}

// Publish enqueues an event for asynchronous dispatch. Events are
// stamped with an ID and timestamp if missing. When the buffer is full
// the event is dropped after the configured timeout rather than blocking
// execution.
func (p *EventPublisher) Publish(event Event) {
	if p == nil || p.buffer == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if p.config.PublishTimeout <= 0 {
		select {
		case p.buffer <- event:
		default:
			p.noteDropped()
		}
		return
	}

	timer := time.NewTimer(p.config.PublishTimeout)
	defer timer.Stop()
	select {
	case p.buffer <- event:
	case <-timer.C:
		p.noteDropped()
	case <-p.done:
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (p *EventPublisher) Dropped() uint64 {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Close stops dispatching after draining buffered events.
func (p *EventPublisher) Close() {
	if p == nil || p.buffer == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *EventPublisher) noteDropped() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

func (p *EventPublisher) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.buffer:
			p.deliver(event)
		case <-p.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case event := <-p.buffer:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *EventPublisher) deliver(event Event) {
	p.mu.RLock()
	subs := make([]subscriberEntry, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.RUnlock()

	for _, entry := range subs {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}
