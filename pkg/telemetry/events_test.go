package telemetry

import (
	"sync"
	"testing"
	"time"
)

func newTestPublisher(t *testing.T) *EventPublisher {
	t.Helper()
	p, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	return p
}

func TestEventPublisher_DeliversToSubscriber(t *testing.T) {
	p := newTestPublisher(t)

	var mu sync.Mutex
	var received []Event
	p.Subscribe(func(event Event) {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
	}, nil)

	p.Publish(Event{Type: EventTypeRunStarted, Recipe: "r", Message: "started"})
	p.Publish(Event{Type: EventTypeRunCompleted, Recipe: "r", Message: "done"})
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(received))
	}
	if received[0].Type != EventTypeRunStarted {
		t.Errorf("Expected ordered delivery, got %s first", received[0].Type)
	}
	if received[0].ID == "" || received[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be stamped")
	}
}

func TestEventPublisher_FilterLimitsDelivery(t *testing.T) {
	p := newTestPublisher(t)

	var mu sync.Mutex
	count := 0
	p.Subscribe(func(event Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, func(event Event) bool {
		return event.Type == EventTypeStepFailed
	})

	p.Publish(Event{Type: EventTypeStepStarted})
	p.Publish(Event{Type: EventTypeStepFailed})
	p.Publish(Event{Type: EventTypeStepCompleted})
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("Expected 1 filtered event, got %d", count)
	}
}

func TestEventPublisher_DisabledIsNoop(t *testing.T) {
	p, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	// Must not panic or block.
	p.Subscribe(func(Event) { t.Error("Disabled publisher delivered an event") }, nil)
	p.Publish(Event{Type: EventTypeRunStarted})
	p.Close()
}

func TestEventPublisher_NilSafe(t *testing.T) {
	var p *EventPublisher
	p.Publish(Event{Type: EventTypeRunStarted})
	p.Close()
	if p.Dropped() != 0 {
		t.Error("Expected zero drops on nil publisher")
	}
}

func TestEventPublisher_DropsWhenFull(t *testing.T) {
	// No dispatch consumer keeps up: tiny buffer, no subscribers, and
	// the dispatcher intentionally slowed by a blocking subscriber.
	p, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer p.Close()

	block := make(chan struct{})
	p.Subscribe(func(Event) { <-block }, nil)

	for i := 0; i < 50; i++ {
		p.Publish(Event{Type: EventTypeStepStarted})
	}

	deadline := time.After(time.Second)
	for p.Dropped() == 0 {
		select {
		case <-deadline:
			close(block)
			t.Fatal("Expected drops on a saturated buffer")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(block)
}

func TestMetrics_DisabledIsNilSafe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RunStarted()
	m.RunCompleted("succeeded", time.Second)
	m.StepExecuted("failed", time.Second)
	m.StepRetried()
	m.ErrorObserved("timeout")
	if m.Handler() != nil {
		t.Error("Expected nil handler when disabled")
	}

	var nilMetrics *Metrics
	nilMetrics.RunStarted()
	nilMetrics.RunCompleted("succeeded", 0)
}

func TestMetrics_EnabledRegistersCollectors(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "ladle"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RunStarted()
	m.StepExecuted("succeeded", time.Second)
	m.RunCompleted("succeeded", 2*time.Second)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, want := range []string{
		"ladle_runs_started_total",
		"ladle_runs_completed_total",
		"ladle_steps_executed_total",
		"ladle_active_runs",
	} {
		if !names[want] {
			t.Errorf("Expected metric family %s, got %v", want, names)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config must validate: %v", err)
	}

	cfg.Logging.Level = "screaming"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unknown log level")
	}
}
