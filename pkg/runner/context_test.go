package runner

import (
	"sync"
	"testing"
)

func TestContext_GetSetHas(t *testing.T) {
	ec := NewContext()

	if ec.Has("missing") {
		t.Error("Expected missing key to be absent")
	}
	if got := ec.Get("missing", "default"); got != "default" {
		t.Errorf("Expected default for missing key, got %v", got)
	}

	ec.Set("greeting", "hello", "step-a")
	if !ec.Has("greeting") {
		t.Error("Expected key after Set")
	}
	if got := ec.Get("greeting", nil); got != "hello" {
		t.Errorf("Expected hello, got %v", got)
	}

	// Nil is a storable value, distinct from absence.
	ec.Set("empty", nil, "step-a")
	if !ec.Has("empty") {
		t.Error("Expected explicitly-set nil key to be present")
	}
	if got := ec.Get("empty", "default"); got != nil {
		t.Errorf("Expected stored nil, got %v", got)
	}
}

func TestContext_HistoryAttribution(t *testing.T) {
	ec := NewContext()

	ec.Set("count", 1, "step-a")
	ec.Set("count", 2, "step-b")

	history := ec.History()
	if len(history) != 2 {
		t.Fatalf("Expected 2 change records, got %d", len(history))
	}

	first := history[0]
	if first.Who != "step-a" || first.Old != nil || first.New != 1 {
		t.Errorf("Unexpected first record: %+v", first)
	}
	second := history[1]
	if second.Who != "step-b" || second.Old != 1 || second.New != 2 {
		t.Errorf("Unexpected second record: %+v", second)
	}
	if second.Timestamp.Before(first.Timestamp) {
		t.Error("Expected history in chronological order")
	}
}

func TestContext_SnapshotIsIsolated(t *testing.T) {
	ec := NewContext()
	ec.Set("k", "v", "test")

	snap := ec.Snapshot()
	snap["k"] = "mutated"
	snap["extra"] = true

	if got := ec.Get("k", nil); got != "v" {
		t.Errorf("Snapshot mutation leaked into context: %v", got)
	}
	if ec.Has("extra") {
		t.Error("Snapshot addition leaked into context")
	}
}

func TestContext_ConcurrentAccess(t *testing.T) {
	ec := NewContext()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ec.Set("shared", j, "writer")
				_ = ec.Get("shared", nil)
				_ = ec.Keys()
			}
		}(i)
	}
	wg.Wait()

	if len(ec.History()) != 800 {
		t.Errorf("Expected 800 change records, got %d", len(ec.History()))
	}
}
