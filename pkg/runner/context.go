package runner

import (
	"sync"
	"time"
)

// ChangeRecord is one entry in a Context's audit history.
type ChangeRecord struct {
	// Key is the key that was written.
	Key string `json:"key"`

	// Old is the previous value, nil if the key was absent.
	Old any `json:"old_value"`

	// New is the written value.
	New any `json:"new_value"`

	// Who attributes the mutation to a step name or engine component.
	Who string `json:"who"`

	// Timestamp is when the mutation happened.
	Timestamp time.Time `json:"timestamp"`
}

// Context is the shared, attributed key-value store steps use to exchange
// data and that records execution metadata. Every mutation is attributed
// to a "who" string and appended to an audit history. Reads never fail:
// a missing key yields the caller's default. The store is safe for
// concurrent use.
//
// The engine does not enforce key namespacing; attribution is by
// convention. Engine-owned keys use the "ladle." and "steps." prefixes.
type Context struct {
	mu      sync.RWMutex
	values  map[string]any
	history []ChangeRecord
}

// NewContext creates an empty execution context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Get returns the value stored under key, or def if the key is absent.
func (c *Context) Get(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// Set stores value under key, attributing the write to who. Writes
// always succeed.
func (c *Context) Set(key string, value any, who string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.values[key]
	c.values[key] = value
	c.history = append(c.history, ChangeRecord{
		Key:       key,
		Old:       old,
		New:       value,
		Who:       who,
		Timestamp: time.Now(),
	})
}

// Keys returns all present keys in unspecified order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// History returns a copy of the append-only change history, oldest first.
func (c *Context) History() []ChangeRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ChangeRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Snapshot returns a shallow copy of the current values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
