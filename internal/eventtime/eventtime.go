// Package eventtime produces monotonic (time_us, counter) stamps used to
// totally order events within one conversation. Consumers must sort by the
// pair; delivery order carries no guarantee.
package eventtime

import (
	"sync"
	"time"
)

// Stamp is a composite ordering key. Stamps from one Clock are strictly
// increasing under dictionary order even when the wall clock stalls or
// jumps backward within the process.
type Stamp struct {
	TimeUs  int64 `json:"event_time_us"`
	Counter int32 `json:"event_counter"`
}

// Less reports whether s orders before other.
func (s Stamp) Less(other Stamp) bool {
	if s.TimeUs != other.TimeUs {
		return s.TimeUs < other.TimeUs
	}
	return s.Counter < other.Counter
}

// Clock generates stamps for a single conversation. Safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	now     func() time.Time
	lastUs  int64
	counter int32
}

// NewClock creates a Clock reading the system wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns the next stamp. The counter resets to 0 whenever the
// microsecond timestamp strictly advances, otherwise it increments and the
// timestamp is pinned at its previous value.
func (c *Clock) Next() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	us := c.now().UTC().UnixMicro()
	if us > c.lastUs {
		c.lastUs = us
		c.counter = 0
	} else {
		// Clock stalled or moved backward — hold the timestamp and bump
		// the counter so ordering stays strict.
		c.counter++
	}
	return Stamp{TimeUs: c.lastUs, Counter: c.counter}
}

// Registry hands out one Clock per conversation id.
type Registry struct {
	clocks sync.Map // conversation id → *Clock
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// For returns the clock for a conversation, creating it on first use.
func (r *Registry) For(conversationID string) *Clock {
	if c, ok := r.clocks.Load(conversationID); ok {
		return c.(*Clock)
	}
	c, _ := r.clocks.LoadOrStore(conversationID, NewClock())
	return c.(*Clock)
}

// Forget drops the clock for a conversation (e.g. after deletion).
func (r *Registry) Forget(conversationID string) {
	r.clocks.Delete(conversationID)
}
