// Package events carries operational events from the relay's
// components to whoever wants them. The executor reports each tool
// call, the pool reports connections coming and going, and the bridge
// reports tools it registered. The MQTT forwarder is the main consumer.
//
// Delivery never blocks a producer. A subscriber that falls behind
// loses events, and its Subscription counts how many.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Publishing components.
const (
	SourceExecutor = "executor"
	SourcePool     = "pool"
	SourceBridge   = "bridge"
)

// Event kinds, with the Data keys each one carries.
const (
	KindToolCall = "tool_call" // call_id, tool
	KindToolDone = "tool_done" // call_id, tool, ok, duration_ms, error

	KindConnectionUp   = "connection_up"   // server
	KindConnectionDown = "connection_down" // server, reason

	KindToolsBridged = "tools_bridged" // server, count
)

// Event is one occurrence reported by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans published events out to subscriptions. The zero value is
// not usable; call New. A nil *Bus accepts and discards events, so
// components hold one unconditionally.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is one consumer's view of the bus. Read events from C
// until it is closed by Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   map[string]bool // nil means every kind
	bus     *Bus
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// Subscribe registers a consumer with room for buf undelivered events.
// When kinds are given, only events of those kinds are delivered.
func (b *Bus) Subscribe(buf int, kinds ...string) *Subscription {
	ch := make(chan Event, buf)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Closing twice is fine.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

func (s *Subscription) offer(e Event) {
	if s.kinds != nil && !s.kinds[e.Kind] {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Publish delivers e to every interested subscription, setting
// Timestamp to now if the producer left it zero.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.offer(e)
	}
}

// Len returns the number of open subscriptions.
func (b *Bus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
