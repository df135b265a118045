// Package events carries change notifications from the poll loop to
// the presentation consumers (MQTT bridge, metrics writer, websocket
// stream). Publishing on a nil *Bus is a no-op, so producers never need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceController identifies events from a site connection's poll
	// loop.
	SourceController = "controller"
	// SourceMQTT identifies events from the discovery bridge.
	SourceMQTT = "mqtt"
	// SourceAPI identifies events caused by HTTP API calls.
	SourceAPI = "api"
)

// Kinds.
const (
	// KindDataUpdated fires exactly once per poll cycle, success or
	// not. Data: entry, available, ok.
	KindDataUpdated = "data_updated"
	// KindOptionsUpdated fires when the site connection's options
	// change. Data: entry.
	KindOptionsUpdated = "options_updated"
	// KindPollStart signals the start of a poll cycle.
	// Data: entry, details.
	KindPollStart = "poll_start"
	// KindPollComplete signals the end of a poll cycle.
	// Data: entry, ok, attempts, elapsed_ms.
	KindPollComplete = "poll_complete"
	// KindSetupComplete signals the end of setup.
	// Data: entry, ok, category.
	KindSetupComplete = "setup_complete"
	// KindCommand signals a mutation sent to the controller.
	// Data: entry, command, target, ok.
	KindCommand = "command"
)

// Event is one notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events instead of stalling the poll loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to the
	// channel we own, so Unsubscribe can close it.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is Publish for the common case of a fresh event.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given
// buffer. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
