// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (poll coordinator, portal
// session, MQTT publisher) to subscribers (the WebSocket event stream,
// future metrics collector). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePoller identifies events from the poll coordinator.
	SourcePoller = "poller"
	// SourcePortal identifies events from the portal session client.
	SourcePortal = "portal"
	// SourceMQTT identifies events from the MQTT publisher.
	SourceMQTT = "mqtt"
	// SourceAPI identifies events from the HTTP status API.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindRefreshStart signals the beginning of a poll cycle.
	// Data: cycle_id.
	KindRefreshStart = "refresh_start"
	// KindRefreshComplete signals a successful poll cycle.
	// Data: cycle_id, duration_ms, serial.
	KindRefreshComplete = "refresh_complete"
	// KindRefreshFailed signals a failed poll cycle.
	// Data: cycle_id, kind (auth|transport|parse), error,
	// consecutive_failures.
	KindRefreshFailed = "refresh_failed"
	// KindIntervalChange signals a runtime poll interval adjustment.
	// Data: interval_minutes.
	KindIntervalChange = "interval_change"

	// KindSessionLogin signals a (re-)login against the portal.
	// Data: reason (startup|expired).
	KindSessionLogin = "session_login"

	// KindStatePublished signals MQTT sensor states were pushed.
	// Data: entities.
	KindStatePublished = "state_published"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
