// Package events publishes migration progress events to external sinks.
//
// The engine persists every event to the state store first; sinks here are
// best-effort fan-out on top of that durable log. Delivery is at-least-once
// for the webhook sink and fire-and-forget for SNS.
package events

import "github.com/shiftdb/shift/internal/state"

// Publisher fans a persisted run event out to an external sink.
type Publisher interface {
	// Publish hands the event to the sink. It must not block the caller;
	// implementations queue internally and deliver in the background.
	Publish(e state.Event)
	// Close stops background delivery and waits for in-flight work.
	Close()
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(state.Event) {}
func (Nop) Close()              {}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(e state.Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}
