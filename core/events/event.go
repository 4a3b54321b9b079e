package events

import "bobvault/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
	// Event renders the wire representation consumed by journals and
	// subscribers.
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. journal, websocket).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter forwards every event to each wrapped emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(ev Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(ev Event) {
	r.Events = append(r.Events, ev)
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, ev.EventType())
	}
	return out
}
