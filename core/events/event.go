package events

// Event represents a structured state change emitted by the ledger, such as
// an asset being listed, sold, or reclaimed.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream consumers (receipts, the activity
// journal, test harnesses).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines start with it so emission is always safe.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
