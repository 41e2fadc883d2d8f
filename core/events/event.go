package events

// Event represents a structured state change emitted by the market.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers such as loggers and
// metrics.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
