package types

// EventType tags an output event variant.
type EventType string

const (
	EventText      EventType = "text"
	EventImage     EventType = "image"
	EventError     EventType = "error"
	EventStreamEnd EventType = "stream_end"
)

// OutputEvent is one element of the ordered, single-consumer stream produced
// by an execution. The sequence is finite and terminated by a StreamEnd
// event; StreamEnd itself is never serialized to callers, it only closes the
// stream.
type OutputEvent struct {
	Type EventType

	// EventText
	Text string

	// EventImage
	Image  []byte
	Format string

	// EventError
	Message   string
	Traceback []string
	// Cause carries the sentinel behind orchestrator-generated error events
	// (timeout, kernel death) so consumers can classify without matching
	// message text. Nil for errors raised by the executed code itself.
	Cause error
}

// TextEvent builds a text output event.
func TextEvent(text string) OutputEvent {
	return OutputEvent{Type: EventText, Text: text}
}

// ImageEvent builds an image output event.
func ImageEvent(data []byte, format string) OutputEvent {
	return OutputEvent{Type: EventImage, Image: data, Format: format}
}

// ErrorEvent builds an error output event carrying the traceback verbatim.
func ErrorEvent(message string, traceback []string) OutputEvent {
	return OutputEvent{Type: EventError, Message: message, Traceback: traceback}
}

// FailureEvent builds an error output event from an orchestrator sentinel,
// keeping the sentinel available for errors.Is classification.
func FailureEvent(cause error) OutputEvent {
	return OutputEvent{Type: EventError, Message: cause.Error(), Cause: cause}
}

// EndEvent terminates a stream.
func EndEvent() OutputEvent {
	return OutputEvent{Type: EventStreamEnd}
}
