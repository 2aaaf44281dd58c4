package pipeline

import "medibot/internal/models"

type EventType string

const (
	EventAnswer     EventType = "answer"
	EventStepImages EventType = "step_images"
	EventError      EventType = "error"

	// EventAck is sent once the request passed the gates, and again when the
	// router escalates. Clients discard answer fragments received before a
	// repeated ack.
	EventAck EventType = "ack"

	// EventDone carries the final response, which is authoritative over any
	// streamed fragments.
	EventDone EventType = "done"
)

// Event is one progress notification of SubmitStream.
type Event struct {
	Type      EventType
	RequestID string
	Language  string
	Decision  *models.RouteDecision
	Delta     string
	Steps     []models.StepIllustration
	Response  *models.ChatResponse
	Err       error
}

// Emit delivers an event to the client. Returning an error stops delivery.
type Emit func(Event) error

// stream is nil for non-streaming requests; all methods tolerate that.
type stream struct {
	emit   Emit
	closed bool
}

func (s *stream) send(e Event) {
	if s == nil || s.closed || s.emit == nil {
		return
	}
	if err := s.emit(e); err != nil {
		s.closed = true
	}
}
