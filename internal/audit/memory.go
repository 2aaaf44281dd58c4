package audit

import (
	"sync"

	"medibot/internal/models"
)

// Memory keeps events in process; used by the CLI dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (m *Memory) Record(event models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of everything recorded.
func (m *Memory) Events() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns recorded events of type t.
func (m *Memory) OfType(t models.AuditType) []models.AuditEvent {
	var out []models.AuditEvent
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
