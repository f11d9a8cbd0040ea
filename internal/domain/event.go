package domain

import (
	"fmt"
	"time"
)

// EventType: тип записи в журнале событий.
type EventType string

const (
	EventCreated      EventType = "created"
	EventStatusChange EventType = "status_change"
	EventNoteAdded    EventType = "note_added"
)

// Valid проверяет, что тип события поддерживается.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventStatusChange, EventNoteAdded:
		return true
	default:
		return false
	}
}

// Event: неизменяемая запись журнала. Исправления делаются только компенсирующими событиями.
type Event struct {
	ID       string
	EntityID string
	Domain   Domain
	Type     EventType
	// PreviousState пустое для created и note_added.
	PreviousState State
	// NewState пустое для note_added.
	NewState State
	Actor    Actor
	Notes    string
	Metadata []byte
	// Sequence: порядковый номер события внутри сущности, начиная с 1.
	Sequence  int64
	CreatedAt time.Time
}

// ReplayStates восстанавливает последовательность состояний сущности по журналу
// и проверяет, что в истории нет разрывов.
func ReplayStates(events []Event) ([]State, error) {
	states := make([]State, 0, len(events))
	var current State
	var expectedSeq int64 = 1

	for _, ev := range events {
		if ev.Sequence != expectedSeq {
			return nil, fmt.Errorf("event %s: sequence %d, expected %d", ev.ID, ev.Sequence, expectedSeq)
		}
		expectedSeq++

		switch ev.Type {
		case EventCreated:
			if len(states) != 0 {
				return nil, fmt.Errorf("event %s: created event after history start", ev.ID)
			}
			current = ev.NewState
			states = append(states, current)
		case EventStatusChange:
			if len(states) == 0 {
				return nil, fmt.Errorf("event %s: status change before created", ev.ID)
			}
			if ev.PreviousState != current {
				return nil, fmt.Errorf("event %s: previous state %q does not match %q", ev.ID, ev.PreviousState, current)
			}
			current = ev.NewState
			states = append(states, current)
		case EventNoteAdded:
		default:
			return nil, fmt.Errorf("event %s: %w", ev.ID, ErrEventTypeInvalid)
		}
	}

	return states, nil
}
