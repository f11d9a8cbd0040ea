package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/lifecycle/internal/domain"
	"github.com/vladislavdragonenkov/lifecycle/internal/service/coordinator"
)

// CreateRequest: тело POST /api/v1/{domain}.
type CreateRequest struct {
	ID         string            `json:"id"`
	Reference  string            `json:"reference"`
	Attributes map[string]string `json:"attributes"`
	Notes      string            `json:"notes"`
	Metadata   json.RawMessage   `json:"metadata"`
}

// TransitionRequest: тело POST /api/v1/{domain}/{id}/transitions.
type TransitionRequest struct {
	NewState    string          `json:"new_state"`
	Notes       string          `json:"notes"`
	NotifyActor bool            `json:"notify_actor"`
	Metadata    json.RawMessage `json:"metadata"`
}

// NoteRequest: тело POST /api/v1/{domain}/{id}/notes.
type NoteRequest struct {
	Notes string `json:"notes" binding:"required"`
}

type transitionOptionDTO struct {
	State       domain.State `json:"state"`
	DisplayName string       `json:"display_name"`
}

type slaDTO struct {
	Status     domain.SLAStatus `json:"status,omitempty"`
	Deadline   *time.Time       `json:"deadline,omitempty"`
	BreachedAt *time.Time       `json:"breached_at,omitempty"`
}

type entityDTO struct {
	ID                   string                `json:"id"`
	Domain               domain.Domain         `json:"domain"`
	State                domain.State          `json:"state"`
	StateLabel           string                `json:"state_label"`
	Reference            string                `json:"reference,omitempty"`
	Attributes           map[string]string     `json:"attributes,omitempty"`
	Version              int64                 `json:"version"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	AvailableTransitions []transitionOptionDTO `json:"available_transitions"`
	SLA                  slaDTO                `json:"sla"`
	Flags                map[string]bool       `json:"flags,omitempty"`
}

type actorDTO struct {
	Type domain.ActorType `json:"type"`
	ID   string           `json:"id,omitempty"`
	Name string           `json:"name,omitempty"`
}

type eventDTO struct {
	ID            string           `json:"id"`
	EntityID      string           `json:"entity_id"`
	Sequence      int64            `json:"sequence"`
	Type          domain.EventType `json:"type"`
	TypeLabel     string           `json:"type_label,omitempty"`
	PreviousState domain.State     `json:"previous_state,omitempty"`
	PreviousLabel string           `json:"previous_label,omitempty"`
	NewState      domain.State     `json:"new_state,omitempty"`
	NewLabel      string           `json:"new_label,omitempty"`
	Actor         actorDTO         `json:"actor"`
	Notes         string           `json:"notes,omitempty"`
	Metadata      json.RawMessage  `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

type breachDTO struct {
	EntityID     string        `json:"entity_id"`
	Domain       domain.Domain `json:"domain"`
	State        domain.State  `json:"state"`
	Deadline     time.Time     `json:"deadline"`
	BreachedAt   *time.Time    `json:"breached_at,omitempty"`
	HoursOverdue float64       `json:"hours_overdue"`
}

type atRiskDTO struct {
	EntityID       string        `json:"entity_id"`
	Domain         domain.Domain `json:"domain"`
	State          domain.State  `json:"state"`
	Deadline       time.Time     `json:"deadline"`
	HoursRemaining float64       `json:"hours_remaining"`
}

type errorDTO struct {
	Error     string         `json:"error"`
	From      domain.State   `json:"from,omitempty"`
	To        domain.State   `json:"to,omitempty"`
	Allowed   []domain.State `json:"allowed,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func toOptions(options []coordinator.TransitionOption) []transitionOptionDTO {
	out := make([]transitionOptionDTO, 0, len(options))
	for _, o := range options {
		out = append(out, transitionOptionDTO{State: o.State, DisplayName: o.DisplayName})
	}
	return out
}

func toEntityDTO(v coordinator.View) entityDTO {
	return entityDTO{
		ID:                   v.Entity.ID,
		Domain:               v.Entity.Domain,
		State:                v.Entity.State,
		StateLabel:           v.StateLabel,
		Reference:            v.Entity.Reference,
		Attributes:           v.Entity.Attributes,
		Version:              v.Entity.Version,
		CreatedAt:            v.Entity.CreatedAt,
		UpdatedAt:            v.Entity.UpdatedAt,
		AvailableTransitions: toOptions(v.AvailableTransitions),
		SLA: slaDTO{
			Status:     v.SLA.Status,
			Deadline:   v.SLA.Deadline,
			BreachedAt: v.SLA.BreachedAt,
		},
		Flags: v.Flags,
	}
}

func toEventDTO(ev domain.Event) eventDTO {
	dto := eventDTO{
		ID:            ev.ID,
		EntityID:      ev.EntityID,
		Sequence:      ev.Sequence,
		Type:          ev.Type,
		PreviousState: ev.PreviousState,
		NewState:      ev.NewState,
		Actor:         actorDTO{Type: ev.Actor.Type, ID: ev.Actor.ID, Name: ev.Actor.Name},
		Notes:         ev.Notes,
		CreatedAt:     ev.CreatedAt,
	}
	if len(ev.Metadata) > 0 && json.Valid(ev.Metadata) {
		dto.Metadata = json.RawMessage(ev.Metadata)
	}
	return dto
}

func toTimelineDTO(entries []coordinator.TimelineEntry) []eventDTO {
	out := make([]eventDTO, 0, len(entries))
	for _, e := range entries {
		dto := toEventDTO(e.Event)
		dto.TypeLabel = e.TypeLabel
		dto.PreviousLabel = e.PreviousLabel
		dto.NewLabel = e.NewLabel
		out = append(out, dto)
	}
	return out
}
