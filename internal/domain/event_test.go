package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func created(seq int64, state State) Event {
	return Event{ID: "ev-created", Type: EventCreated, NewState: state, Sequence: seq}
}

func change(seq int64, from, to State) Event {
	return Event{ID: "ev-change", Type: EventStatusChange, PreviousState: from, NewState: to, Sequence: seq}
}

func note(seq int64) Event {
	return Event{ID: "ev-note", Type: EventNoteAdded, Notes: "called customer", Sequence: seq}
}

func TestReplayStates(t *testing.T) {
	states, err := ReplayStates([]Event{
		created(1, "pending"),
		note(2),
		change(3, "pending", "confirmed"),
		change(4, "confirmed", "processing"),
	})
	require.NoError(t, err)
	assert.Equal(t, []State{"pending", "confirmed", "processing"}, states)

	states, err = ReplayStates(nil)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestReplayStates_BrokenHistory(t *testing.T) {
	tests := []struct {
		name    string
		events  []Event
		wantErr string
	}{
		{name: "sequence gap", events: []Event{created(1, "pending"), change(3, "pending", "confirmed")}, wantErr: "sequence 3, expected 2"},
		{name: "change before created", events: []Event{change(1, "pending", "confirmed")}, wantErr: "status change before created"},
		{name: "second created", events: []Event{created(1, "pending"), created(2, "pending")}, wantErr: "created event after history start"},
		{name: "chain mismatch", events: []Event{created(1, "pending"), change(2, "confirmed", "processing")}, wantErr: "does not match"},
		{name: "unknown type", events: []Event{{ID: "ev-x", Type: "renamed", Sequence: 1}}, wantErr: ErrEventTypeInvalid.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReplayStates(tt.events)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestActorNormalize(t *testing.T) {
	assert.Equal(t, Actor{Type: ActorSystem}, Actor{}.Normalize())
	assert.Equal(t, Actor{Type: ActorAdmin, ID: "op-1", Name: "Operator"},
		Actor{Type: " Admin ", ID: " op-1", Name: "Operator "}.Normalize())

	assert.True(t, ActorUser.Valid())
	assert.False(t, ActorType("robot").Valid())
	assert.Equal(t, ActorSystem, SystemActor("sla-sweep").Type)
}

func TestEntityClone(t *testing.T) {
	src := Entity{ID: "ord-1", Attributes: map[string]string{"carrier": "dhl"}}
	dst := src.Clone()
	dst.Attributes["carrier"] = "ups"

	assert.Equal(t, "dhl", src.Attributes["carrier"])
	assert.Nil(t, Entity{ID: "ord-2"}.Clone().Attributes)
}

func TestDomainAndEventTypeValid(t *testing.T) {
	for _, d := range Domains() {
		assert.True(t, d.Valid(), d)
	}
	assert.False(t, Domain("invoice").Valid())

	for _, typ := range []EventType{EventCreated, EventStatusChange, EventNoteAdded} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, EventType("deleted").Valid())
}
