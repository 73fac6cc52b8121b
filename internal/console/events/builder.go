package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides construction of console events with consistent defaults.
type Builder struct {
	positionID string
	device     string
}

// NewBuilder creates an event builder for one position.
func NewBuilder(positionID string) *Builder {
	return &Builder{positionID: positionID}
}

// WithDevice sets the operator device stamped on every event.
func (b *Builder) WithDevice(device string) *Builder {
	b.device = device
	return b
}

// newBase creates a BaseEvent with common fields populated.
func (b *Builder) newBase(eventType EventType, entity Entity, id string) BaseEvent {
	return BaseEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		EventTime:  time.Now().UTC(),
		PositionID: b.positionID,
		Device:     b.device,
		Entity:     entity,
		ID:         id,
	}
}

// CallStateChangedBuilder constructs CallStateChangedEvent.
type CallStateChangedBuilder struct {
	event *CallStateChangedEvent
}

// CallStateChanged starts building a CallStateChangedEvent.
func (b *Builder) CallStateChanged(callID string) *CallStateChangedBuilder {
	return &CallStateChangedBuilder{
		event: &CallStateChangedEvent{
			BaseEvent: b.newBase(CallStateChanged, EntityCall, callID),
		},
	}
}

func (cb *CallStateChangedBuilder) Transition(from, to string) *CallStateChangedBuilder {
	cb.event.From = from
	cb.event.To = to
	return cb
}

func (cb *CallStateChangedBuilder) Tone(tone string) *CallStateChangedBuilder {
	cb.event.Tone = tone
	return cb
}

func (cb *CallStateChangedBuilder) Line(lineID string) *CallStateChangedBuilder {
	cb.event.LineID = lineID
	return cb
}

func (cb *CallStateChangedBuilder) CallerDisconnected(v bool) *CallStateChangedBuilder {
	cb.event.CallerDisconnected = v
	return cb
}

func (cb *CallStateChangedBuilder) Build() *CallStateChangedEvent {
	return cb.event
}

// CallInfoChanged builds a CallInfoChangedEvent.
func (b *Builder) CallInfoChanged(callID string, info CallInfo) *CallInfoChangedEvent {
	return &CallInfoChangedEvent{
		BaseEvent: b.newBase(CallInfoChanged, EntityCall, callID),
		Info:      info,
	}
}

// AutoRequestActive builds an AutoRequestActiveEvent.
func (b *Builder) AutoRequestActive(callID string, active bool, mode string, count int) *AutoRequestActiveEvent {
	return &AutoRequestActiveEvent{
		BaseEvent: b.newBase(CallAutoRequestActive, EntityCall, callID),
		Active:    active,
		Mode:      mode,
		Count:     count,
	}
}

// ConferenceCreatedBuilder constructs ConferenceCreatedEvent.
type ConferenceCreatedBuilder struct {
	event *ConferenceCreatedEvent
}

// ConferenceCreated starts building a ConferenceCreatedEvent.
func (b *Builder) ConferenceCreated(confID string) *ConferenceCreatedBuilder {
	return &ConferenceCreatedBuilder{
		event: &ConferenceCreatedEvent{
			BaseEvent: b.newBase(ConferenceCreated, EntityConference, confID),
		},
	}
}

func (cb *ConferenceCreatedBuilder) Bridge(bridgeID string) *ConferenceCreatedBuilder {
	cb.event.BridgeID = bridgeID
	return cb
}

func (cb *ConferenceCreatedBuilder) Protocol(p string) *ConferenceCreatedBuilder {
	cb.event.Protocol = p
	return cb
}

func (cb *ConferenceCreatedBuilder) Members(callIDs []string) *ConferenceCreatedBuilder {
	cb.event.Members = callIDs
	return cb
}

func (cb *ConferenceCreatedBuilder) Build() *ConferenceCreatedEvent {
	return cb.event
}

// ConferenceStateChanged builds a ConferenceStateChangedEvent.
func (b *Builder) ConferenceStateChanged(confID, from, to string) *ConferenceStateChangedEvent {
	return &ConferenceStateChangedEvent{
		BaseEvent: b.newBase(ConferenceStateChanged, EntityConference, confID),
		From:      from,
		To:        to,
	}
}

// ConferenceEnded builds a ConferenceEndedEvent.
func (b *Builder) ConferenceEnded(confID, bridgeID, reason string) *ConferenceEndedEvent {
	return &ConferenceEndedEvent{
		BaseEvent: b.newBase(ConferenceEnded, EntityConference, confID),
		BridgeID:  bridgeID,
		Reason:    reason,
	}
}

// Participant builds a participant event of type t (added, updated or removed).
func (b *Builder) Participant(t EventType, confID string, p Participant) *ParticipantEvent {
	return &ParticipantEvent{
		BaseEvent:   b.newBase(t, EntityConference, confID),
		Participant: p,
	}
}

// OperationDone builds an OperationDoneEvent.
func (b *Builder) OperationDone(entity Entity, id, op string) *OperationDoneEvent {
	return &OperationDoneEvent{
		BaseEvent: b.newBase(OperationDone, entity, id),
		Op:        op,
	}
}
