// Package events provides the console reporting events and publishing
// infrastructure. Transport is left to Publisher implementations.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the type of console event
type EventType string

const (
	// CallStateChanged fires on every call state transition
	CallStateChanged EventType = "call.state_changed"
	// CallInfoChanged fires when caller data (ALI, parties, flags) changes
	CallInfoChanged EventType = "call.info_changed"
	// CallAutoRequestActive fires when an auto-rebid schedule starts or stops
	CallAutoRequestActive EventType = "call.auto_request_active"
	// ConferenceCreated fires when a conference becomes reachable
	ConferenceCreated EventType = "conference.created"
	// ConferenceEnded fires when a conference finishes
	ConferenceEnded EventType = "conference.ended"
	// ConferenceStateChanged fires when the aggregate conference state changes
	ConferenceStateChanged EventType = "conference.state_changed"
	// ParticipantAdded fires when a bridge participant first appears
	ParticipantAdded EventType = "participant.added"
	// ParticipantUpdated fires when a known participant is reported again
	ParticipantUpdated EventType = "participant.updated"
	// ParticipantRemoved fires when a participant leaves the snapshot
	ParticipantRemoved EventType = "participant.removed"
	// OperationDone fires when an operator operation releases its guard
	OperationDone EventType = "operation.done"
)

// Entity is the kind of object an event refers to
type Entity string

const (
	EntityCall       Entity = "call"
	EntityConference Entity = "conference"
)

// Event is the base interface for all console events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// EntityID returns the call or conference id
	EntityID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is a unique identifier for this event instance
	EventID string `json:"event_id"`
	// EventType identifies the event
	EventType EventType `json:"event_type"`
	// EventTime is when the event occurred
	EventTime time.Time `json:"event_time"`
	// PositionID identifies the operator position
	PositionID string `json:"position_id"`
	// Device is the operator device of the position
	Device string `json:"device,omitempty"`
	// Entity is "call" or "conference"
	Entity Entity `json:"entity"`
	// ID is the position-local call or conference id
	ID string `json:"id"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) EntityID() string     { return e.ID }

// Subject returns the routing subject.
// Format: console.<position>.<entity>s.<id>.<event_suffix>
func (e *BaseEvent) Subject() string {
	return EntitySubject(e.PositionID, e.Entity, e.ID, SubjectForEventType(e.EventType))
}

// CallStateChangedEvent reports a call transition
type CallStateChangedEvent struct {
	BaseEvent
	From               string `json:"from"`
	To                 string `json:"to"`
	Tone               string `json:"tone,omitempty"`
	LineID             string `json:"line_id,omitempty"`
	CallerDisconnected bool   `json:"caller_disconnected,omitempty"`
}

// CallInfo is the reportable caller data of a call
type CallInfo struct {
	CallingParty    string `json:"calling_party,omitempty"`
	ConnectedParty  string `json:"connected_party,omitempty"`
	TrunkAddress    string `json:"trunk_address,omitempty"`
	UCI             string `json:"uci,omitempty"`
	ANI             string `json:"ani,omitempty"`
	PseudoANI       string `json:"pseudo_ani,omitempty"`
	Provider        string `json:"provider,omitempty"`
	ClassOfService  string `json:"class_of_service,omitempty"`
	Wireless        bool   `json:"wireless,omitempty"`
	Priority        int    `json:"priority,omitempty"`
	ALIReceived     bool   `json:"ali_received,omitempty"`
	TransferBlocked bool   `json:"transfer_blocked,omitempty"`
}

// CallInfoChangedEvent reports updated caller data
type CallInfoChangedEvent struct {
	BaseEvent
	Info CallInfo `json:"info"`
}

// AutoRequestActiveEvent reports auto-rebid activity on a call
type AutoRequestActiveEvent struct {
	BaseEvent
	Active bool   `json:"active"`
	Mode   string `json:"mode,omitempty"`
	Count  int    `json:"count"`
}

// ConferenceCreatedEvent reports a new conference
type ConferenceCreatedEvent struct {
	BaseEvent
	BridgeID string   `json:"bridge_id,omitempty"`
	Protocol string   `json:"protocol"`
	Members  []string `json:"members"`
}

// ConferenceEndedEvent reports a finished conference
type ConferenceEndedEvent struct {
	BaseEvent
	BridgeID string `json:"bridge_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ConferenceStateChangedEvent reports an aggregate state change
type ConferenceStateChangedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

// Participant is one leg in a bridge participant snapshot
type Participant struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	DN        string `json:"dn,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
	Deafened  bool   `json:"deafened,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// ParticipantEvent reports an added, updated or removed participant
type ParticipantEvent struct {
	BaseEvent
	Participant Participant `json:"participant"`
}

// OperationDoneEvent reports that an operation released its guard
type OperationDoneEvent struct {
	BaseEvent
	Op string `json:"op"`
}

// MarshalEvent encodes any event as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
