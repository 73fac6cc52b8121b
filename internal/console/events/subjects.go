package events

import "fmt"

// Subject naming conventions.
//
// Hierarchy:
//   console.<position>.calls.<call_id>.<event_suffix>        - Per-call events
//   console.<position>.conferences.<conf_id>.<event_suffix>  - Per-conference events
//
// Wildcard subscriptions:
//   console.<position>.>                 - Everything for one position
//   console.*.calls.*.state_changed      - All call transitions
//   console.*.conferences.*.>            - All conference events

const (
	// SubjectPrefix is the root of all console subjects
	SubjectPrefix = "console"

	SubjectStateChanged      = "state_changed"
	SubjectInfoChanged       = "info_changed"
	SubjectAutoRequestActive = "auto_request_active"
	SubjectCreated           = "created"
	SubjectEnded             = "ended"
	SubjectParticipantAdded  = "participant_added"
	SubjectParticipantUpdate = "participant_updated"
	SubjectParticipantRemove = "participant_removed"
	SubjectOperationDone     = "operation_done"
)

// EntitySubject builds a subject for a call or conference event.
// Example: EntitySubject("pos1", EntityCall, "7", "state_changed") => "console.pos1.calls.7.state_changed"
func EntitySubject(positionID string, entity Entity, id, suffix string) string {
	return fmt.Sprintf("%s.%s.%ss.%s.%s", SubjectPrefix, positionID, entity, id, suffix)
}

// PositionPattern matches every event of one position.
func PositionPattern(positionID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, positionID)
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallStateChanged, ConferenceStateChanged:
		return SubjectStateChanged
	case CallInfoChanged:
		return SubjectInfoChanged
	case CallAutoRequestActive:
		return SubjectAutoRequestActive
	case ConferenceCreated:
		return SubjectCreated
	case ConferenceEnded:
		return SubjectEnded
	case ParticipantAdded:
		return SubjectParticipantAdded
	case ParticipantUpdated:
		return SubjectParticipantUpdate
	case ParticipantRemoved:
		return SubjectParticipantRemove
	case OperationDone:
		return SubjectOperationDone
	default:
		return "unknown"
	}
}
