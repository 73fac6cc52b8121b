// Package callctl implements the call and conference state machines of a
// dispatch console position: call legs, conference bridges, operation
// serialization, conference formation and participant reconciliation.
package callctl

import "fmt"

// CallState represents the lifecycle state of a call leg.
type CallState int

const (
	// CallIdle is a seized outgoing call that has not dialed yet.
	CallIdle CallState = iota
	// CallDialtone indicates dial tone is being presented on the line.
	CallDialtone
	// CallProceeding indicates the outgoing call is being set up.
	CallProceeding
	// CallOffered indicates an incoming call is ringing at the position.
	CallOffered
	// CallReOffered indicates a held call has been recalled to the position.
	CallReOffered
	// CallConnected indicates the position is talking on the call.
	CallConnected
	// CallIHold indicates an exclusive hold only this position may retrieve.
	CallIHold
	// CallHold indicates a shared hold any position on the line may retrieve.
	CallHold
	// CallBusy indicates the far end returned busy.
	CallBusy
	// CallPark indicates the call is parked on the bridge with no local leg.
	CallPark
	// CallDisconnected indicates the far end hung up while the call was up.
	CallDisconnected
	// CallAbandoned indicates the caller hung up before being answered.
	CallAbandoned
	// CallFinishing indicates local teardown is in progress.
	CallFinishing
	// CallFinished is terminal.
	CallFinished
)

var callStateNames = [...]string{
	CallIdle:         "Idle",
	CallDialtone:     "Dialtone",
	CallProceeding:   "Proceeding",
	CallOffered:      "Offered",
	CallReOffered:    "ReOffered",
	CallConnected:    "Connected",
	CallIHold:        "IHold",
	CallHold:         "Hold",
	CallBusy:         "Busy",
	CallPark:         "Park",
	CallDisconnected: "Disconnected",
	CallAbandoned:    "Abandoned",
	CallFinishing:    "Finishing",
	CallFinished:     "Finished",
}

// String returns the string representation of CallState.
func (s CallState) String() string {
	if s >= 0 && int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// parseCallState is the inverse of String for known states.
func parseCallState(name string) (CallState, bool) {
	for i, n := range callStateNames {
		if n == name {
			return CallState(i), true
		}
	}
	return 0, false
}

// IsTerminal returns true if the call has finished.
func (s CallState) IsTerminal() bool {
	return s == CallFinished
}

// IsHeld returns true for either hold flavour.
func (s CallState) IsHeld() bool {
	return s == CallIHold || s == CallHold
}

// IsRinging returns true while the call is alerting in either direction.
func (s CallState) IsRinging() bool {
	switch s {
	case CallOffered, CallReOffered, CallProceeding:
		return true
	}
	return false
}

func (s CallState) in(states ...CallState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// ConferenceState is the aggregate state of a conference bridge.
type ConferenceState int

const (
	ConferenceIdle ConferenceState = iota
	ConferenceConnected
	ConferenceHold
	ConferenceHoldPendingConference
	ConferenceFinished
)

// String returns the string representation of ConferenceState.
func (s ConferenceState) String() string {
	switch s {
	case ConferenceIdle:
		return "Idle"
	case ConferenceConnected:
		return "Connected"
	case ConferenceHold:
		return "Hold"
	case ConferenceHoldPendingConference:
		return "HoldPendingConference"
	case ConferenceFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if the conference has finished.
func (s ConferenceState) IsTerminal() bool {
	return s == ConferenceFinished
}

// MemberType records how a call joined a conference.
type MemberType int

const (
	MemberInitialCall MemberType = iota
	MemberConsultCall
	MemberPatchCall
)

// String returns the string representation of MemberType.
func (t MemberType) String() string {
	switch t {
	case MemberInitialCall:
		return "InitialCall"
	case MemberConsultCall:
		return "ConsultCall"
	case MemberPatchCall:
		return "PatchCall"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// ProgressTone is the call-progress tone the position should be hearing.
type ProgressTone int

const (
	ToneNone ProgressTone = iota
	ToneDial
	ToneRingback
	ToneBusy
	ToneReorder
)

// String returns the string representation of ProgressTone.
func (t ProgressTone) String() string {
	switch t {
	case ToneNone:
		return "none"
	case ToneDial:
		return "dial"
	case ToneRingback:
		return "ringback"
	case ToneBusy:
		return "busy"
	case ToneReorder:
		return "reorder"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// toneFor maps a call state to the progress tone it implies.
func toneFor(s CallState) ProgressTone {
	switch s {
	case CallDialtone:
		return ToneDial
	case CallProceeding:
		return ToneRingback
	case CallBusy:
		return ToneBusy
	case CallDisconnected:
		return ToneReorder
	default:
		return ToneNone
	}
}

// LineType classifies the line a call is presented on.
type LineType int

const (
	LineTrunk LineType = iota
	LineSIP
	LineIntercom
	LineMonitor
	LineText
)

// String returns the string representation of LineType.
func (t LineType) String() string {
	switch t {
	case LineTrunk:
		return "Trunk"
	case LineSIP:
		return "SIP"
	case LineIntercom:
		return "Intercom"
	case LineMonitor:
		return "Monitor"
	case LineText:
		return "Text"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// restricted lines cannot seed a conference.
func (t LineType) restricted() bool {
	return t == LineIntercom || t == LineMonitor
}

// LineSharing orders line sharing from least to most permissive.
type LineSharing int

const (
	SharingPrivate LineSharing = iota
	SharingShared
	SharingPublic
)

// String returns the string representation of LineSharing.
func (s LineSharing) String() string {
	switch s {
	case SharingPrivate:
		return "Private"
	case SharingShared:
		return "Shared"
	case SharingPublic:
		return "Public"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// ParticipantType distinguishes position legs from outside parties.
type ParticipantType int

const (
	ParticipantExternal ParticipantType = iota
	ParticipantInternal
)

// String returns the string representation of ParticipantType.
func (t ParticipantType) String() string {
	if t == ParticipantInternal {
		return "Internal"
	}
	return "External"
}
