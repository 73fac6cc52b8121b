package callctl

import (
	"context"
	"fmt"
	"time"
)

// SessionOutcome is a signaling-derived progress token for a session.
type SessionOutcome int

const (
	OutcomeNone SessionOutcome = iota
	OutcomeTrying
	OutcomeRinging
	OutcomeProgress
	OutcomeAnswered
	OutcomeBusy
	OutcomeRejected
	OutcomeCongestion
	OutcomeFailed
)

// String returns the string representation of SessionOutcome.
func (o SessionOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeTrying:
		return "trying"
	case OutcomeRinging:
		return "ringing"
	case OutcomeProgress:
		return "progress"
	case OutcomeAnswered:
		return "answered"
	case OutcomeBusy:
		return "busy"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCongestion:
		return "congestion"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// alerting reports whether the far end has been reached.
func (o SessionOutcome) alerting() bool {
	return o == OutcomeRinging || o == OutcomeProgress
}

// DialRequest describes an outbound signaling leg.
type DialRequest struct {
	NodeID       string
	LineID       string
	Target       string
	CallingParty string
	CSSID        string
}

// Phone is the SIP signaling layer. Sessions are keyed by node and session id.
type Phone interface {
	Answer(ctx context.Context, nodeID, sessionID string) error
	Hold(ctx context.Context, nodeID, sessionID string) error
	Unhold(ctx context.Context, nodeID, sessionID string) error
	Reject(ctx context.Context, nodeID, sessionID string) error
	Cancel(ctx context.Context, nodeID, sessionID string) error
	Hangup(ctx context.Context, nodeID, sessionID string) error

	// MakeCall starts an outbound call and returns its session id once the
	// request has been sent.
	MakeCall(ctx context.Context, req DialRequest) (string, error)

	// MakeVccCall dials a bridging endpoint and returns once it answers.
	MakeVccCall(ctx context.Context, req DialRequest) (string, error)

	// WaitOutcome blocks until the session reaches a final or alerting
	// outcome, or ctx ends.
	WaitOutcome(ctx context.Context, nodeID, sessionID string) (SessionOutcome, error)

	SendDigits(ctx context.Context, nodeID, sessionID, digits string) error
	Hookflash(ctx context.Context, nodeID, sessionID string) error
	TandemTransfer(ctx context.Context, nodeID, sessionID, target string) error
}

// BridgeResultTag is the operation result reported by the bridging node.
type BridgeResultTag int

const (
	ResultOK BridgeResultTag = iota
	ResultHold
	ResultForcedHold
	ResultDisconnect
	ResultReleased
	ResultPatchParked
	ResultBusy
)

// String returns the string representation of BridgeResultTag.
func (t BridgeResultTag) String() string {
	switch t {
	case ResultOK:
		return "OK"
	case ResultHold:
		return "Hold"
	case ResultForcedHold:
		return "ForcedHold"
	case ResultDisconnect:
		return "Disconnect"
	case ResultReleased:
		return "Released"
	case ResultPatchParked:
		return "PatchParked"
	case ResultBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// BridgeRequest carries the identifiers a bridging RPC may need.
type BridgeRequest struct {
	NodeID        string
	Device        string
	ChannelID     string
	UCI           string
	ConferenceID  string
	ParticipantID string
	PeerChannelID string
	Target        string
	Exclusive     bool
}

// BridgeResult is the structured outcome of a bridging RPC.
type BridgeResult struct {
	Result       BridgeResultTag
	ConferenceID string
	ChannelID    string
	// Endpoint is the bridging URI to dial for unpark and barge.
	Endpoint string
}

// Node is the remote call-bridging service.
type Node interface {
	CallPark(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallUnpark(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallHold(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallUnhold(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallBarge(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallDrop(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceAcquire(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceLock(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceUnlock(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceJoin(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceRemove(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	CallPatch(ctx context.Context, req BridgeRequest) (BridgeResult, error)
	ConferenceRelease(ctx context.Context, req BridgeRequest) (BridgeResult, error)
}

// ALIRecord is the subset of decoded location data the core reads.
type ALIRecord struct {
	ANI            string
	PseudoANI      string
	Provider       string
	ClassOfService string
	Wireless       bool
	Format         string
}

// ALIDecoder decodes raw ALI text.
type ALIDecoder interface {
	Decode(raw string) (ALIRecord, error)
	// SubstituteCallback places a callback number in the ANI position.
	SubstituteCallback(rec ALIRecord, callback string) ALIRecord
}

// RebidRule drives automatic ALI re-requests for a call.
type RebidRule struct {
	Name            string
	Repetitions     int
	InitialDelay    time.Duration
	SubsequentDelay time.Duration
	PIDFLO          bool
}

// RebidRuleManager selects the auto-rebid rule for a call.
type RebidRuleManager interface {
	Match(info CallInfo) (*RebidRule, bool)
}

// RebidRequester issues an ALI rebid for a call.
type RebidRequester interface {
	RequestRebid(ctx context.Context, nodeID, uci string, pidfLO bool) error
}

// noRebidRules is used when no rule manager is configured.
type noRebidRules struct{}

func (noRebidRules) Match(CallInfo) (*RebidRule, bool) { return nil, false }
