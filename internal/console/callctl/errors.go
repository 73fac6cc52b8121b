package callctl

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per error kind, for use with errors.Is.
var (
	// ErrIncapable indicates the operation is not valid in the current state.
	ErrIncapable = errors.New("operation not possible in current state")

	// ErrLineLocked indicates the line was taken by another position.
	ErrLineLocked = errors.New("line locked")

	// ErrDialFailed indicates a dial sequence failed.
	ErrDialFailed = errors.New("dial failed")

	// ErrBridgeOperation indicates the bridging node reported a failure code.
	ErrBridgeOperation = errors.New("bridge operation failed")

	// ErrTimeout indicates a ringing, answer or reconciliation wait expired.
	ErrTimeout = errors.New("operation timed out")
)

// Kind categorizes errors surfaced to the operator console.
type Kind int

const (
	KindUnknown Kind = iota
	KindIncapable
	KindLineLocked
	KindDialFailed
	KindBridgeOperation
	KindTimeout
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindIncapable:
		return "Incapable"
	case KindLineLocked:
		return "LineLocked"
	case KindDialFailed:
		return "DialError"
	case KindBridgeOperation:
		return "BridgeOperationError"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrLineLocked):
		return KindLineLocked
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDialFailed):
		return KindDialFailed
	case errors.Is(err, ErrBridgeOperation):
		return KindBridgeOperation
	case errors.Is(err, ErrIncapable):
		return KindIncapable
	default:
		return KindUnknown
	}
}

// Error is a categorized failure of an operator action.
type Error struct {
	Kind   Kind
	Op     Op
	Entity string // "call" or "conference"
	ID     uint64
	Msg    string
	Err    error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %d: %s", e.Entity, e.ID, e.Op)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := []error{kindSentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindSentinel(k Kind) error {
	switch k {
	case KindLineLocked:
		return ErrLineLocked
	case KindDialFailed:
		return ErrDialFailed
	case KindBridgeOperation:
		return ErrBridgeOperation
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrIncapable
	}
}

// OperationInProgressError is returned when an action is attempted while
// another operation is bound to the same call or conference.
type OperationInProgressError struct {
	Entity    string
	ID        uint64
	Requested Op
	Current   Op
}

// Error returns the error message.
func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("%s %d: cannot start %s while %s is in progress",
		e.Entity, e.ID, e.Requested, e.Current)
}

// Unwrap returns ErrIncapable.
func (e *OperationInProgressError) Unwrap() error {
	return ErrIncapable
}

// StateTransitionError indicates a transition outside the call adjacency.
type StateTransitionError struct {
	ID   uint64
	From CallState
	To   CallState
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("call %d: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrIncapable.
func (e *StateTransitionError) Unwrap() error {
	return ErrIncapable
}

// DialError describes a failed dial sequence.
type DialError struct {
	// Digits is the numeric token that was being dialed.
	Digits string

	// Prefix is the trunk access prefix used for this attempt.
	Prefix string

	// AltPrefixAvailable reports whether the line has another prefix the
	// caller may retry with.
	AltPrefixAvailable bool

	// Outcome is the last signaling outcome observed.
	Outcome SessionOutcome

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *DialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dial %s%s: %s: %v", e.Prefix, e.Digits, e.Outcome, e.Cause)
	}
	return fmt.Sprintf("dial %s%s: %s", e.Prefix, e.Digits, e.Outcome)
}

// Unwrap returns ErrDialFailed and the underlying error.
func (e *DialError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrDialFailed, e.Cause}
	}
	return []error{ErrDialFailed}
}

// IsTimeout returns true if the ringing wait expired.
func (e *DialError) IsTimeout() bool {
	return errors.Is(e.Cause, ErrTimeout)
}

// IsBusy returns true if the far end was busy.
func (e *DialError) IsBusy() bool {
	return e.Outcome == OutcomeBusy
}

// BridgeErrorCode is a domain failure code reported by the bridging node.
type BridgeErrorCode int

const (
	CodeUnknown BridgeErrorCode = iota
	CodeCallerHangup
	CodeCallerNotFound
	CodeTimeout
	CodeRejected
	CodeLineLocked
)

// String returns the string representation of BridgeErrorCode.
func (c BridgeErrorCode) String() string {
	switch c {
	case CodeCallerHangup:
		return "CallerHangup"
	case CodeCallerNotFound:
		return "CallerNotFound"
	case CodeTimeout:
		return "Timeout"
	case CodeRejected:
		return "Rejected"
	case CodeLineLocked:
		return "LineLocked"
	default:
		return "Unknown"
	}
}

// BridgeOperationError is a failure code returned by a bridging RPC.
type BridgeOperationError struct {
	Op      string
	Code    BridgeErrorCode
	Message string
}

// Error returns the error message.
func (e *BridgeOperationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("bridge %s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("bridge %s: %s", e.Op, e.Code)
}

// Unwrap maps the code onto the error kinds.
func (e *BridgeOperationError) Unwrap() []error {
	switch e.Code {
	case CodeLineLocked:
		return []error{ErrBridgeOperation, ErrLineLocked}
	case CodeTimeout:
		return []error{ErrBridgeOperation, ErrTimeout}
	default:
		return []error{ErrBridgeOperation}
	}
}

// callerGone reports whether err means the far end no longer exists.
func callerGone(err error) bool {
	var be *BridgeOperationError
	if errors.As(err, &be) {
		return be.Code == CodeCallerHangup || be.Code == CodeCallerNotFound
	}
	return false
}
