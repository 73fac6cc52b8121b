package callctl

import (
	"context"
	"fmt"
	"time"

	"github.com/sebas/psapconsole/internal/console/events"
)

// CallInfo is the informational record of a call.
type CallInfo struct {
	CallingParty   string
	ConnectedParty string
	TrunkAddress   string
	UCI            string
	CSSID          string
	// ChannelID identifies the call on the bridging node. Calls without a
	// channel are plain signaling legs.
	ChannelID      string
	CallbackNumber string
	ContextID      uint64
	Priority       int
	Is911          bool
	IsText         bool
	IsSIP          bool
	Internode      bool
	Wireless       bool
	ALIReceived    bool
	ALI            ALIRecord
}

// CallStateChange is delivered to call state listeners.
type CallStateChange struct {
	CallID uint64
	From   CallState
	To     CallState
	Tone   ProgressTone
}

// CallSnapshot is a copy of a call's reportable state.
type CallSnapshot struct {
	ID                 uint64
	State              CallState
	Op                 Op
	LineID             string
	NodeID             string
	SessionID          string
	ConferenceID       uint64
	Info               CallInfo
	Tone               ProgressTone
	CallerDisconnected bool
	TransferBlocked    bool
	RebidActive        bool
	CreatedAt          time.Time
}

// Call is one call leg at the position. Exported methods are safe for
// concurrent use; they serialize on the owning Position.
type Call struct {
	pos   *Position
	guard OperationGuard
	id    uint64
	sm    *callStateMachine
	state CallState

	line       *Line
	nodeID     string
	sessionID  string
	conference *Conference
	info       CallInfo
	tone       ProgressTone

	// lastSession keys the retired snapshot after sessionID is cleared.
	lastSession string

	outgoing           bool
	dialed             bool
	prefixIndex        int
	callerDisconnected bool
	transferBlocked    bool

	rebid     autoRebid
	createdAt time.Time

	stateListeners listeners[CallStateChange]
}

// ID returns the position-unique call id.
func (c *Call) ID() uint64 { return c.id }

// State returns the current call state.
func (c *Call) State() CallState {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the call's reportable state.
func (c *Call) Snapshot() CallSnapshot {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.snapshot()
}

// Conference returns the conference the call belongs to, or nil.
func (c *Call) Conference() *Conference {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.conference
}

// InProgress returns the operation currently bound to the call.
func (c *Call) InProgress() Op {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.guard.InProgress()
}

// OnStateChange registers a state listener. Listeners run with the position
// locked and must not call back into the position.
func (c *Call) OnStateChange(fn func(CallStateChange)) (remove func()) {
	return c.stateListeners.add(fn)
}

func (c *Call) snapshot() CallSnapshot {
	s := CallSnapshot{
		ID:                 c.id,
		State:              c.state,
		Op:                 c.guard.InProgress(),
		LineID:             c.lineID(),
		NodeID:             c.nodeID,
		SessionID:          c.sessionID,
		Info:               c.info,
		Tone:               c.tone,
		CallerDisconnected: c.callerDisconnected,
		TransferBlocked:    c.transferBlocked,
		RebidActive:        c.rebid.active,
		CreatedAt:          c.createdAt,
	}
	if c.conference != nil {
		s.ConferenceID = c.conference.id
	}
	return s
}

func (c *Call) idString() string { return formatID(c.id) }

func (c *Call) lineID() string {
	if c.line == nil {
		return ""
	}
	return c.line.ID
}

func (c *Call) setSession(id string) {
	c.sessionID = id
	if id != "" {
		c.lastSession = id
	}
}

func (c *Call) sessionKey() string {
	if c.lastSession != "" {
		return c.lastSession
	}
	return "call:" + c.idString()
}

func (c *Call) bridged() bool { return c.info.ChannelID != "" }

func (c *Call) bridgeRequest() BridgeRequest {
	return BridgeRequest{
		NodeID:    c.nodeID,
		Device:    c.pos.cfg.Device,
		ChannelID: c.info.ChannelID,
		UCI:       c.info.UCI,
	}
}

func (c *Call) acquire(op Op) (release func(), err error) {
	release, err = c.guard.tryStart("call", c.id, op)
	if err != nil {
		c.pos.metrics.operationRejected(op, c.guard.InProgress())
		c.pos.log.Info("[Call] Operation rejected",
			"call_id", c.id,
			"op", op,
			"current", c.guard.InProgress())
	}
	return release, err
}

func (c *Call) incapable(op Op, format string, args ...any) error {
	return &Error{Kind: KindIncapable, Op: op, Entity: "call", ID: c.id, Msg: fmt.Sprintf(format, args...)}
}

// expect re-validates the call state after a suspension.
func (c *Call) expect(op Op, states ...CallState) error {
	if c.state.in(states...) {
		return nil
	}
	return c.incapable(op, "state changed to %s during operation", c.state)
}

// transition commits a state change through the adjacency.
func (c *Call) transition(ctx context.Context, to CallState) error {
	from := c.state
	if from == to {
		return nil
	}
	if err := c.sm.transition(ctx, to); err != nil {
		return err
	}
	c.applyState(from, to)
	return nil
}

// assignState sets the state directly. Used for conference propagation.
func (c *Call) assignState(to CallState) {
	from := c.state
	if from == to {
		return
	}
	c.sm.assign(to)
	c.applyState(from, to)
}

func (c *Call) applyState(from, to CallState) {
	c.state = to
	c.tone = toneFor(to)
	c.pos.metrics.callTransition(from, to)
	c.pos.log.Debug("[Call] State changed", "call_id", c.id, "from", from, "to", to)

	c.publishState(from.String())
	c.stateListeners.emit(CallStateChange{CallID: c.id, From: from, To: to, Tone: c.tone})

	switch {
	case to == CallFinishing || to == CallFinished:
		c.rebid.stop()
	case to == CallConnected:
		c.rebid.resume()
	case from == CallConnected:
		c.rebid.pause()
	}

	if cf := c.conference; cf != nil {
		cf.memberStateChanged(c)
	}
}

func (c *Call) publishState(from string) {
	c.pos.pub.PublishAsync(c.pos.events.CallStateChanged(c.idString()).
		Transition(from, c.state.String()).
		Tone(c.tone.String()).
		Line(c.lineID()).
		CallerDisconnected(c.callerDisconnected).
		Build())
}

func (c *Call) publishInfo() {
	c.pos.pub.PublishAsync(c.pos.events.CallInfoChanged(c.idString(), events.CallInfo{
		CallingParty:    c.info.CallingParty,
		ConnectedParty:  c.info.ConnectedParty,
		TrunkAddress:    c.info.TrunkAddress,
		UCI:             c.info.UCI,
		ANI:             c.info.ALI.ANI,
		PseudoANI:       c.info.ALI.PseudoANI,
		Provider:        c.info.ALI.Provider,
		ClassOfService:  c.info.ALI.ClassOfService,
		Wireless:        c.info.Wireless,
		Priority:        c.info.Priority,
		ALIReceived:     c.info.ALIReceived,
		TransferBlocked: c.transferBlocked,
	}))
}

// updateTransferBlock recomputes the unsupervised-transfer block: a 911
// call may not be blind transferred once the caller is gone or before ALI
// arrives.
func (c *Call) updateTransferBlock() bool {
	blocked := c.info.Is911 && (c.callerDisconnected || !c.info.ALIReceived)
	if blocked == c.transferBlocked {
		return false
	}
	c.transferBlocked = blocked
	return true
}

func (c *Call) releaseLine() {
	if c.line != nil && c.line.call == c {
		c.line.call = nil
	}
	c.line = nil
}

// hangupAsync drops the signaling leg in the background.
func (c *Call) hangupAsync() {
	if c.sessionID == "" {
		return
	}
	nodeID, sessionID := c.nodeID, c.sessionID
	c.sessionID = ""
	phone := c.pos.phone
	c.pos.goCleanup("hangup", []any{"call_id", c.id, "session_id", sessionID}, func(ctx context.Context) error {
		return phone.Hangup(ctx, nodeID, sessionID)
	})
}

// finish tears the call down locally and retires it.
func (c *Call) finish(ctx context.Context) {
	if c.state.IsTerminal() {
		return
	}
	if c.state != CallFinishing {
		_ = c.transition(ctx, CallFinishing)
	}
	c.releaseLine()
	key := c.sessionKey()
	_ = c.transition(ctx, CallFinished)
	c.pos.retire(c)
	c.stateListeners.clear()
	c.pos.log.Info("[Call] Finished", "call_id", c.id, "session", key)
}

// failBridge finishes the call when the bridge reports the caller gone and
// wraps err.
func (c *Call) failBridge(ctx context.Context, op Op, err error) error {
	if callerGone(err) {
		c.pos.log.Info("[Call] Caller gone on bridge", "call_id", c.id, "op", op, "error", err)
		c.callerDisconnected = true
		c.finish(ctx)
	}
	return fmt.Errorf("call %d %s: %w", c.id, op, err)
}

func (c *Call) handleSessionEvent(ctx context.Context, ev SessionEvent) {
	c.pos.log.Debug("[Call] Session event", "call_id", c.id, "kind", ev.Kind, "state", c.state)

	switch ev.Kind {
	case SessionRinging:
		if c.state == CallProceeding && c.tone != ToneRingback {
			c.tone = ToneRingback
			c.publishState(c.state.String())
		}

	case SessionAnswered:
		if c.state == CallProceeding {
			_ = c.transition(ctx, CallConnected)
		}

	case SessionRecalled:
		if c.state == CallHold {
			_ = c.transition(ctx, CallReOffered)
		}

	case SessionTerminated:
		c.sessionID = ""
		switch c.state {
		case CallOffered, CallReOffered, CallPark:
			c.callerDisconnected = true
			_ = c.transition(ctx, CallAbandoned)
		case CallConnected, CallIHold, CallHold:
			c.callerDisconnected = true
			if c.info.Is911 {
				_ = c.transition(ctx, CallDisconnected)
			} else {
				c.finish(ctx)
			}
		case CallIdle, CallDialtone, CallProceeding, CallBusy:
			if c.guard.InProgress() == OpDial {
				return
			}
			c.finish(ctx)
		}
		if c.updateTransferBlock() {
			c.publishInfo()
		}
	}
}

// UpdateALI decodes raw ALI text into the call's record and binds an
// auto-rebid rule on first delivery.
func (c *Call) UpdateALI(ctx context.Context, raw string) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	if c.state.IsTerminal() {
		return c.incapable(OpNone, "call finished")
	}
	if c.pos.ali == nil {
		return c.incapable(OpNone, "no ALI decoder configured")
	}
	rec, err := c.pos.ali.Decode(raw)
	if err != nil {
		return fmt.Errorf("call %d: decode ALI: %w", c.id, err)
	}
	if rec.ANI == "" && c.info.CallbackNumber != "" {
		rec = c.pos.ali.SubstituteCallback(rec, c.info.CallbackNumber)
	}
	c.info.ALI = rec
	c.info.ALIReceived = true
	c.info.Wireless = c.info.Wireless || rec.Wireless
	c.updateTransferBlock()

	c.pos.log.Info("[Call] ALI received",
		"call_id", c.id,
		"ani", rec.ANI,
		"pseudo_ani", rec.PseudoANI,
		"class_of_service", rec.ClassOfService)
	c.publishInfo()

	if c.rebid.rule == nil {
		if rule, ok := c.pos.rules.Match(c.info); ok {
			c.rebid.bind(rule)
		}
	}
	return nil
}

// SetInfo replaces caller party fields reported by signaling.
func (c *Call) SetInfo(callingParty, connectedParty string) {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	c.info.CallingParty = callingParty
	c.info.ConnectedParty = connectedParty
	c.publishInfo()
}
