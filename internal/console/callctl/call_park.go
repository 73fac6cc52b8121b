package callctl

import (
	"context"
	"errors"
	"fmt"
)

// Park hands a connected bridged call to the node's park orbit and frees
// the line. Conference members cannot be parked.
func (c *Call) Park(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpPark)
	if err != nil {
		return err
	}
	defer release()

	if c.state != CallConnected {
		return c.incapable(OpPark, "call is %s", c.state)
	}
	if !c.bridged() {
		return c.incapable(OpPark, "call is not bridged")
	}
	if c.conference != nil {
		return c.incapable(OpPark, "call is in conference %d", c.conference.id)
	}

	req := c.bridgeRequest()
	if err := c.pos.await(func() error {
		_, err := c.pos.node.CallPark(ctx, req)
		return err
	}); err != nil {
		return c.failBridge(ctx, OpPark, err)
	}
	if err := c.expect(OpPark, CallConnected); err != nil {
		return err
	}

	c.hangupAsync()
	c.releaseLine()
	if err := c.transition(ctx, CallPark); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Parked", "call_id", c.id, "channel_id", c.info.ChannelID)
	return nil
}

// Unpark retrieves a parked call onto a free line.
func (c *Call) Unpark(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpUnpark)
	if err != nil {
		return err
	}
	defer release()

	if c.state != CallPark {
		return c.incapable(OpUnpark, "call is %s", c.state)
	}

	arb := c.pos.newForceConnectArbiter(c)
	defer arb.Erase()
	if !arb.GoAhead() {
		return c.incapable(OpUnpark, "force connect in progress")
	}
	if err := c.pos.holdConnected(ctx, c); err != nil {
		return fmt.Errorf("call %d unpark: %w", c.id, err)
	}
	if err := c.expect(OpUnpark, CallPark); err != nil {
		return err
	}

	l := c.pos.freeLine(func(l *Line) bool { return !l.Type.restricted() })
	if l == nil {
		return c.incapable(OpUnpark, "no free line")
	}

	req := c.bridgeRequest()
	var res BridgeResult
	if err := c.pos.await(func() error {
		var err error
		res, err = c.pos.node.CallUnpark(ctx, req)
		return err
	}); err != nil {
		return c.failBridge(ctx, OpUnpark, err)
	}

	sessionID, err := c.connectBridge(ctx, OpUnpark, res.Endpoint, l, CallPark)
	if err != nil {
		return err
	}
	c.setSession(sessionID)
	if err := c.transition(ctx, CallConnected); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Unparked", "call_id", c.id, "line", l.ID)
	return nil
}

// Barge joins the operator to a bridged call on a shared appearance.
func (c *Call) Barge(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpBarge)
	if err != nil {
		return err
	}
	defer release()

	if !c.state.in(CallIdle, CallHold, CallIHold) {
		return c.incapable(OpBarge, "call is %s", c.state)
	}
	if !c.bridged() {
		return c.incapable(OpBarge, "call is not bridged")
	}

	arb := c.pos.newForceConnectArbiter(c)
	defer arb.Erase()
	if !arb.GoAhead() {
		return c.incapable(OpBarge, "force connect in progress")
	}
	if err := c.pos.holdConnected(ctx, c); err != nil {
		return fmt.Errorf("call %d barge: %w", c.id, err)
	}
	from := c.state
	if err := c.expect(OpBarge, from); err != nil {
		return err
	}

	l := c.line
	if l == nil {
		if l = c.pos.freeLine(func(l *Line) bool { return !l.Type.restricted() }); l == nil {
			return c.incapable(OpBarge, "no free line")
		}
	}

	req := c.bridgeRequest()
	var res BridgeResult
	if err := c.pos.await(func() error {
		var err error
		res, err = c.pos.node.CallBarge(ctx, req)
		return err
	}); err != nil {
		return c.failBridge(ctx, OpBarge, err)
	}

	sessionID, err := c.connectBridge(ctx, OpBarge, res.Endpoint, l, from)
	if err != nil {
		return err
	}
	if c.sessionID != "" && c.sessionID != sessionID {
		c.hangupAsync()
	}
	c.setSession(sessionID)
	if err := c.transition(ctx, CallConnected); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Barged", "call_id", c.id, "line", l.ID)
	return nil
}

// connectBridge dials the bridging endpoint returned by unpark or barge and
// seats the call on l. The new leg is hung up if the call moved on or the
// line was taken while dialing.
func (c *Call) connectBridge(ctx context.Context, op Op, endpoint string, l *Line, want CallState) (string, error) {
	if endpoint == "" {
		return "", c.incapable(op, "node returned no endpoint")
	}
	dial := DialRequest{
		NodeID: c.nodeID,
		LineID: l.ID,
		Target: endpoint,
		CSSID:  c.info.CSSID,
	}
	var sessionID string
	if err := c.pos.await(func() error {
		var err error
		sessionID, err = c.pos.phone.MakeVccCall(ctx, dial)
		return err
	}); err != nil {
		return "", fmt.Errorf("call %d %s: %w", c.id, op, err)
	}

	drop := func() {
		nodeID := c.nodeID
		c.pos.goCleanup("hangup", []any{"call_id", c.id, "session_id", sessionID}, func(ctx context.Context) error {
			return c.pos.phone.Hangup(ctx, nodeID, sessionID)
		})
	}
	if err := c.expect(op, want); err != nil {
		drop()
		return "", err
	}
	if err := c.pos.assignLine(c, l); err != nil {
		drop()
		var e *Error
		if errors.As(err, &e) {
			e.Op = op
		}
		return "", err
	}
	return sessionID, nil
}
