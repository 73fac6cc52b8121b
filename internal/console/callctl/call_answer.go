package callctl

import (
	"context"
	"fmt"
)

// Answer connects an offered call. Any connected call is held first.
func (c *Call) Answer(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.answer(ctx)
}

func (c *Call) answer(ctx context.Context) error {
	release, err := c.acquire(OpAnswer)
	if err != nil {
		return err
	}
	defer release()

	if !c.state.in(CallOffered, CallReOffered) {
		return c.incapable(OpAnswer, "call is %s", c.state)
	}
	if c.sessionID == "" {
		return c.incapable(OpAnswer, "no signaling session")
	}

	arb := c.pos.newForceConnectArbiter(c)
	defer arb.Erase()
	if !arb.GoAhead() {
		return c.incapable(OpAnswer, "force connect in progress")
	}

	if err := c.pos.holdConnected(ctx, c); err != nil {
		return fmt.Errorf("call %d answer: %w", c.id, err)
	}
	if err := c.pos.cancelMonitor(ctx); err != nil {
		c.pos.log.Warn("[Call] Monitor cancel failed", "call_id", c.id, "error", err)
	}
	if err := c.expect(OpAnswer, CallOffered, CallReOffered); err != nil {
		return err
	}
	if c.sessionID == "" {
		return c.incapable(OpAnswer, "signaling session ended")
	}

	nodeID, sessionID := c.nodeID, c.sessionID
	if err := c.pos.await(func() error {
		return c.pos.phone.Answer(ctx, nodeID, sessionID)
	}); err != nil {
		return fmt.Errorf("call %d answer: %w", c.id, err)
	}
	if err := c.expect(OpAnswer, CallOffered, CallReOffered); err != nil {
		return err
	}

	if err := c.transition(ctx, CallConnected); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Answered", "call_id", c.id, "line", c.lineID())
	return nil
}

// Hold places the call on hold. Exclusive hold (IHold) may only be
// retrieved by this position. Conference members hold the whole conference.
func (c *Call) Hold(ctx context.Context, exclusive bool) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.hold(ctx, exclusive)
}

func (c *Call) hold(ctx context.Context, exclusive bool) error {
	release, err := c.acquire(OpHold)
	if err != nil {
		return err
	}
	defer release()

	if cf := c.conference; cf != nil && cf.isMember(c) {
		return cf.hold(ctx, exclusive, c)
	}

	target := holdState(exclusive)
	if !c.state.in(CallConnected, CallIHold, CallHold) || c.state == target {
		return c.incapable(OpHold, "call is %s", c.state)
	}

	to, err := c.holdSignal(ctx, exclusive)
	if err != nil {
		return c.failBridge(ctx, OpHold, err)
	}
	if err := c.expect(OpHold, CallConnected, CallIHold, CallHold); err != nil {
		return err
	}
	if err := c.transition(ctx, to); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Held", "call_id", c.id, "state", to)
	return nil
}

func holdState(exclusive bool) CallState {
	if exclusive {
		return CallIHold
	}
	return CallHold
}

// holdSignal issues the hold RPC and returns the resulting hold state.
func (c *Call) holdSignal(ctx context.Context, exclusive bool) (CallState, error) {
	to := holdState(exclusive)

	if c.bridged() {
		req := c.bridgeRequest()
		req.Exclusive = exclusive
		if c.conference != nil {
			req.ConferenceID = c.conference.bridgeID
		}
		var res BridgeResult
		err := c.pos.await(func() error {
			var err error
			res, err = c.pos.node.CallHold(ctx, req)
			return err
		})
		if err != nil {
			return 0, err
		}
		if res.Result == ResultForcedHold {
			to = CallHold
		}
		return to, nil
	}

	if c.sessionID == "" {
		return 0, c.incapable(OpHold, "no signaling session")
	}
	nodeID, sessionID := c.nodeID, c.sessionID
	return to, c.pos.await(func() error {
		return c.pos.phone.Hold(ctx, nodeID, sessionID)
	})
}

// unholdSignal issues the unhold RPC.
func (c *Call) unholdSignal(ctx context.Context) error {
	if c.bridged() {
		req := c.bridgeRequest()
		if c.conference != nil {
			req.ConferenceID = c.conference.bridgeID
		}
		return c.pos.await(func() error {
			_, err := c.pos.node.CallUnhold(ctx, req)
			return err
		})
	}
	if c.sessionID == "" {
		return c.incapable(OpUnhold, "no signaling session")
	}
	nodeID, sessionID := c.nodeID, c.sessionID
	return c.pos.await(func() error {
		return c.pos.phone.Unhold(ctx, nodeID, sessionID)
	})
}

// Unhold retrieves a held call. Any other connected call is held first.
func (c *Call) Unhold(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.unhold(ctx)
}

func (c *Call) unhold(ctx context.Context) error {
	release, err := c.acquire(OpUnhold)
	if err != nil {
		return err
	}
	defer release()

	if cf := c.conference; cf != nil && cf.isMember(c) {
		return cf.unhold(ctx, c)
	}

	if !c.state.IsHeld() {
		return c.incapable(OpUnhold, "call is %s", c.state)
	}

	arb := c.pos.newForceConnectArbiter(c)
	defer arb.Erase()
	if !arb.GoAhead() {
		return c.incapable(OpUnhold, "force connect in progress")
	}
	if err := c.pos.holdConnected(ctx, c); err != nil {
		return fmt.Errorf("call %d unhold: %w", c.id, err)
	}
	if err := c.expect(OpUnhold, CallIHold, CallHold); err != nil {
		return err
	}

	if err := c.unholdSignal(ctx); err != nil {
		return c.failBridge(ctx, OpUnhold, err)
	}
	if err := c.expect(OpUnhold, CallIHold, CallHold); err != nil {
		return err
	}
	if err := c.transition(ctx, CallConnected); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Retrieved", "call_id", c.id)
	return nil
}

// Reject declines an offered call. 911 calls cannot be rejected.
func (c *Call) Reject(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpReject)
	if err != nil {
		return err
	}
	defer release()
	return c.reject(ctx, OpReject)
}

// reject declines the offer on behalf of op. The caller holds the guard.
func (c *Call) reject(ctx context.Context, op Op) error {
	if !c.state.in(CallOffered, CallReOffered) {
		return c.incapable(op, "call is %s", c.state)
	}
	if c.info.Is911 {
		return c.incapable(op, "911 calls cannot be rejected")
	}
	if c.sessionID == "" {
		return c.incapable(op, "no signaling session")
	}

	nodeID, sessionID := c.nodeID, c.sessionID
	if err := c.pos.await(func() error {
		return c.pos.phone.Reject(ctx, nodeID, sessionID)
	}); err != nil {
		return fmt.Errorf("call %d %s: %w", c.id, op, err)
	}
	if err := c.expect(op, CallOffered, CallReOffered, CallAbandoned); err != nil {
		return err
	}
	c.sessionID = ""
	c.finish(ctx)
	c.pos.log.Info("[Call] Rejected", "call_id", c.id, "op", op)
	return nil
}
