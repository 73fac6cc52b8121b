package callctl

import (
	"context"
	"fmt"
)

// Drop disconnects the operator from the call. A bridged call may survive
// on the bridge in Hold or Busy; otherwise the call finishes.
func (c *Call) Drop(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()
	return c.drop(ctx)
}

func (c *Call) drop(ctx context.Context) error {
	release, err := c.acquire(OpDrop)
	if err != nil {
		return err
	}
	defer release()

	switch {
	case c.state.IsTerminal() || c.state == CallFinishing:
		return c.incapable(OpDrop, "call is %s", c.state)
	case c.state == CallOffered:
		// A ringing offer is declined; 911 offers must be answered.
		return c.reject(ctx, OpDrop)
	}

	if c.sessionID == "" && !c.bridged() {
		c.finish(ctx)
		c.pos.log.Info("[Call] Dropped", "call_id", c.id)
		return nil
	}

	if c.state.in(CallDialtone, CallProceeding) && c.sessionID != "" {
		nodeID, sessionID := c.nodeID, c.sessionID
		c.sessionID = ""
		if err := c.pos.await(func() error {
			return c.pos.phone.Cancel(ctx, nodeID, sessionID)
		}); err != nil {
			c.pos.log.Warn("[Call] Cancel failed", "call_id", c.id, "error", err)
		}
		c.finish(ctx)
		c.pos.log.Info("[Call] Dropped", "call_id", c.id)
		return nil
	}

	if c.bridged() {
		return c.dropBridged(ctx)
	}

	nodeID, sessionID := c.nodeID, c.sessionID
	c.sessionID = ""
	if err := c.pos.await(func() error {
		return c.pos.phone.Hangup(ctx, nodeID, sessionID)
	}); err != nil {
		c.pos.log.Warn("[Call] Hangup failed", "call_id", c.id, "error", err)
	}
	c.finish(ctx)
	c.pos.log.Info("[Call] Dropped", "call_id", c.id)
	return nil
}

func (c *Call) dropBridged(ctx context.Context) error {
	req := c.bridgeRequest()
	if c.conference != nil {
		req.ConferenceID = c.conference.bridgeID
	}
	var res BridgeResult
	if err := c.pos.await(func() error {
		var err error
		res, err = c.pos.node.CallDrop(ctx, req)
		return err
	}); err != nil {
		return c.failBridge(ctx, OpDrop, err)
	}
	if c.state.IsTerminal() || c.state == CallFinishing {
		return nil
	}

	next, survives := CallHold, false
	switch res.Result {
	case ResultHold, ResultForcedHold:
		next, survives = CallHold, true
	case ResultBusy:
		next, survives = CallBusy, true
	}
	if survives && CanTransition(c.state, next) {
		c.hangupAsync()
		if err := c.transition(ctx, next); err == nil {
			c.pos.log.Info("[Call] Dropped", "call_id", c.id, "result", res.Result, "state", next)
			return nil
		}
	}

	c.hangupAsync()
	c.finish(ctx)
	c.pos.log.Info("[Call] Dropped", "call_id", c.id, "result", res.Result)
	return nil
}

// Transfer hands the call to target. A supervised transfer consults target
// first through the conference factory; an unsupervised transfer is a
// tandem transfer on the signaling layer.
func (c *Call) Transfer(ctx context.Context, target string, supervised bool) error {
	if supervised {
		_, err := c.pos.factory.Consult(ctx, c, target)
		return err
	}

	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpTransfer)
	if err != nil {
		return err
	}
	defer release()

	if !c.state.in(CallConnected, CallIHold, CallHold) {
		return c.incapable(OpTransfer, "call is %s", c.state)
	}
	if c.transferBlocked {
		return c.incapable(OpTransfer, "unsupervised transfer blocked for this 911 call")
	}
	if c.sessionID == "" {
		return c.incapable(OpTransfer, "no signaling session")
	}
	if target == "" {
		return c.incapable(OpTransfer, "empty target")
	}

	nodeID, sessionID := c.nodeID, c.sessionID
	if err := c.pos.await(func() error {
		return c.pos.phone.TandemTransfer(ctx, nodeID, sessionID, target)
	}); err != nil {
		return fmt.Errorf("call %d transfer to %s: %w", c.id, target, err)
	}
	c.sessionID = ""
	c.finish(ctx)
	c.pos.log.Info("[Call] Transferred", "call_id", c.id, "target", target)
	return nil
}
