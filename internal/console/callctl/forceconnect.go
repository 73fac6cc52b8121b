package callctl

// ForceConnectArbiter gates answer, unhold, barge and unpark so that only
// one workflow that must first displace the connected call runs per
// position. Erase must be deferred by the caller.
type ForceConnectArbiter struct {
	pos        *Position
	target     *Call
	captured   *Call
	registered bool
}

// newForceConnectArbiter captures the registered workflow and registers
// target when the position is free.
func (p *Position) newForceConnectArbiter(target *Call) *ForceConnectArbiter {
	a := &ForceConnectArbiter{
		pos:      p,
		target:   target,
		captured: p.forceConnect,
	}
	if a.captured == nil {
		p.forceConnect = target
		a.registered = true
	}
	return a
}

// GoAhead reports whether the action may proceed: no workflow was
// registered, or the registered workflow targets the same call.
func (a *ForceConnectArbiter) GoAhead() bool {
	return a.captured == nil || a.captured == a.target
}

// Erase clears the position marker this arbiter registered.
func (a *ForceConnectArbiter) Erase() {
	if a.registered && a.pos.forceConnect == a.target {
		a.pos.forceConnect = nil
	}
	a.registered = false
}
