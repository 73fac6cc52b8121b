package callctl

import (
	"context"
	"fmt"
)

// ConferenceFactory builds conferences from calls of a position.
type ConferenceFactory struct {
	pos *Position
}

// eligible reports whether c may seed a conference.
func (f *ConferenceFactory) eligible(c *Call, op Op) error {
	switch {
	case c.state != CallConnected:
		return c.incapable(op, "call is %s", c.state)
	case c.conference != nil:
		return c.incapable(op, "call is in conference %d", c.conference.id)
	case c.info.Internode:
		return c.incapable(op, "internode calls cannot be conferenced")
	case c.line != nil && c.line.Type.restricted():
		return c.incapable(op, "%s lines cannot be conferenced", c.line.Type)
	}
	return nil
}

// acquireBridge reserves a bridge resource for c.
func (f *ConferenceFactory) acquireBridge(ctx context.Context, c *Call, op Op) (string, error) {
	p := f.pos
	req := c.bridgeRequest()
	var res BridgeResult
	if err := p.await(func() error {
		var err error
		res, err = p.node.ConferenceAcquire(ctx, req)
		return err
	}); err != nil {
		return "", c.failBridge(ctx, op, err)
	}
	if res.ConferenceID == "" {
		return "", c.incapable(op, "node returned no conference")
	}
	return res.ConferenceID, nil
}

func (f *ConferenceFactory) lockBridge(ctx context.Context, cf *Conference) error {
	req := cf.bridgeRequest()
	if err := f.pos.await(func() error {
		_, err := f.pos.node.ConferenceLock(ctx, req)
		return err
	}); err != nil {
		return fmt.Errorf("lock conference %s: %w", cf.bridgeID, err)
	}
	cf.locked = true
	return nil
}

// abandon discards a conference that was never registered.
func (f *ConferenceFactory) abandon(ctx context.Context, cf *Conference, op Op, cause error) {
	p := f.pos
	cf.unlockBridge(ctx)
	for _, m := range cf.members {
		if m.Call.conference == cf {
			m.Call.conference = nil
		}
	}
	cf.members = nil
	cf.anchor = nil
	cf.state = ConferenceFinished
	if cf.bridgeID != "" {
		req := cf.bridgeRequest()
		node := p.node
		p.goCleanup("conference release", []any{"bridge_id", cf.bridgeID}, func(ctx context.Context) error {
			_, err := node.ConferenceRelease(ctx, req)
			return err
		})
	}
	p.metrics.conferenceEvent("failed", cf.protocol)
	p.log.Info("[Conference] Formation failed",
		"bridge_id", cf.bridgeID,
		"protocol", cf.protocol,
		"op", op,
		"error", cause)
}

// Consult holds c, dials target on a free intercom line and returns a
// conference with the new leg pending. The bridge stays locked until
// Connect or Cancel.
func (f *ConferenceFactory) Consult(ctx context.Context, c *Call, target string) (*Conference, error) {
	p := f.pos
	p.mu.Lock()
	defer p.mu.Unlock()

	release, err := c.acquire(OpConfConsult)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.eligible(c, OpConfConsult); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, c.incapable(OpConfConsult, "empty target")
	}

	bridgeID, err := f.acquireBridge(ctx, c, OpConfConsult)
	if err != nil {
		return nil, err
	}
	cf := p.newConference(bridgeID, c.nodeID, ProtocolConsultation)
	cf.suspended = true

	fail := func(err error) (*Conference, error) {
		if cf.pending != nil {
			pc := cf.pending
			cf.pending = nil
			pc.conference = nil
			pc.hangupAsync()
			pc.finish(ctx)
		}
		if rerr := cf.restoreAnchor(ctx, OpConfConsult); rerr != nil {
			p.log.Warn("[Conference] Source restore failed", "call_id", c.id, "error", rerr)
		}
		f.abandon(ctx, cf, OpConfConsult, err)
		return nil, err
	}

	if err := f.lockBridge(ctx, cf); err != nil {
		return fail(err)
	}
	if err := c.expect(OpConfConsult, CallConnected); err != nil {
		return fail(err)
	}

	cf.addMember(c, MemberInitialCall)
	to, err := c.holdSignal(ctx, true)
	if err != nil {
		return fail(c.failBridge(ctx, OpConfConsult, err))
	}
	if err := c.expect(OpConfConsult, CallConnected); err != nil {
		return fail(err)
	}
	if err := c.transition(ctx, to); err != nil {
		return fail(err)
	}

	l := p.freeLine(func(l *Line) bool { return l.Type == LineIntercom })
	if l == nil {
		return fail(c.incapable(OpConfConsult, "no free intercom line"))
	}
	consult := p.newCall(CallIdle, c.nodeID, CallInfo{
		CallingParty: c.info.CallingParty,
		UCI:          c.info.UCI,
		CSSID:        c.info.CSSID,
	})
	consult.outgoing = true
	_ = p.assignLine(consult, l)
	cf.setPending(consult)
	consult.publishState("")

	dialRelease, err := consult.acquire(OpDial)
	if err != nil {
		return fail(err)
	}
	err = consult.networkDial(ctx, target)
	dialRelease()
	if err != nil {
		return fail(err)
	}
	if cf.pending != consult || !consult.state.in(CallProceeding, CallConnected) {
		return fail(consult.incapable(OpConfConsult, "consultation leg is %s", consult.state))
	}
	if c.conference != cf || !c.state.IsHeld() {
		return fail(c.incapable(OpConfConsult, "source call is %s", c.state))
	}

	cf.register()
	cf.resume()
	p.log.Info("[Conference] Consultation dialed",
		"conference_id", cf.id,
		"call_id", c.id,
		"consult_call_id", consult.id,
		"target", target)
	return cf, nil
}

// NoHoldConference bridges target into c's call without holding c. The new
// leg joins as a member immediately.
func (f *ConferenceFactory) NoHoldConference(ctx context.Context, c *Call, target string) (*Conference, error) {
	p := f.pos
	p.mu.Lock()
	defer p.mu.Unlock()

	release, err := c.acquire(OpConfNHC)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.eligible(c, OpConfNHC); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, c.incapable(OpConfNHC, "empty target")
	}

	bridgeID, err := f.acquireBridge(ctx, c, OpConfNHC)
	if err != nil {
		return nil, err
	}
	cf := p.newConference(bridgeID, c.nodeID, ProtocolNoHold)
	cf.suspended = true

	if err := f.lockBridge(ctx, cf); err != nil {
		f.abandon(ctx, cf, OpConfNHC, err)
		return nil, err
	}
	if err := c.expect(OpConfNHC, CallConnected); err != nil {
		f.abandon(ctx, cf, OpConfNHC, err)
		return nil, err
	}
	cf.addMember(c, MemberInitialCall)

	req := cf.bridgeRequest()
	req.ChannelID = c.info.ChannelID
	req.UCI = c.info.UCI
	req.Target = target
	var res BridgeResult
	if err := p.await(func() error {
		var err error
		res, err = p.node.ConferenceJoin(ctx, req)
		return err
	}); err != nil {
		err = fmt.Errorf("conference join %s: %w", target, err)
		f.abandon(ctx, cf, OpConfNHC, err)
		return nil, err
	}
	if c.conference != cf || c.state != CallConnected {
		err := c.incapable(OpConfNHC, "source call is %s", c.state)
		f.abandon(ctx, cf, OpConfNHC, err)
		return nil, err
	}

	leg := p.newCall(CallConnected, c.nodeID, CallInfo{
		ConnectedParty: target,
		UCI:            c.info.UCI,
		CSSID:          c.info.CSSID,
		ChannelID:      res.ChannelID,
	})
	leg.outgoing = true
	leg.dialed = true
	cf.addMember(leg, MemberConsultCall)
	leg.publishState("")

	cf.register()
	cf.unlockBridge(ctx)
	cf.resume()
	p.log.Info("[Conference] No-hold conference",
		"conference_id", cf.id,
		"call_id", c.id,
		"leg_call_id", leg.id,
		"target", target)
	return cf, nil
}

// PatchCandidate carries the call attributes that decide the patch anchor.
type PatchCandidate struct {
	IsText    bool
	Is911     bool
	IsSIP     bool
	Sharing   LineSharing
	ContextID uint64
}

func (pc PatchCandidate) rank() int {
	switch {
	case pc.IsText:
		return 4
	case pc.Is911:
		return 3
	case pc.Sharing != SharingPrivate:
		return 2
	case pc.IsSIP:
		return 1
	}
	return 0
}

// SelectPatchAnchor reports whether a, rather than b, anchors a patch:
// text before 911 before shared-line before SIP calls; ties go to the more
// permissive line sharing and then the lower context id.
func SelectPatchAnchor(a, b PatchCandidate) bool {
	if ra, rb := a.rank(), b.rank(); ra != rb {
		return ra > rb
	}
	if a.Sharing != b.Sharing {
		return a.Sharing > b.Sharing
	}
	return a.ContextID <= b.ContextID
}

func (c *Call) patchCandidate() PatchCandidate {
	pc := PatchCandidate{
		IsText:    c.info.IsText,
		Is911:     c.info.Is911,
		IsSIP:     c.info.IsSIP,
		ContextID: c.info.ContextID,
	}
	if c.line != nil {
		pc.Sharing = c.line.Sharing
	}
	return pc
}

// Patch joins two existing calls, one Connected and one on exclusive hold,
// into a conference anchored on the higher-ranked call. A call served by
// another node is relocated first.
func (f *ConferenceFactory) Patch(ctx context.Context, a, b *Call) (*Conference, error) {
	p := f.pos
	p.mu.Lock()
	defer p.mu.Unlock()

	if a == b {
		return nil, a.incapable(OpConfPatch, "cannot patch a call to itself")
	}
	releaseA, err := a.acquire(OpConfPatch)
	if err != nil {
		return nil, err
	}
	defer releaseA()
	releaseB, err := b.acquire(OpConfPatch)
	if err != nil {
		return nil, err
	}
	defer releaseB()

	pairOK := (a.state == CallConnected && b.state == CallIHold) ||
		(a.state == CallIHold && b.state == CallConnected)
	if !pairOK {
		return nil, a.incapable(OpConfPatch, "patch needs a connected and an exclusively held call, have %s and %s", a.state, b.state)
	}
	for _, c := range []*Call{a, b} {
		switch {
		case c.conference != nil:
			return nil, c.incapable(OpConfPatch, "call is in conference %d", c.conference.id)
		case !c.bridged():
			return nil, c.incapable(OpConfPatch, "call is not bridged")
		case c.line != nil && c.line.Type.restricted():
			return nil, c.incapable(OpConfPatch, "%s lines cannot be patched", c.line.Type)
		}
	}

	anchor, other := a, b
	if !SelectPatchAnchor(a.patchCandidate(), b.patchCandidate()) {
		anchor, other = b, a
	}
	states := map[*Call]CallState{a: a.state, b: b.state}
	unchanged := func() bool {
		return a.state == states[a] && b.state == states[b] &&
			a.conference == nil && b.conference == nil
	}

	bridgeID, err := f.acquireBridge(ctx, anchor, OpConfPatch)
	if err != nil {
		return nil, err
	}
	cf := p.newConference(bridgeID, anchor.nodeID, ProtocolPatch)
	cf.suspended = true

	fail := func(err error) (*Conference, error) {
		f.abandon(ctx, cf, OpConfPatch, err)
		return nil, err
	}

	if err := f.lockBridge(ctx, cf); err != nil {
		return fail(err)
	}
	if !unchanged() {
		return fail(anchor.incapable(OpConfPatch, "calls changed during patch"))
	}
	cf.addMember(anchor, MemberInitialCall)

	if other.nodeID != anchor.nodeID {
		req := other.bridgeRequest()
		req.PeerChannelID = anchor.info.ChannelID
		req.ConferenceID = bridgeID
		req.Target = anchor.nodeID
		var res BridgeResult
		if err := p.await(func() error {
			var err error
			res, err = p.node.CallPatch(ctx, req)
			return err
		}); err != nil {
			return fail(other.failBridge(ctx, OpConfPatch, err))
		}
		if res.Result == ResultPatchParked && other.nodeID != anchor.nodeID {
			p.log.Info("[Conference] Waiting for relocation", "call_id", other.id, "node_id", anchor.nodeID)
			if err := p.waitRelocation(ctx, other); err != nil {
				return fail(err)
			}
		}
		if other.state.IsTerminal() {
			return fail(other.incapable(OpConfPatch, "call ended during relocation"))
		}
	}

	req := cf.bridgeRequest()
	req.ChannelID = other.info.ChannelID
	req.UCI = other.info.UCI
	if err := p.await(func() error {
		_, err := p.node.ConferenceJoin(ctx, req)
		return err
	}); err != nil {
		return fail(other.failBridge(ctx, OpConfPatch, err))
	}
	if anchor.conference != cf || other.conference != nil ||
		anchor.state != states[anchor] || other.state != states[other] {
		return fail(anchor.incapable(OpConfPatch, "calls changed during patch"))
	}

	cf.addMember(other, MemberPatchCall)
	anchor.assignState(CallConnected)
	other.assignState(CallConnected)

	cf.register()
	cf.unlockBridge(ctx)
	cf.resume()
	p.log.Info("[Conference] Patched",
		"conference_id", cf.id,
		"anchor_call_id", anchor.id,
		"call_id", other.id)
	return cf, nil
}
