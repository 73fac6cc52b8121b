package callctl

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sebas/psapconsole/internal/console/events"
)

// Protocol names how a conference was formed.
type Protocol int

const (
	ProtocolConsultation Protocol = iota
	ProtocolNoHold
	ProtocolPatch
	// ProtocolReconciled is a conference created from a participant
	// snapshot rather than an operator action.
	ProtocolReconciled
)

// String returns the string representation of Protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolConsultation:
		return "consultation"
	case ProtocolNoHold:
		return "no_hold"
	case ProtocolPatch:
		return "patch"
	case ProtocolReconciled:
		return "reconciled"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// Member is a call that belongs to a conference.
type Member struct {
	Call *Call
	Type MemberType
}

// Participant is a bridge participant as last reported by the node.
type Participant struct {
	ID        string
	Type      ParticipantType
	Status    string
	DN        string
	ChannelID string
	Muted     bool
	Deafened  bool

	// Call is the local call bridged on ChannelID, if any.
	Call *Call
}

func (pt *Participant) event() events.Participant {
	e := events.Participant{
		ID:        pt.ID,
		Type:      pt.Type.String(),
		Status:    pt.Status,
		DN:        pt.DN,
		ChannelID: pt.ChannelID,
		Muted:     pt.Muted,
		Deafened:  pt.Deafened,
	}
	if pt.Call != nil {
		e.CallID = pt.Call.idString()
	}
	return e
}

// MemberSnapshot is a copy of a member's reportable state.
type MemberSnapshot struct {
	CallID uint64
	Type   MemberType
	State  CallState
}

// ParticipantInfo is a copy of a participant's reportable state.
type ParticipantInfo struct {
	ID        string
	Type      ParticipantType
	Status    string
	DN        string
	ChannelID string
	Muted     bool
	Deafened  bool
	CallID    uint64
}

// ConferenceSnapshot is a copy of a conference's reportable state.
type ConferenceSnapshot struct {
	ID            uint64
	BridgeID      string
	NodeID        string
	State         ConferenceState
	Protocol      Protocol
	Op            Op
	AnchorCallID  uint64
	PendingCallID uint64
	Members       []MemberSnapshot
	Participants  []ParticipantInfo
	Locked        bool
	Transferred   bool
	CreatedAt     time.Time
}

// ConferenceStateChange is delivered to conference state listeners.
type ConferenceStateChange struct {
	ConferenceID uint64
	From         ConferenceState
	To           ConferenceState
}

// Conference is a bridge resource joining calls of the position with
// remote participants. Its state is derived from member call states and the
// participant list by ComputeConferenceState.
type Conference struct {
	pos   *Position
	guard OperationGuard
	id    uint64

	bridgeID string
	nodeID   string
	protocol Protocol

	anchor       *Call
	members      []*Member
	pending      *Call
	participants map[string]*Participant

	state ConferenceState

	// suspended defers recomputation while an operation moves several
	// members at once.
	suspended   bool
	locked      bool
	transferred bool
	createdAt   time.Time

	stateListeners listeners[ConferenceStateChange]
}

func (p *Position) newConference(bridgeID, nodeID string, protocol Protocol) *Conference {
	p.nextConfID++
	cf := &Conference{
		pos:          p,
		id:           p.nextConfID,
		bridgeID:     bridgeID,
		nodeID:       nodeID,
		protocol:     protocol,
		participants: make(map[string]*Participant),
		state:        ConferenceIdle,
		createdAt:    time.Now(),
	}
	cf.guard.onEnd = func(op Op) {
		p.pub.PublishAsync(p.events.OperationDone(events.EntityConference, cf.idString(), op.String()))
	}
	return cf
}

// register makes the conference visible and reports its creation.
func (cf *Conference) register() {
	p := cf.pos
	p.confs.Add(cf)
	p.updateGauges()
	p.metrics.conferenceEvent("created", cf.protocol)

	ids := make([]string, 0, len(cf.members))
	for _, m := range cf.members {
		ids = append(ids, m.Call.idString())
	}
	p.log.Info("[Conference] Created",
		"conference_id", cf.id,
		"bridge_id", cf.bridgeID,
		"protocol", cf.protocol,
		"members", len(cf.members))
	p.pub.PublishAsync(p.events.ConferenceCreated(cf.idString()).
		Bridge(cf.bridgeID).
		Protocol(cf.protocol.String()).
		Members(ids).
		Build())
}

// ID returns the position-unique conference id.
func (cf *Conference) ID() uint64 { return cf.id }

// State returns the current conference state.
func (cf *Conference) State() ConferenceState {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()
	return cf.state
}

// Snapshot returns a copy of the conference's reportable state.
func (cf *Conference) Snapshot() ConferenceSnapshot {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()
	return cf.snapshot()
}

// OnStateChange registers a state listener. Listeners run with the position
// locked and must not call back into the position.
func (cf *Conference) OnStateChange(fn func(ConferenceStateChange)) (remove func()) {
	return cf.stateListeners.add(fn)
}

func (cf *Conference) snapshot() ConferenceSnapshot {
	s := ConferenceSnapshot{
		ID:          cf.id,
		BridgeID:    cf.bridgeID,
		NodeID:      cf.nodeID,
		State:       cf.state,
		Protocol:    cf.protocol,
		Op:          cf.guard.InProgress(),
		Locked:      cf.locked,
		Transferred: cf.transferred,
		CreatedAt:   cf.createdAt,
	}
	if cf.anchor != nil {
		s.AnchorCallID = cf.anchor.id
	}
	if cf.pending != nil {
		s.PendingCallID = cf.pending.id
	}
	for _, m := range cf.members {
		s.Members = append(s.Members, MemberSnapshot{CallID: m.Call.id, Type: m.Type, State: m.Call.state})
	}
	for _, pt := range cf.sortedParticipants() {
		info := ParticipantInfo{
			ID:        pt.ID,
			Type:      pt.Type,
			Status:    pt.Status,
			DN:        pt.DN,
			ChannelID: pt.ChannelID,
			Muted:     pt.Muted,
			Deafened:  pt.Deafened,
		}
		if pt.Call != nil {
			info.CallID = pt.Call.id
		}
		s.Participants = append(s.Participants, info)
	}
	return s
}

func (cf *Conference) sortedParticipants() []*Participant {
	out := make([]*Participant, 0, len(cf.participants))
	for _, pt := range cf.participants {
		out = append(out, pt)
	}
	slices.SortFunc(out, func(a, b *Participant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (cf *Conference) idString() string { return formatID(cf.id) }

func (cf *Conference) isMember(c *Call) bool {
	return slices.ContainsFunc(cf.members, func(m *Member) bool { return m.Call == c })
}

func (cf *Conference) addMember(c *Call, t MemberType) {
	if cf.pending == c {
		cf.pending = nil
	}
	if !cf.isMember(c) {
		cf.members = append(cf.members, &Member{Call: c, Type: t})
	}
	c.conference = cf
	if cf.anchor == nil {
		cf.anchor = c
	}
}

func (cf *Conference) setPending(c *Call) {
	cf.pending = c
	c.conference = cf
}

func (cf *Conference) removeMember(c *Call) {
	cf.members = slices.DeleteFunc(cf.members, func(m *Member) bool { return m.Call == c })
	if c.conference == cf {
		c.conference = nil
	}
	if cf.anchor == c {
		cf.anchor = nil
		if len(cf.members) > 0 {
			cf.anchor = cf.members[0].Call
		}
	}
}

func (cf *Conference) memberStates() []CallState {
	out := make([]CallState, len(cf.members))
	for i, m := range cf.members {
		out[i] = m.Call.state
	}
	return out
}

func (cf *Conference) participantTypes() []ParticipantType {
	out := make([]ParticipantType, 0, len(cf.participants))
	for _, pt := range cf.participants {
		out = append(out, pt.Type)
	}
	return out
}

func (cf *Conference) incapable(op Op, format string, args ...any) error {
	return &Error{Kind: KindIncapable, Op: op, Entity: "conference", ID: cf.id, Msg: fmt.Sprintf(format, args...)}
}

func (cf *Conference) acquire(op Op) (release func(), err error) {
	release, err = cf.guard.tryStart("conference", cf.id, op)
	if err != nil {
		cf.pos.metrics.operationRejected(op, cf.guard.InProgress())
		cf.pos.log.Info("[Conference] Operation rejected",
			"conference_id", cf.id,
			"op", op,
			"current", cf.guard.InProgress())
	}
	return release, err
}

func (cf *Conference) bridgeRequest() BridgeRequest {
	return BridgeRequest{
		NodeID:       cf.nodeID,
		Device:       cf.pos.cfg.Device,
		ConferenceID: cf.bridgeID,
	}
}

// memberStateChanged is called after every state change of a member or
// the pending call.
func (cf *Conference) memberStateChanged(c *Call) {
	if c.state == CallFinished {
		if cf.pending == c {
			cf.pending = nil
			c.conference = nil
		} else {
			cf.removeMember(c)
		}
		for _, pt := range cf.participants {
			if pt.Call == c {
				pt.Call = nil
			}
		}
	}
	if !cf.suspended {
		cf.recompute()
	}
}

// ComputeConferenceState derives the conference state from its member call
// states, whether a consultation leg is pending, and the bridge participant
// types. rollback is set when a Finished conference is left with only
// internal participants, so the surviving call reverts to an intercom call.
func ComputeConferenceState(members []CallState, pending bool, participants []ParticipantType) (state ConferenceState, rollback bool) {
	if len(members) == 0 {
		return ConferenceFinished, false
	}
	if len(members) == 1 && !pending && len(participants) <= 2 {
		rollback = len(participants) > 0
		for _, t := range participants {
			if t != ParticipantInternal {
				rollback = false
				break
			}
		}
		return ConferenceFinished, rollback
	}

	connected := 0
	for _, s := range members {
		if s.IsHeld() {
			if pending {
				return ConferenceHoldPendingConference, false
			}
			return ConferenceHold, false
		}
		if s == CallConnected {
			connected++
		}
	}
	if connected > 0 && (len(members) >= 2 || pending || len(participants) > 2) {
		return ConferenceConnected, false
	}
	return ConferenceIdle, false
}

// recompute applies ComputeConferenceState. Calling it again without an
// input change has no effect.
func (cf *Conference) recompute() {
	if cf.state == ConferenceFinished {
		return
	}
	next, rollback := ComputeConferenceState(cf.memberStates(), cf.pending != nil, cf.participantTypes())
	if next == cf.state {
		return
	}
	cf.setState(next)
	if next == ConferenceFinished {
		cf.end(rollback, "members left")
	}
}

func (cf *Conference) setState(to ConferenceState) {
	from := cf.state
	cf.state = to
	cf.pos.log.Debug("[Conference] State changed", "conference_id", cf.id, "from", from, "to", to)
	cf.pos.pub.PublishAsync(cf.pos.events.ConferenceStateChanged(cf.idString(), from.String(), to.String()))
	cf.stateListeners.emit(ConferenceStateChange{ConferenceID: cf.id, From: from, To: to})
}

// end detaches every call, finishes a pending leg, releases the bridge and
// unregisters the conference.
func (cf *Conference) end(rollback bool, reason string) {
	p := cf.pos
	ctx := context.Background()

	if cf.bridgeID != "" && !cf.transferred {
		req := cf.bridgeRequest()
		node := p.node
		p.goCleanup("conference release", []any{"conference_id", cf.id, "bridge_id", cf.bridgeID}, func(ctx context.Context) error {
			_, err := node.ConferenceRelease(ctx, req)
			return err
		})
	}

	survivors := make([]*Call, 0, len(cf.members))
	for _, m := range cf.members {
		if m.Call.conference == cf {
			m.Call.conference = nil
		}
		survivors = append(survivors, m.Call)
	}
	cf.members = nil
	cf.anchor = nil

	if pc := cf.pending; pc != nil {
		cf.pending = nil
		pc.conference = nil
		pc.hangupAsync()
		pc.finish(ctx)
	}

	if rollback {
		for _, c := range survivors {
			cf.rollbackToIntercom(c)
		}
	}

	for id := range cf.participants {
		delete(cf.participants, id)
	}
	p.confs.Remove(cf)
	p.updateGauges()
	p.metrics.conferenceEvent("ended", cf.protocol)
	p.log.Info("[Conference] Ended", "conference_id", cf.id, "bridge_id", cf.bridgeID, "reason", reason)
	p.pub.PublishAsync(p.events.ConferenceEnded(cf.idString(), cf.bridgeID, reason))
	cf.stateListeners.clear()
}

// rollbackToIntercom moves a call left alone with internal parties back to
// an intercom line.
func (cf *Conference) rollbackToIntercom(c *Call) {
	if c.state.IsTerminal() || (c.line != nil && c.line.Type == LineIntercom) {
		return
	}
	l := cf.pos.freeLine(func(l *Line) bool { return l.Type == LineIntercom })
	if l == nil {
		cf.pos.log.Debug("[Conference] No intercom line for rollback", "call_id", c.id)
		return
	}
	if err := cf.pos.assignLine(c, l); err != nil {
		return
	}
	cf.pos.log.Info("[Conference] Rolled back to intercom", "call_id", c.id, "line", l.ID)
	c.publishState(c.state.String())
}

// dropParticipants removes the participants matching drop and reports
// each removal.
func (cf *Conference) dropParticipants(drop func(*Participant) bool) {
	for _, pt := range cf.sortedParticipants() {
		if !drop(pt) {
			continue
		}
		delete(cf.participants, pt.ID)
		cf.pos.pub.PublishAsync(cf.pos.events.Participant(events.ParticipantRemoved, cf.idString(), pt.event()))
	}
}

// unlockBridge releases the formation lock if it is held.
func (cf *Conference) unlockBridge(ctx context.Context) {
	if !cf.locked || cf.bridgeID == "" {
		return
	}
	cf.locked = false
	req := cf.bridgeRequest()
	if err := cf.pos.await(func() error {
		_, err := cf.pos.node.ConferenceUnlock(ctx, req)
		return err
	}); err != nil {
		cf.pos.log.Warn("[Conference] Unlock failed", "conference_id", cf.id, "error", err)
	}
}

// restoreAnchor takes the anchor off hold without routing through the
// conference.
func (cf *Conference) restoreAnchor(ctx context.Context, op Op) error {
	a := cf.anchor
	if a == nil || !a.state.IsHeld() {
		return nil
	}
	if err := a.unholdSignal(ctx); err != nil {
		return a.failBridge(ctx, op, err)
	}
	if !a.state.IsHeld() {
		return nil
	}
	return a.transition(ctx, CallConnected)
}

// resume ends a multi-member update and recomputes once.
func (cf *Conference) resume() {
	cf.suspended = false
	cf.recompute()
}

// Connect joins the pending consultation leg as a member and takes the
// anchor off hold.
func (cf *Conference) Connect(ctx context.Context) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()

	release, err := cf.acquire(OpConfConnect)
	if err != nil {
		return err
	}
	defer release()

	// The bridge is unlocked before the recompute, which may release it.
	cf.suspended = true
	defer cf.resume()
	defer cf.unlockBridge(ctx)

	pc := cf.pending
	if pc == nil {
		return cf.incapable(OpConfConnect, "no pending consultation")
	}
	if pc.state != CallConnected {
		return cf.incapable(OpConfConnect, "consultation call is %s", pc.state)
	}

	req := cf.bridgeRequest()
	req.ChannelID = pc.info.ChannelID
	req.UCI = pc.info.UCI
	if err := cf.pos.await(func() error {
		_, err := cf.pos.node.ConferenceJoin(ctx, req)
		return err
	}); err != nil {
		return fmt.Errorf("conference %d connect: %w", cf.id, err)
	}
	if cf.state == ConferenceFinished || cf.pending != pc || pc.state != CallConnected {
		return cf.incapable(OpConfConnect, "consultation changed during connect")
	}

	cf.addMember(pc, MemberConsultCall)
	if err := cf.restoreAnchor(ctx, OpConfConnect); err != nil {
		return fmt.Errorf("conference %d connect: %w", cf.id, err)
	}
	cf.pos.log.Info("[Conference] Consultation connected", "conference_id", cf.id, "call_id", pc.id)
	return nil
}

// Cancel tears down the pending consultation leg and reconnects the anchor.
func (cf *Conference) Cancel(ctx context.Context) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()

	release, err := cf.acquire(OpConfCancel)
	if err != nil {
		return err
	}
	defer release()

	cf.suspended = true
	defer cf.resume()
	defer cf.unlockBridge(ctx)

	pc := cf.pending
	if pc == nil {
		return cf.incapable(OpConfCancel, "no pending consultation")
	}

	// The consulted party leaves with the leg. A lone anchor keeps only
	// the parties on its own channel.
	lone := len(cf.members) <= 1
	cf.dropParticipants(func(pt *Participant) bool {
		return pt.Call == pc || (lone && (pt.Call == nil || !cf.isMember(pt.Call)))
	})

	cf.pending = nil
	pc.conference = nil
	pc.hangupAsync()
	pc.finish(ctx)

	if err := cf.restoreAnchor(ctx, OpConfCancel); err != nil {
		return fmt.Errorf("conference %d cancel: %w", cf.id, err)
	}
	cf.pos.log.Info("[Conference] Consultation cancelled", "conference_id", cf.id, "call_id", pc.id)
	return nil
}

// Hold holds the conference through its anchor and propagates the hold to
// every member.
func (cf *Conference) Hold(ctx context.Context, exclusive bool) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()
	return cf.hold(ctx, exclusive, nil)
}

// hold signals the hold on the anchor. bound is the member whose guard the
// caller already holds, if any; the anchor's guard is bound otherwise.
func (cf *Conference) hold(ctx context.Context, exclusive bool, bound *Call) error {
	release, err := cf.acquire(OpConfHold)
	if err != nil {
		return err
	}
	defer release()

	a := cf.anchor
	if a == nil || a.state != CallConnected {
		return cf.incapable(OpConfHold, "conference is %s", cf.state)
	}
	if a != bound {
		releaseAnchor, err := a.acquire(OpHold)
		if err != nil {
			return err
		}
		defer releaseAnchor()
	}

	cf.suspended = true
	defer cf.resume()

	to, err := a.holdSignal(ctx, exclusive)
	if err != nil {
		return a.failBridge(ctx, OpConfHold, err)
	}
	if cf.state == ConferenceFinished || cf.anchor != a || a.state != CallConnected {
		return cf.incapable(OpConfHold, "anchor changed during hold")
	}
	for _, m := range slices.Clone(cf.members) {
		if m.Call.state == CallConnected {
			m.Call.assignState(to)
		}
	}
	cf.pos.log.Info("[Conference] Held", "conference_id", cf.id, "state", to)
	return nil
}

// Unhold retrieves the conference. Other connected calls are held first.
func (cf *Conference) Unhold(ctx context.Context) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()
	return cf.unhold(ctx, nil)
}

// unhold retrieves the conference through its anchor. bound is as for hold.
func (cf *Conference) unhold(ctx context.Context, bound *Call) error {
	release, err := cf.acquire(OpConfUnhold)
	if err != nil {
		return err
	}
	defer release()

	a := cf.anchor
	if a == nil || !a.state.IsHeld() {
		return cf.incapable(OpConfUnhold, "conference is %s", cf.state)
	}
	if cf.pending != nil {
		return cf.incapable(OpConfUnhold, "consultation pending")
	}
	if a != bound {
		releaseAnchor, err := a.acquire(OpUnhold)
		if err != nil {
			return err
		}
		defer releaseAnchor()
	}

	arb := cf.pos.newForceConnectArbiter(a)
	defer arb.Erase()
	if !arb.GoAhead() {
		return cf.incapable(OpConfUnhold, "force connect in progress")
	}
	if err := cf.pos.holdConnected(ctx, a); err != nil {
		return fmt.Errorf("conference %d unhold: %w", cf.id, err)
	}

	cf.suspended = true
	defer cf.resume()

	if err := a.unholdSignal(ctx); err != nil {
		return a.failBridge(ctx, OpConfUnhold, err)
	}
	if cf.state == ConferenceFinished || cf.anchor != a || !a.state.IsHeld() {
		return cf.incapable(OpConfUnhold, "anchor changed during unhold")
	}
	for _, m := range slices.Clone(cf.members) {
		if m.Call.state.IsHeld() {
			m.Call.assignState(CallConnected)
		}
	}
	cf.pos.log.Info("[Conference] Retrieved", "conference_id", cf.id)
	return nil
}

// Transfer removes the operator from the bridge and leaves the remaining
// parties connected. The bridge resource is not released.
func (cf *Conference) Transfer(ctx context.Context) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()

	release, err := cf.acquire(OpConfTransfer)
	if err != nil {
		return err
	}
	defer release()

	if cf.state != ConferenceConnected && cf.state != ConferenceHold {
		return cf.incapable(OpConfTransfer, "conference is %s", cf.state)
	}
	if cf.pending != nil {
		return cf.incapable(OpConfTransfer, "consultation pending")
	}

	req := cf.bridgeRequest()
	if err := cf.pos.await(func() error {
		_, err := cf.pos.node.ConferenceRemove(ctx, req)
		return err
	}); err != nil {
		return fmt.Errorf("conference %d transfer: %w", cf.id, err)
	}
	if cf.state == ConferenceFinished {
		return nil
	}

	cf.transferred = true
	cf.suspended = true
	for _, m := range slices.Clone(cf.members) {
		m.Call.sessionID = ""
		m.Call.finish(ctx)
	}
	cf.resume()
	cf.pos.log.Info("[Conference] Transferred", "conference_id", cf.id, "bridge_id", cf.bridgeID)
	return nil
}

// RemoveParticipant removes a remote party from the bridge.
func (cf *Conference) RemoveParticipant(ctx context.Context, participantID string) error {
	cf.pos.mu.Lock()
	defer cf.pos.mu.Unlock()

	release, err := cf.acquire(OpConfRemove)
	if err != nil {
		return err
	}
	defer release()

	if cf.state == ConferenceFinished {
		return cf.incapable(OpConfRemove, "conference is %s", cf.state)
	}
	if _, ok := cf.participants[participantID]; !ok {
		return cf.incapable(OpConfRemove, "unknown participant %s", participantID)
	}

	req := cf.bridgeRequest()
	req.ParticipantID = participantID
	if err := cf.pos.await(func() error {
		_, err := cf.pos.node.ConferenceRemove(ctx, req)
		return err
	}); err != nil {
		return fmt.Errorf("conference %d remove %s: %w", cf.id, participantID, err)
	}

	if pt, ok := cf.participants[participantID]; ok && cf.state != ConferenceFinished {
		delete(cf.participants, participantID)
		cf.pos.pub.PublishAsync(cf.pos.events.Participant(events.ParticipantRemoved, cf.idString(), pt.event()))
		cf.recompute()
	}
	cf.pos.log.Info("[Conference] Participant removed", "conference_id", cf.id, "participant_id", participantID)
	return nil
}
