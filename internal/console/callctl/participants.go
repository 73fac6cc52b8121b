package callctl

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sebas/psapconsole/internal/console/events"
)

// sequenceResetGap is how far a snapshot sequence may fall behind the last
// accepted one before it is taken as a node restart and accepted anyway.
const sequenceResetGap = 10

// ParticipantReport is one participant entry of a bridge snapshot.
type ParticipantReport struct {
	ID        string
	Type      ParticipantType
	Status    string
	DN        string
	ChannelID string
	Muted     bool
	Deafened  bool
	// Owner is the operator device that added the participant.
	Owner string
}

// ParticipantSnapshot is a full participant list of one bridge resource as
// reported by a node. Sequence increases per node.
type ParticipantSnapshot struct {
	NodeID       string
	Sequence     uint64
	ConferenceID string
	// ChannelID is the channel of the call the bridge was created for.
	ChannelID    string
	Participants []ParticipantReport
}

// ParticipantTracker reconciles bridge snapshots into conferences.
type ParticipantTracker struct {
	pos     *Position
	lastSeq map[string]uint64
}

func newParticipantTracker(p *Position) *ParticipantTracker {
	return &ParticipantTracker{pos: p, lastSeq: make(map[string]uint64)}
}

// accept applies the per-node sequence rule: newer snapshots are taken, and
// so is any snapshot more than sequenceResetGap away from the last one.
func (t *ParticipantTracker) accept(nodeID string, seq uint64) bool {
	last, ok := t.lastSeq[nodeID]
	if ok && seq <= last && last-seq <= sequenceResetGap {
		return false
	}
	t.lastSeq[nodeID] = seq
	return true
}

// reconcileOps are the operations that may create a conference locally
// while a snapshot for it is in flight.
var reconcileOps = []Op{OpAnswer, OpBarge, OpUnhold, OpConfConnect, OpConfPatch}

func (t *ParticipantTracker) handle(ctx context.Context, snap ParticipantSnapshot) error {
	p := t.pos
	if !t.accept(snap.NodeID, snap.Sequence) {
		p.metrics.snapshot("stale")
		p.log.Debug("[Participants] Stale snapshot",
			"node_id", snap.NodeID,
			"sequence", snap.Sequence,
			"last", t.lastSeq[snap.NodeID])
		return nil
	}

	reports := make([]ParticipantReport, 0, len(snap.Participants))
	for _, r := range snap.Participants {
		if r.Owner != "" && r.Owner != p.cfg.Device {
			continue
		}
		reports = append(reports, r)
	}

	cf := p.confs.FindByBridgeID(snap.ConferenceID)
	if cf == nil {
		var err error
		if cf, err = t.reconcileConference(ctx, snap, reports); err != nil || cf == nil {
			return err
		}
	}

	t.reconcile(cf, reports)
	p.metrics.snapshot("accepted")
	return nil
}

// reconcileConference finds or creates the conference for a snapshot whose
// bridge is not yet known. It returns nil when no conference is needed.
func (t *ParticipantTracker) reconcileConference(ctx context.Context, snap ParticipantSnapshot, reports []ParticipantReport) (*Conference, error) {
	p := t.pos
	if len(reports) <= 2 {
		p.metrics.snapshot("ignored")
		return nil, nil
	}
	origin := p.calls.FindByChannel(snap.ChannelID)
	if origin == nil {
		p.metrics.snapshot("ignored")
		p.log.Debug("[Participants] No origin call for snapshot", "channel_id", snap.ChannelID)
		return nil, nil
	}

	if op := origin.guard.InProgress(); slices.Contains(reconcileOps, op) {
		p.log.Debug("[Participants] Waiting for operation before reconciling",
			"call_id", origin.id,
			"op", op)
		if err := t.waitOperation(ctx, origin); err != nil {
			p.metrics.snapshot("timeout")
			return nil, err
		}
		if t.lastSeq[snap.NodeID] != snap.Sequence {
			p.metrics.snapshot("superseded")
			return nil, nil
		}
		if cf := p.confs.FindByBridgeID(snap.ConferenceID); cf != nil {
			return cf, nil
		}
		if origin.state.IsTerminal() {
			p.metrics.snapshot("ignored")
			return nil, nil
		}
	}

	if cf := origin.conference; cf != nil {
		if cf.bridgeID == "" {
			cf.bridgeID = snap.ConferenceID
		}
		return cf, nil
	}

	cf := p.newConference(snap.ConferenceID, snap.NodeID, ProtocolReconciled)
	cf.addMember(origin, MemberInitialCall)
	cf.register()
	return cf, nil
}

// waitOperation blocks until the operation bound to c ends or the
// reconciliation timeout expires.
func (t *ParticipantTracker) waitOperation(ctx context.Context, c *Call) error {
	done := c.guard.Done()
	timeout := t.pos.cfg.ReconcileTimeout
	return t.pos.await(func() error {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
			return nil
		case <-timer.C:
			return fmt.Errorf("reconcile call %d: operation still running after %s: %w", c.id, timeout, ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// reconcile upserts reported participants, removes the ones no longer
// reported and recomputes the conference state.
func (t *ParticipantTracker) reconcile(cf *Conference, reports []ParticipantReport) {
	p := t.pos
	seen := make(map[string]bool, len(reports))

	for _, r := range reports {
		seen[r.ID] = true
		next := Participant{
			ID:        r.ID,
			Type:      r.Type,
			Status:    r.Status,
			DN:        r.DN,
			ChannelID: r.ChannelID,
			Muted:     r.Muted,
			Deafened:  r.Deafened,
			Call:      p.calls.FindByChannel(r.ChannelID),
		}
		pt, ok := cf.participants[r.ID]
		switch {
		case !ok:
			pt = &next
			cf.participants[r.ID] = pt
			p.pub.PublishAsync(p.events.Participant(events.ParticipantAdded, cf.idString(), pt.event()))
		case *pt != next:
			*pt = next
			p.pub.PublishAsync(p.events.Participant(events.ParticipantUpdated, cf.idString(), pt.event()))
		}
	}

	for _, pt := range cf.sortedParticipants() {
		if seen[pt.ID] {
			continue
		}
		delete(cf.participants, pt.ID)
		p.pub.PublishAsync(p.events.Participant(events.ParticipantRemoved, cf.idString(), pt.event()))
	}

	p.log.Debug("[Participants] Reconciled",
		"conference_id", cf.id,
		"participants", len(cf.participants))
	if !cf.suspended {
		cf.recompute()
	}
}
