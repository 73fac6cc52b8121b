package callctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/events"
)

func TestTrackerSequenceRule(t *testing.T) {
	tr := newParticipantTracker(nil)

	assert.True(t, tr.accept("n1", 100), "first snapshot")
	assert.True(t, tr.accept("n1", 101), "next sequence")
	assert.False(t, tr.accept("n1", 101), "repeated sequence")
	assert.False(t, tr.accept("n1", 98), "slightly older")
	assert.True(t, tr.accept("n1", 86), "far behind is a node restart")
	assert.False(t, tr.accept("n1", 83), "older than the restart point")
	assert.True(t, tr.accept("n2", 1), "nodes are tracked separately")
}

func reports(ids ...string) []ParticipantReport {
	out := make([]ParticipantReport, len(ids))
	for i, id := range ids {
		out[i] = ParticipantReport{ID: id, Type: ParticipantExternal, Status: "talking"}
	}
	return out
}

func snapshot(seq uint64, parts []ParticipantReport) ParticipantSnapshot {
	return ParticipantSnapshot{
		NodeID:       "node1",
		Sequence:     seq,
		ConferenceID: "br7",
		ChannelID:    "ch-r",
		Participants: parts,
	}
}

func TestSnapshotCreatesReconciledConference(t *testing.T) {
	h := newHarness(t)
	c := h.bridgedCall(t, "s1", "trunk1", "ch-r", CallInfo{})
	parts := reports("p1", "p2", "p3")
	parts[0].ChannelID = "ch-r"
	parts[0].Type = ParticipantInternal

	require.NoError(t, h.pos.HandleParticipants(context.Background(), snapshot(1, parts)))

	cf := c.Conference()
	require.NotNil(t, cf)
	snap := cf.Snapshot()
	assert.Equal(t, ProtocolReconciled, snap.Protocol)
	assert.Equal(t, "br7", snap.BridgeID)
	assert.Equal(t, ConferenceConnected, snap.State)
	require.Len(t, snap.Participants, 3)
	assert.Equal(t, c.ID(), snap.Participants[0].CallID)
	assert.Equal(t, 3, countType(h.drain(), events.ParticipantAdded))
}

func TestSnapshotWithTwoPartiesIsIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.bridgedCall(t, "s1", "trunk1", "ch-r", CallInfo{})

	require.NoError(t, h.pos.HandleParticipants(context.Background(), snapshot(1, reports("p1", "p2"))))
	assert.Nil(t, c.Conference())
	assert.Empty(t, h.pos.ConferenceSnapshots())
}

func TestSnapshotOwnerFilter(t *testing.T) {
	h := newHarness(t)
	c := h.bridgedCall(t, "s1", "trunk1", "ch-r", CallInfo{})
	ctx := context.Background()

	parts := reports("p1", "p2", "p3", "p4")
	parts[0].Owner = "dev1"
	parts[2].Owner = "dev2"
	parts[3].Owner = "dev2"
	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(1, parts)))
	assert.Nil(t, c.Conference(), "two parties left after filtering")

	parts[3].Owner = ""
	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(2, parts)))
	cf := c.Conference()
	require.NotNil(t, cf)
	var ids []string
	for _, pt := range cf.Snapshot().Participants {
		ids = append(ids, pt.ID)
	}
	assert.Equal(t, []string{"p1", "p2", "p4"}, ids)
}

func TestSnapshotAddRemoveRoundTrip(t *testing.T) {
	h := newHarness(t)
	c := h.bridgedCall(t, "s1", "trunk1", "ch-r", CallInfo{})
	ctx := context.Background()

	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(1, reports("p1", "p2", "p3"))))
	require.NotNil(t, c.Conference())
	h.drain()

	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(2, reports("p1", "p2", "p3", "p4"))))
	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(3, reports("p1", "p2", "p3"))))

	evs := h.drain()
	assert.Equal(t, 1, countType(evs, events.ParticipantAdded))
	assert.Equal(t, 1, countType(evs, events.ParticipantRemoved))
	assert.Equal(t, 0, countType(evs, events.ParticipantUpdated))
	assert.Len(t, c.Conference().Snapshot().Participants, 3)

	changed := reports("p1", "p2", "p3")
	changed[1].Muted = true
	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(4, changed)))
	evs = h.drain()
	assert.Equal(t, 1, countType(evs, events.ParticipantUpdated))
	assert.Equal(t, 0, countType(evs, events.ParticipantAdded))

	// Stale snapshots change nothing.
	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(2, reports("p1", "p2", "p3", "p4"))))
	assert.Empty(t, h.drain())
}

func TestMemberFinishEndsReconciledConference(t *testing.T) {
	h := newHarness(t)
	c := h.bridgedCall(t, "s1", "trunk1", "ch-r", CallInfo{})
	ctx := context.Background()

	require.NoError(t, h.pos.HandleParticipants(ctx, snapshot(1, reports("p1", "p2", "p3"))))
	cf := c.Conference()
	require.NotNil(t, cf)

	require.NoError(t, c.Drop(ctx))
	assert.Equal(t, CallFinished, c.State())
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
	require.Eventually(t, func() bool { return h.node.called("ConferenceRelease") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSnapshotWaitsForAnswer(t *testing.T) {
	h := newHarness(t)
	c := h.offer(t, "s1", "trunk1", CallInfo{ChannelID: "ch-r"})
	ctx := context.Background()

	gate := make(chan struct{})
	h.phone.gates["Answer"] = gate
	answered := make(chan error, 1)
	go func() { answered <- c.Answer(ctx) }()
	<-h.phone.entered
	require.Equal(t, OpAnswer, c.InProgress())

	reconciled := make(chan error, 1)
	go func() { reconciled <- h.pos.HandleParticipants(ctx, snapshot(1, reports("p1", "p2", "p3"))) }()

	select {
	case err := <-reconciled:
		t.Fatalf("reconciled while answer in progress: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Nil(t, c.Conference())

	close(gate)
	require.NoError(t, <-answered)
	require.NoError(t, <-reconciled)

	cf := c.Conference()
	require.NotNil(t, cf)
	assert.Equal(t, ConferenceConnected, cf.State())
}

func TestSnapshotWaitTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.ReconcileTimeout = 20 * time.Millisecond
	})
	c := h.offer(t, "s1", "trunk1", CallInfo{ChannelID: "ch-r"})
	ctx := context.Background()

	gate := make(chan struct{})
	h.phone.gates["Answer"] = gate
	answered := make(chan error, 1)
	go func() { answered <- c.Answer(ctx) }()
	<-h.phone.entered

	err := h.pos.HandleParticipants(ctx, snapshot(1, reports("p1", "p2", "p3")))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, c.Conference())

	close(gate)
	require.NoError(t, <-answered)
}
