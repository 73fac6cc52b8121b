package callctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/events"
)

func TestComputeConferenceState(t *testing.T) {
	ext, in := ParticipantExternal, ParticipantInternal

	tests := []struct {
		name         string
		members      []CallState
		pending      bool
		participants []ParticipantType
		want         ConferenceState
		wantRollback bool
	}{
		{
			name: "no members",
			want: ConferenceFinished,
		},
		{
			name:         "single member with two parties",
			members:      []CallState{CallConnected},
			participants: []ParticipantType{ext, in},
			want:         ConferenceFinished,
		},
		{
			name:         "single member with internal parties rolls back",
			members:      []CallState{CallConnected},
			participants: []ParticipantType{in, in},
			want:         ConferenceFinished,
			wantRollback: true,
		},
		{
			name:    "single member alone",
			members: []CallState{CallConnected},
			want:    ConferenceFinished,
		},
		{
			name:         "single member with three parties",
			members:      []CallState{CallConnected},
			participants: []ParticipantType{ext, ext, in},
			want:         ConferenceConnected,
		},
		{
			name:    "two connected members",
			members: []CallState{CallConnected, CallConnected},
			want:    ConferenceConnected,
		},
		{
			name:    "held member",
			members: []CallState{CallConnected, CallIHold},
			want:    ConferenceHold,
		},
		{
			name:    "held anchor with pending consultation",
			members: []CallState{CallIHold},
			pending: true,
			want:    ConferenceHoldPendingConference,
		},
		{
			name:    "connected anchor with pending consultation",
			members: []CallState{CallConnected},
			pending: true,
			want:    ConferenceConnected,
		},
		{
			name:    "nobody connected",
			members: []CallState{CallOffered, CallProceeding},
			want:    ConferenceIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rollback := ComputeConferenceState(tt.members, tt.pending, tt.participants)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantRollback, rollback)
		})
	}
}

// bridgedCall offers and answers a call that is bridged on channelID.
func (h *harness) bridgedCall(t *testing.T, session, lineID, channelID string, info CallInfo) *Call {
	t.Helper()
	info.ChannelID = channelID
	return h.connected(t, session, lineID, info)
}

func newBridgeHarness(t *testing.T, mutate ...func(*Config, *Deps)) *harness {
	h := newHarness(t, mutate...)
	h.node.results["ConferenceAcquire"] = BridgeResult{ConferenceID: "br1"}
	h.node.results["ConferenceJoin"] = BridgeResult{ChannelID: "ch-leg"}
	return h
}

func consult(t *testing.T, h *harness, c *Call) (*Conference, *Call) {
	t.Helper()
	cf, err := h.pos.Factory().Consult(context.Background(), c, "2001")
	require.NoError(t, err)
	snap := cf.Snapshot()
	require.NotZero(t, snap.PendingCallID)
	pc, ok := h.pos.Call(snap.PendingCallID)
	require.True(t, ok)
	return cf, pc
}

func TestConsultHoldsSourceAndDialsIntercom(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})

	cf, pc := consult(t, h, src)

	assert.Equal(t, CallIHold, src.State())
	assert.Equal(t, CallConnected, pc.State())
	assert.Equal(t, "icm1", pc.Snapshot().LineID)
	assert.Equal(t, ConferenceHoldPendingConference, cf.State())
	assert.Equal(t, "br1", cf.Snapshot().BridgeID)
	assert.True(t, cf.Snapshot().Locked)
	assert.Equal(t, 1, h.node.called("ConferenceLock"))
	assert.Len(t, h.pos.ConferenceSnapshots(), 1)
	assert.Equal(t, 1, countType(h.drain(), events.ConferenceCreated))
}

func TestConsultCancelRestoresSource(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, pc := consult(t, h, src)

	require.NoError(t, cf.Cancel(context.Background()))

	assert.Equal(t, CallConnected, src.State())
	assert.Nil(t, src.Conference())
	assert.Equal(t, CallFinished, pc.State())
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
	assert.Equal(t, 1, h.node.called("ConferenceUnlock"))
	require.Eventually(t, func() bool { return h.node.called("ConferenceRelease") == 1 }, time.Second, 5*time.Millisecond)
	assert.Less(t, h.node.firstCall("ConferenceUnlock"), h.node.firstCall("ConferenceRelease"))
	assert.Equal(t, 1, countType(h.drain(), events.ConferenceEnded))
}

func TestConsultCancelAfterSnapshotEndsConference(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{Is911: true})
	cf, pc := consult(t, h, src)
	ctx := context.Background()

	require.NoError(t, h.pos.HandleParticipants(ctx, ParticipantSnapshot{
		NodeID: "node1", Sequence: 1, ConferenceID: "br1",
		Participants: []ParticipantReport{
			{ID: "p1", Type: ParticipantExternal, ChannelID: "ch1"},
			{ID: "p2", Type: ParticipantInternal},
			{ID: "p3", Type: ParticipantExternal},
		},
	}))
	require.Equal(t, ConferenceHoldPendingConference, cf.State())
	h.drain()

	require.NoError(t, cf.Cancel(ctx))

	assert.Equal(t, CallConnected, src.State())
	assert.Nil(t, src.Conference())
	assert.Equal(t, CallFinished, pc.State())
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
	assert.Equal(t, 2, countType(h.drain(), events.ParticipantRemoved))
}

func TestConsultConnectJoinsBothCalls(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, pc := consult(t, h, src)

	require.NoError(t, cf.Connect(context.Background()))

	snap := cf.Snapshot()
	assert.Equal(t, ConferenceConnected, snap.State)
	assert.Zero(t, snap.PendingCallID)
	assert.Equal(t, src.ID(), snap.AnchorCallID)
	require.Len(t, snap.Members, 2)
	assert.Equal(t, MemberConsultCall, snap.Members[1].Type)
	assert.False(t, snap.Locked)
	assert.Equal(t, CallConnected, src.State())
	assert.Equal(t, CallConnected, pc.State())
	assert.Less(t, h.node.firstCall("ConferenceJoin"), h.node.firstCall("ConferenceUnlock"))

	// The consultation leg leaving ends a two-member conference.
	require.NoError(t, pc.Drop(context.Background()))
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Nil(t, src.Conference())
	assert.Equal(t, CallConnected, src.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
}

func TestConsultConnectRequiresAnsweredLeg(t *testing.T) {
	h := newBridgeHarness(t)
	h.phone.outcomes = []SessionOutcome{OutcomeRinging}
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, pc := consult(t, h, src)
	require.Equal(t, CallProceeding, pc.State())

	assert.ErrorIs(t, cf.Connect(context.Background()), ErrIncapable)
	assert.Equal(t, ConferenceHoldPendingConference, cf.State())
}

func TestConsultFailureRestoresSource(t *testing.T) {
	h := newBridgeHarness(t)
	h.phone.outcomes = []SessionOutcome{OutcomeBusy}
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})

	_, err := h.pos.Factory().Consult(context.Background(), src, "2001")
	assert.ErrorIs(t, err, ErrDialFailed)
	assert.Equal(t, CallConnected, src.State())
	assert.Nil(t, src.Conference())
	assert.Empty(t, h.pos.ConferenceSnapshots())
	require.Eventually(t, func() bool { return h.node.called("ConferenceRelease") == 1 }, time.Second, 5*time.Millisecond)
}

func TestConsultRejectsRestrictedLine(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.bridgedCall(t, "s1", "icm1", "ch1", CallInfo{})

	_, err := h.pos.Factory().Consult(context.Background(), c, "2001")
	assert.ErrorIs(t, err, ErrIncapable)
	assert.Zero(t, h.node.called("ConferenceAcquire"))
}

func TestSupervisedTransferConsults(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})

	require.NoError(t, src.Transfer(context.Background(), "2001", true))
	cf := src.Conference()
	require.NotNil(t, cf)
	assert.Equal(t, ConferenceHoldPendingConference, cf.State())
}

func TestNoHoldConference(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})

	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)

	snap := cf.Snapshot()
	assert.Equal(t, ConferenceConnected, snap.State)
	assert.Equal(t, ProtocolNoHold, snap.Protocol)
	require.Len(t, snap.Members, 2)
	assert.False(t, snap.Locked)
	assert.Equal(t, CallConnected, src.State())
	assert.Zero(t, h.node.called("CallHold"))

	leg, ok := h.pos.Call(snap.Members[1].CallID)
	require.True(t, ok)
	assert.Equal(t, "ch-leg", leg.Snapshot().Info.ChannelID)
}

func TestConferenceHoldPropagates(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)
	leg, _ := h.pos.Call(cf.Snapshot().Members[1].CallID)
	ctx := context.Background()

	var seen []ConferenceState
	cf.OnStateChange(func(ch ConferenceStateChange) { seen = append(seen, ch.To) })

	require.NoError(t, src.Hold(ctx, true))
	assert.Equal(t, CallIHold, src.State())
	assert.Equal(t, CallIHold, leg.State())
	assert.Equal(t, ConferenceHold, cf.State())
	assert.Equal(t, 1, h.node.called("CallHold"))
	assert.Equal(t, "br1", h.node.reqs["CallHold"][0].ConferenceID)

	require.NoError(t, leg.Unhold(ctx))
	assert.Equal(t, CallConnected, src.State())
	assert.Equal(t, CallConnected, leg.State())
	assert.Equal(t, ConferenceConnected, cf.State())
	assert.Equal(t, []ConferenceState{ConferenceHold, ConferenceConnected}, seen)
}

func TestConferenceForcedHoldPropagatesSharedHold(t *testing.T) {
	h := newBridgeHarness(t)
	h.node.results["CallHold"] = BridgeResult{Result: ResultForcedHold}
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)

	require.NoError(t, cf.Hold(context.Background(), true))
	for _, m := range cf.Snapshot().Members {
		assert.Equal(t, CallHold, m.State)
	}
}

func waitEntered(t *testing.T, entered <-chan string, method string) {
	t.Helper()
	select {
	case m := <-entered:
		require.Equal(t, method, m)
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never reached the node", method)
	}
}

func TestConferenceHoldBindsAnchorGuard(t *testing.T) {
	for _, viaConference := range []bool{false, true} {
		h := newBridgeHarness(t)
		src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
		cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
		require.NoError(t, err)
		leg, _ := h.pos.Call(cf.Snapshot().Members[1].CallID)

		gate := make(chan struct{})
		h.node.gates["CallHold"] = gate
		holdDone := make(chan error, 1)
		go func() {
			if viaConference {
				holdDone <- cf.Hold(context.Background(), true)
			} else {
				holdDone <- src.Hold(context.Background(), true)
			}
		}()
		waitEntered(t, h.node.entered, "CallHold")

		assert.Equal(t, OpHold, src.InProgress(), "via conference=%v", viaConference)
		assert.Equal(t, OpConfHold, cf.Snapshot().Op)

		err = src.Drop(context.Background())
		var inProgress *OperationInProgressError
		require.ErrorAs(t, err, &inProgress)
		assert.Equal(t, OpHold, inProgress.Current)
		assert.Equal(t, OpDrop, inProgress.Requested)
		assert.Zero(t, h.node.called("CallDrop"))

		close(gate)
		require.NoError(t, <-holdDone)
		assert.Equal(t, CallIHold, src.State())
		assert.Equal(t, CallIHold, leg.State())
		assert.Equal(t, ConferenceHold, cf.State())
		assert.Equal(t, OpNone, src.InProgress())
	}
}

func TestConferenceHoldRechecksAnchorAfterSignal(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)
	leg, _ := h.pos.Call(cf.Snapshot().Members[1].CallID)

	gate := make(chan struct{})
	h.node.gates["CallHold"] = gate
	holdDone := make(chan error, 1)
	go func() { holdDone <- src.Hold(context.Background(), true) }()
	waitEntered(t, h.node.entered, "CallHold")

	// The caller hangs up while the hold is on the wire.
	h.pos.HandleSessionEvent(context.Background(), SessionEvent{SessionID: "s1", Kind: SessionTerminated})
	close(gate)

	assert.ErrorIs(t, <-holdDone, ErrIncapable)
	assert.Equal(t, CallFinished, src.State())
	assert.Equal(t, CallConnected, leg.State())
	assert.Nil(t, leg.Conference())
	assert.Empty(t, h.pos.ConferenceSnapshots())
}

func TestRecomputeWithoutChangeIsIdempotent(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)
	leg, _ := h.pos.Call(cf.Snapshot().Members[1].CallID)
	h.drain()

	h.pos.mu.Lock()
	cf.recompute()
	cf.recompute()
	h.pos.mu.Unlock()
	assert.Equal(t, ConferenceConnected, cf.State())
	assert.Zero(t, countType(h.drain(), events.ConferenceStateChanged))

	h.pos.mu.Lock()
	leg.assignState(CallIHold)
	cf.recompute()
	cf.recompute()
	h.pos.mu.Unlock()
	assert.Equal(t, ConferenceHold, cf.State())
	assert.Equal(t, 1, countType(h.drain(), events.ConferenceStateChanged))
}

func TestNoHoldConferenceEndsWhenLegFinishes(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)
	leg, _ := h.pos.Call(cf.Snapshot().Members[1].CallID)

	require.NoError(t, leg.Drop(context.Background()))

	assert.Equal(t, CallFinished, leg.State())
	assert.Equal(t, CallConnected, src.State())
	assert.Nil(t, src.Conference())
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
	require.Eventually(t, func() bool { return h.node.called("ConferenceRelease") == 1 }, time.Second, 5*time.Millisecond)
}

func TestPatchEndsWhenMemberFinishes(t *testing.T) {
	h := newBridgeHarness(t)
	held, conn := patchPair(t, h)
	cf, err := h.pos.Factory().Patch(context.Background(), held, conn)
	require.NoError(t, err)
	require.Equal(t, conn.ID(), cf.Snapshot().AnchorCallID)

	h.pos.HandleSessionEvent(context.Background(), SessionEvent{SessionID: "s1", Kind: SessionTerminated})

	assert.Equal(t, CallFinished, held.State())
	assert.Equal(t, CallConnected, conn.State())
	assert.Nil(t, conn.Conference())
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Empty(t, h.pos.ConferenceSnapshots())
}

func TestConferenceTransferKeepsBridge(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)

	require.NoError(t, cf.Transfer(context.Background()))
	assert.Equal(t, ConferenceFinished, cf.State())
	assert.Equal(t, CallFinished, src.State())
	assert.Empty(t, h.pos.Calls())
	assert.Empty(t, h.pos.ConferenceSnapshots())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.node.called("ConferenceRelease"))
}

func TestSelectPatchAnchor(t *testing.T) {
	tests := []struct {
		name string
		a, b PatchCandidate
		want bool
	}{
		{
			name: "text beats 911",
			a:    PatchCandidate{IsText: true, ContextID: 9},
			b:    PatchCandidate{Is911: true, ContextID: 1},
			want: true,
		},
		{
			name: "911 beats shared line",
			a:    PatchCandidate{Sharing: SharingPublic, ContextID: 1},
			b:    PatchCandidate{Is911: true, ContextID: 2},
			want: false,
		},
		{
			name: "shared line beats SIP",
			a:    PatchCandidate{Sharing: SharingShared, ContextID: 5},
			b:    PatchCandidate{IsSIP: true, ContextID: 1},
			want: true,
		},
		{
			name: "SIP beats plain",
			a:    PatchCandidate{ContextID: 1},
			b:    PatchCandidate{IsSIP: true, ContextID: 2},
			want: false,
		},
		{
			name: "tie goes to more permissive sharing",
			a:    PatchCandidate{Is911: true, Sharing: SharingShared, ContextID: 1},
			b:    PatchCandidate{Is911: true, Sharing: SharingPublic, ContextID: 2},
			want: false,
		},
		{
			name: "tie goes to lower context id",
			a:    PatchCandidate{Is911: true, ContextID: 3},
			b:    PatchCandidate{Is911: true, ContextID: 4},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectPatchAnchor(tt.a, tt.b))
			if tt.a != tt.b {
				assert.Equal(t, !tt.want, SelectPatchAnchor(tt.b, tt.a), "reversed")
			}
		})
	}
}

// patchPair returns a connected 911 call on a private line and an
// exclusively held call on a shared line.
func patchPair(t *testing.T, h *harness) (held, connected *Call) {
	t.Helper()
	held = h.bridgedCall(t, "s1", "trunk1", "ch-a", CallInfo{})
	connected = h.bridgedCall(t, "s2", "trunk2", "ch-b", CallInfo{Is911: true})
	require.Equal(t, CallIHold, held.State())
	return held, connected
}

func TestPatchAnchorsOn911Call(t *testing.T) {
	for _, swap := range []bool{false, true} {
		h := newBridgeHarness(t)
		held, conn := patchPair(t, h)
		a, b := held, conn
		if swap {
			a, b = conn, held
		}

		cf, err := h.pos.Factory().Patch(context.Background(), a, b)
		require.NoError(t, err)

		snap := cf.Snapshot()
		assert.Equal(t, conn.ID(), snap.AnchorCallID, "swap=%v", swap)
		assert.Equal(t, ProtocolPatch, snap.Protocol)
		assert.Equal(t, ConferenceConnected, snap.State)
		assert.Equal(t, CallConnected, held.State())
		assert.Equal(t, CallConnected, conn.State())
		assert.Zero(t, h.node.called("CallPatch"))
		require.Len(t, h.node.reqs["ConferenceJoin"], 1)
		assert.Equal(t, "ch-a", h.node.reqs["ConferenceJoin"][0].ChannelID)
	}
}

func TestPatchRelocatesInternodeCall(t *testing.T) {
	h := newBridgeHarness(t)
	held, err := h.pos.Offer(context.Background(), IncomingOffer{
		NodeID: "node2", SessionID: "s1", LineID: "trunk1", Info: CallInfo{ChannelID: "ch-a"},
	})
	require.NoError(t, err)
	require.NoError(t, held.Answer(context.Background()))
	conn := h.bridgedCall(t, "s2", "trunk2", "ch-b", CallInfo{Is911: true})

	h.node.results["CallPatch"] = BridgeResult{Result: ResultPatchParked}
	h.node.onCall = func(method string, req BridgeRequest) {
		if method == "CallPatch" {
			go h.pos.HandleRelocation(req.ChannelID, "node1")
		}
	}

	cf, err := h.pos.Factory().Patch(context.Background(), held, conn)
	require.NoError(t, err)
	assert.Equal(t, ConferenceConnected, cf.State())
	assert.Equal(t, "node1", held.Snapshot().NodeID)
	require.Len(t, h.node.reqs["CallPatch"], 1)
	assert.Equal(t, "ch-b", h.node.reqs["CallPatch"][0].PeerChannelID)
}

func TestPatchRequiresConnectedAndHeldPair(t *testing.T) {
	h := newBridgeHarness(t)
	a := h.bridgedCall(t, "s1", "trunk1", "ch-a", CallInfo{})
	b := h.offer(t, "s2", "trunk2", CallInfo{ChannelID: "ch-b"})

	_, err := h.pos.Factory().Patch(context.Background(), a, b)
	assert.ErrorIs(t, err, ErrIncapable)
	assert.Zero(t, h.node.called("ConferenceAcquire"))
	assert.Equal(t, OpNone, a.InProgress())
	assert.Equal(t, OpNone, b.InProgress())
}

func TestRemoveParticipant(t *testing.T) {
	h := newBridgeHarness(t)
	src := h.bridgedCall(t, "s1", "trunk1", "ch1", CallInfo{})
	cf, err := h.pos.Factory().NoHoldConference(context.Background(), src, "2002")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, h.pos.HandleParticipants(ctx, ParticipantSnapshot{
		NodeID: "node1", Sequence: 1, ConferenceID: "br1",
		Participants: []ParticipantReport{
			{ID: "p1", Type: ParticipantInternal, ChannelID: "ch1"},
			{ID: "p2", Type: ParticipantExternal, ChannelID: "ch-leg"},
			{ID: "p3", Type: ParticipantExternal},
		},
	}))
	h.drain()

	require.NoError(t, cf.RemoveParticipant(ctx, "p3"))
	assert.Len(t, cf.Snapshot().Participants, 2)
	assert.Equal(t, "p3", h.node.reqs["ConferenceRemove"][0].ParticipantID)
	assert.Equal(t, 1, countType(h.drain(), events.ParticipantRemoved))

	assert.ErrorIs(t, cf.RemoveParticipant(ctx, "p3"), ErrIncapable)
}
