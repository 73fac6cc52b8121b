package sipphone

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

func TestBuildSDPModes(t *testing.T) {
	for _, mode := range []string{modeSendRecv, modeSendOnly, modeRecvOnly, modeInactive} {
		body, err := buildSDP("10.0.0.1", 4000, mode)
		require.NoError(t, err, mode)

		info, err := parseSDP(body)
		require.NoError(t, err, mode)
		assert.Equal(t, mode, info.mode)
		assert.False(t, info.text)
	}
}

func TestParseSDP(t *testing.T) {
	textOffer := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 5004 RTP/AVP 0\r\n" +
		"a=sendonly\r\n" +
		"m=text 5006 RTP/AVP 98\r\n" +
		"a=rtpmap:98 t140/1000\r\n"

	info, err := parseSDP([]byte(textOffer))
	require.NoError(t, err)
	assert.Equal(t, modeSendOnly, info.mode)
	assert.True(t, info.text)

	held := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n"
	info, err = parseSDP([]byte(held))
	require.NoError(t, err)
	assert.Equal(t, modeInactive, info.mode)

	info, err = parseSDP(nil)
	require.NoError(t, err)
	assert.Equal(t, modeSendRecv, info.mode)

	_, err = parseSDP([]byte("garbage"))
	assert.Error(t, err)
}

func TestAnswerMode(t *testing.T) {
	assert.Equal(t, modeRecvOnly, answerMode(modeSendOnly))
	assert.Equal(t, modeSendOnly, answerMode(modeRecvOnly))
	assert.Equal(t, modeInactive, answerMode(modeInactive))
	assert.Equal(t, modeSendRecv, answerMode(modeSendRecv))
	assert.Equal(t, modeSendRecv, answerMode(""))
}

func TestOutcomeForStatus(t *testing.T) {
	tests := []struct {
		code int
		want callctl.SessionOutcome
	}{
		{100, callctl.OutcomeTrying},
		{180, callctl.OutcomeRinging},
		{183, callctl.OutcomeProgress},
		{200, callctl.OutcomeAnswered},
		{486, callctl.OutcomeBusy},
		{600, callctl.OutcomeBusy},
		{603, callctl.OutcomeRejected},
		{503, callctl.OutcomeCongestion},
		{404, callctl.OutcomeFailed},
		{487, callctl.OutcomeFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcomeForStatus(tt.code), "status %d", tt.code)
	}
}

func TestTargetURI(t *testing.T) {
	uri, err := targetURI("5551234", "10.0.0.5:5070")
	require.NoError(t, err)
	assert.Equal(t, "5551234", uri.User)
	assert.Equal(t, "10.0.0.5", uri.Host)
	assert.Equal(t, 5070, uri.Port)

	uri, err = targetURI("sip:park-12@10.0.0.9:5080", "10.0.0.5:5070")
	require.NoError(t, err)
	assert.Equal(t, "park-12", uri.User)
	assert.Equal(t, "10.0.0.9", uri.Host)
}

func newInvite(t *testing.T, headers map[string]string) *sip.Request {
	t.Helper()

	var to, from, contact sip.Uri
	require.NoError(t, sip.ParseUri("sip:9110@console.local", &to))
	require.NoError(t, sip.ParseUri("sip:5551234@10.0.0.2:5060", &from))
	require.NoError(t, sip.ParseUri("sip:5551234@10.0.0.2:5062", &contact))

	req := sip.NewRequest(sip.INVITE, to)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "remote1")
	req.AppendHeader(&sip.FromHeader{Address: from, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader("call-abc")
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	for k, v := range headers {
		req.AppendHeader(sip.NewHeader(k, v))
	}
	return req
}

func TestOfferFromInvite(t *testing.T) {
	req := newInvite(t, map[string]string{
		headerNodeID:    "node2",
		headerLineID:    "trunk1",
		headerChannelID: "ch-9",
		headerUCI:       "uci-1",
		headerContextID: "42",
		headerPriority:  "3",
		headerCallType:  "911, wireless",
		headerCallback:  "5559876",
	})

	offer := offerFromInvite(req, "node1")
	assert.Equal(t, "node2", offer.NodeID)
	assert.Equal(t, "call-abc", offer.SessionID)
	assert.Equal(t, "trunk1", offer.LineID)

	info := offer.Info
	assert.Equal(t, "5551234", info.CallingParty)
	assert.Equal(t, "9110", info.TrunkAddress)
	assert.Equal(t, "ch-9", info.ChannelID)
	assert.Equal(t, "uci-1", info.UCI)
	assert.Equal(t, uint64(42), info.ContextID)
	assert.Equal(t, 3, info.Priority)
	assert.Equal(t, "5559876", info.CallbackNumber)
	assert.True(t, info.Is911)
	assert.True(t, info.Wireless)
	assert.False(t, info.IsText)
}

func TestOfferFromInviteDefaults(t *testing.T) {
	req := newInvite(t, map[string]string{
		headerPAI:      "<sip:5550000@carrier.example>",
		headerCallType: "text,internode",
	})

	offer := offerFromInvite(req, "node1")
	assert.Equal(t, "node1", offer.NodeID)
	assert.Equal(t, "5550000", offer.Info.CallingParty)
	assert.True(t, offer.Info.IsText)
	assert.True(t, offer.Info.Internode)
	assert.False(t, offer.Info.Is911)
}

func waiters(s *session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}

func TestSessionWaitOutcome(t *testing.T) {
	s := newSession("c1", "node1", outbound, newInvite(t, nil))

	assert.False(t, s.setOutcome(callctl.OutcomeTrying), "same outcome is not a change")

	got := make(chan callctl.SessionOutcome, 1)
	go func() {
		o, _ := s.waitOutcome(context.Background(), settled)
		got <- o
	}()
	require.Eventually(t, func() bool { return waiters(s) == 1 }, time.Second, time.Millisecond)

	assert.False(t, s.setOutcome(callctl.OutcomeRinging), "observed by the waiter")
	assert.Equal(t, callctl.OutcomeRinging, <-got)

	assert.True(t, s.setOutcome(callctl.OutcomeAnswered), "nobody waiting")
	assert.True(t, s.isConfirmed())
	assert.False(t, s.setOutcome(callctl.OutcomeBusy), "final outcome is sticky")
	assert.Equal(t, callctl.OutcomeAnswered, s.currentOutcome())
}

func TestSessionWaitFinalSkipsAlerting(t *testing.T) {
	s := newSession("c1", "node1", outbound, newInvite(t, nil))

	got := make(chan callctl.SessionOutcome, 1)
	go func() {
		o, _ := s.waitOutcome(context.Background(), final)
		got <- o
	}()
	require.Eventually(t, func() bool { return waiters(s) == 1 }, time.Second, time.Millisecond)

	s.setOutcome(callctl.OutcomeRinging)
	select {
	case o := <-got:
		t.Fatalf("returned on alerting: %s", o)
	case <-time.After(20 * time.Millisecond):
	}

	s.setOutcome(callctl.OutcomeBusy)
	assert.Equal(t, callctl.OutcomeBusy, <-got)
}

func TestSessionWaitEndsOnTerminateAndContext(t *testing.T) {
	s := newSession("c1", "node1", outbound, newInvite(t, nil))

	got := make(chan callctl.SessionOutcome, 1)
	go func() {
		o, _ := s.waitOutcome(context.Background(), settled)
		got <- o
	}()
	require.Eventually(t, func() bool { return waiters(s) == 1 }, time.Second, time.Millisecond)

	assert.True(t, s.terminate())
	assert.False(t, s.terminate())
	assert.Equal(t, callctl.OutcomeFailed, <-got)

	s2 := newSession("c2", "node1", outbound, newInvite(t, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s2.waitOutcome(ctx, settled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, waiters(s2))
}

func TestBuildInDialogRequestInbound(t *testing.T) {
	invite := newInvite(t, nil)
	s := newSession("call-abc", "node1", inbound, invite)

	var local sip.Uri
	require.NoError(t, sip.ParseUri("sip:dev1@10.0.0.1:5060", &local))

	_, err := s.buildRequest(sip.BYE, local)
	require.Error(t, err, "dialog not established")

	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	res.To().Params.Add("tag", "local1")
	s.setResponse(res)

	bye, err := s.buildRequest(sip.BYE, local)
	require.NoError(t, err)
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, 5062, bye.Recipient.Port)

	fromTag, _ := bye.From().Params.Get("tag")
	toTag, _ := bye.To().Params.Get("tag")
	assert.Equal(t, "local1", fromTag)
	assert.Equal(t, "remote1", toTag)
	assert.Equal(t, "call-abc", string(*bye.CallID()))
	assert.Equal(t, uint32(8), bye.CSeq().SeqNo)

	info, err := s.buildRequest(sip.INFO, local)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), info.CSeq().SeqNo)
	assert.Equal(t, sip.INFO, info.CSeq().MethodName)
}

func TestDTMFBody(t *testing.T) {
	assert.Equal(t, "Signal=5\r\nDuration=160\r\n", string(dtmfBody("5")))
}

func TestPhoneUnknownSession(t *testing.T) {
	p, err := New(Config{AdvertiseAddr: "127.0.0.1", Nodes: map[string]string{"node1": "127.0.0.1:5070"}}, nil)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	_, err = p.WaitOutcome(ctx, "node1", "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, p.Answer(ctx, "node1", "missing"), ErrUnknownSession)
	assert.ErrorIs(t, p.Hangup(ctx, "node1", "missing"), ErrUnknownSession)

	_, err = p.MakeCall(ctx, callctl.DialRequest{NodeID: "node9", Target: "5551234"})
	assert.ErrorContains(t, err, "no SIP address")
	assert.Zero(t, p.Sessions())
}
