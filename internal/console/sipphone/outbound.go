package sipphone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// outcomeForStatus maps a final or provisional INVITE response.
func outcomeForStatus(code int) callctl.SessionOutcome {
	switch {
	case code == 100:
		return callctl.OutcomeTrying
	case code == 180 || code == 181 || code == 182:
		return callctl.OutcomeRinging
	case code == 183:
		return callctl.OutcomeProgress
	case code >= 200 && code < 300:
		return callctl.OutcomeAnswered
	case code == 486 || code == 600:
		return callctl.OutcomeBusy
	case code == 403 || code == 603:
		return callctl.OutcomeRejected
	case code == 480 || code == 502 || code == 503:
		return callctl.OutcomeCongestion
	default:
		return callctl.OutcomeFailed
	}
}

// targetURI builds the Request-URI for a dial. Targets that already are
// SIP URIs (bridging endpoints) are used as given.
func targetURI(target, nodeAddr string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		if err := sip.ParseUri(target, &uri); err != nil {
			return uri, fmt.Errorf("invalid target URI: %w", err)
		}
		return uri, nil
	}
	if err := sip.ParseUri("sip:"+target+"@"+nodeAddr, &uri); err != nil {
		return uri, fmt.Errorf("invalid target %q: %w", target, err)
	}
	return uri, nil
}

func generateTag() string {
	return uuid.New().String()[:8]
}

// buildINVITE constructs the outbound INVITE request.
func (p *Phone) buildINVITE(req callctl.DialRequest, requestURI sip.Uri) (*sip.Request, error) {
	body, err := buildSDP(p.cfg.AdvertiseAddr, p.cfg.MediaPort, modeSendRecv)
	if err != nil {
		return nil, err
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	caller := req.CallingParty
	if caller == "" {
		caller = p.cfg.User
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   caller,
			Host:   p.cfg.AdvertiseAddr,
			Port:   p.cfg.Port,
		},
		Params: fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: requestURI,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(uuid.New().String())
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: p.cfg.contactURI()})

	if req.LineID != "" {
		invite.AppendHeader(sip.NewHeader(headerLineID, req.LineID))
	}
	if req.CSSID != "" {
		invite.AppendHeader(sip.NewHeader(headerCSSID, req.CSSID))
	}

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(body)
	return invite, nil
}

// MakeCall sends an INVITE and returns its session id. Progress is
// reported through WaitOutcome, or as session events when nobody waits.
func (p *Phone) MakeCall(ctx context.Context, req callctl.DialRequest) (string, error) {
	addr, err := p.cfg.nodeAddr(req.NodeID)
	if err != nil {
		return "", err
	}
	uri, err := targetURI(req.Target, addr)
	if err != nil {
		return "", err
	}
	invite, err := p.buildINVITE(req, uri)
	if err != nil {
		return "", err
	}

	tx, err := p.client.TransactionRequest(ctx, invite)
	if err != nil {
		return "", fmt.Errorf("send INVITE to %s: %w", uri.String(), err)
	}

	s := newSession(callID(invite), req.NodeID, outbound, invite)
	p.track(s)

	p.log.Info("[Phone] INVITE sent", "call_id", s.callID, "target", uri.String(), "line_id", req.LineID)
	go p.runInvite(s, tx)
	return s.callID, nil
}

// MakeVccCall dials a bridging endpoint and returns once it answers.
func (p *Phone) MakeVccCall(ctx context.Context, req callctl.DialRequest) (string, error) {
	id, err := p.MakeCall(ctx, req)
	if err != nil {
		return "", err
	}
	s, err := p.lookup(id)
	if err != nil {
		return "", err
	}

	o, err := s.waitOutcome(ctx, final)
	if err != nil {
		_ = p.Cancel(context.Background(), req.NodeID, id)
		return "", fmt.Errorf("bridging call to %s: %w", req.Target, err)
	}
	if o != callctl.OutcomeAnswered {
		return "", fmt.Errorf("bridging call to %s: %s", req.Target, o)
	}
	return id, nil
}

// WaitOutcome blocks until the session is alerting, answered or failed.
func (p *Phone) WaitOutcome(ctx context.Context, _ string, sessionID string) (callctl.SessionOutcome, error) {
	s, err := p.lookup(sessionID)
	if err != nil {
		return callctl.OutcomeNone, err
	}
	if s.dir == inbound {
		if s.isConfirmed() {
			return callctl.OutcomeAnswered, nil
		}
		return callctl.OutcomeNone, fmt.Errorf("session %s is inbound: %w", sessionID, callctl.ErrIncapable)
	}
	return s.waitOutcome(ctx, settled)
}

// runInvite consumes INVITE responses until the transaction ends.
func (p *Phone) runInvite(s *session, tx sip.ClientTransaction) {
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				p.failInvite(s, callctl.OutcomeFailed, "no response")
				return
			}
			if done := p.handleResponse(s, res); done {
				return
			}
		case <-tx.Done():
			if !final(s.currentOutcome()) {
				reason := "transaction terminated"
				if err := tx.Err(); err != nil {
					reason = err.Error()
				}
				p.failInvite(s, callctl.OutcomeFailed, reason)
			}
			return
		}
	}
}

// handleResponse applies one INVITE response. It reports whether the
// response was final.
func (p *Phone) handleResponse(s *session, res *sip.Response) bool {
	code := int(res.StatusCode)
	o := outcomeForStatus(code)

	p.log.Debug("[Phone] Response received", "call_id", s.callID, "status", code, "reason", res.Reason)

	switch o {
	case callctl.OutcomeTrying:
		return false
	case callctl.OutcomeRinging, callctl.OutcomeProgress:
		if s.setOutcome(o) {
			p.notify(s, callctl.SessionRinging)
		}
		return false
	case callctl.OutcomeAnswered:
		s.setResponse(res)
		p.sendACK(s, res)
		if s.setOutcome(o) {
			p.notify(s, callctl.SessionAnswered)
		}
		p.log.Info("[Phone] Call answered", "call_id", s.callID)
		return true
	default:
		p.failInvite(s, o, fmt.Sprintf("%d %s", code, res.Reason))
		return true
	}
}

func (p *Phone) failInvite(s *session, o callctl.SessionOutcome, reason string) {
	unobserved := s.setOutcome(o)
	p.log.Info("[Phone] Call failed", "call_id", s.callID, "outcome", o, "reason", reason)
	if p.retire(s) && unobserved {
		p.notify(s, callctl.SessionTerminated)
	}
}

// sendACK acknowledges a 2xx. Per RFC 3261 Section 17.1.1.3 the ACK for
// a 2xx is not part of the INVITE transaction.
func (p *Phone) sendACK(s *session, res *sip.Response) {
	ack := sip.NewAckRequest(s.invite, res, nil)
	if contact := res.Contact(); contact != nil {
		ack.Recipient = contact.Address
	}
	if src := res.Source(); src != "" {
		ack.SetDestination(src)
	}

	done := make(chan error, 1)
	go func() { done <- p.client.WriteRequest(ack) }()

	select {
	case err := <-done:
		if err != nil {
			p.log.Error("[Phone] Failed to send ACK", "call_id", s.callID, "error", err)
		}
	case <-time.After(5 * time.Second):
		p.log.Error("[Phone] ACK write timed out", "call_id", s.callID)
	}
}

// sendCANCEL cancels an unanswered outbound INVITE (RFC 3261 Section 9.1).
func (p *Phone) sendCANCEL(ctx context.Context, s *session) error {
	cancelReq := sip.NewRequest(sip.CANCEL, s.invite.Recipient)
	sip.CopyHeaders("Via", s.invite, cancelReq)
	sip.CopyHeaders("From", s.invite, cancelReq)
	sip.CopyHeaders("To", s.invite, cancelReq)
	sip.CopyHeaders("Call-ID", s.invite, cancelReq)
	if cseq := s.invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := p.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil {
			p.log.Debug("[Phone] CANCEL response", "call_id", s.callID, "status", res.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
	p.log.Info("[Phone] CANCEL sent", "call_id", s.callID)
	return nil
}
