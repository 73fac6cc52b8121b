package sipphone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// Answer sends 200 OK with an SDP answer on an offered inbound session.
func (p *Phone) Answer(ctx context.Context, _ string, sessionID string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.dir != inbound || s.server == nil {
		return fmt.Errorf("answer %s: %w: not an inbound session", sessionID, callctl.ErrIncapable)
	}
	if s.isTerminated() {
		return fmt.Errorf("answer %s: %w", sessionID, ErrUnknownSession)
	}

	mode := modeSendRecv
	if remote, err := parseSDP(s.invite.Body()); err == nil {
		mode = answerMode(remote.mode)
	}
	body, err := buildSDP(p.cfg.AdvertiseAddr, p.cfg.MediaPort, mode)
	if err != nil {
		return err
	}
	if err := s.server.RespondSDP(body); err != nil {
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	s.setResponse(s.server.InviteResponse)
	s.setOutcome(callctl.OutcomeAnswered)

	p.log.Info("[Phone] Sent 200 OK", "call_id", sessionID)
	return nil
}

// Reject declines an offered inbound session with 486 Busy Here.
func (p *Phone) Reject(_ context.Context, _ string, sessionID string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.dir != inbound || s.isConfirmed() {
		return fmt.Errorf("reject %s: %w", sessionID, callctl.ErrIncapable)
	}
	p.respond(s.invite, s.serverTx, 486, "Busy Here")
	if p.retire(s) && s.server != nil {
		_ = s.server.Close()
	}
	return nil
}

// Cancel abandons an unanswered session: CANCEL outbound, 487 inbound.
// An answered session is hung up instead.
func (p *Phone) Cancel(ctx context.Context, nodeID, sessionID string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.isTerminated() {
		return nil
	}
	if s.isConfirmed() {
		return p.Hangup(ctx, nodeID, sessionID)
	}

	if s.dir == inbound {
		p.respond(s.invite, s.serverTx, 487, "Request Terminated")
		if p.retire(s) && s.server != nil {
			_ = s.server.Close()
		}
		return nil
	}

	err = p.sendCANCEL(ctx, s)
	p.retire(s)
	return err
}

// Hangup ends a session with BYE, or cancels it while unanswered.
func (p *Phone) Hangup(ctx context.Context, nodeID, sessionID string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	if s.isTerminated() {
		return nil
	}
	if !s.isConfirmed() {
		return p.Cancel(ctx, nodeID, sessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.dir == inbound && s.server != nil {
		err = s.server.Bye(ctx)
		_ = s.server.Close()
	} else {
		_, err = p.sendInDialog(ctx, s, sip.BYE, nil, nil)
	}
	p.retire(s)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	p.log.Info("[Phone] BYE sent", "call_id", sessionID, "direction", s.dir)
	return nil
}

// Hold re-INVITEs the session with a sendonly offer.
func (p *Phone) Hold(ctx context.Context, _ string, sessionID string) error {
	return p.reinvite(ctx, sessionID, modeSendOnly)
}

// Unhold re-INVITEs the session with a sendrecv offer.
func (p *Phone) Unhold(ctx context.Context, _ string, sessionID string) error {
	return p.reinvite(ctx, sessionID, modeSendRecv)
}

func (p *Phone) reinvite(ctx context.Context, sessionID, mode string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	if !s.isConfirmed() || s.isTerminated() {
		return fmt.Errorf("re-INVITE %s: %w: dialog not confirmed", sessionID, callctl.ErrIncapable)
	}

	body, err := buildSDP(p.cfg.AdvertiseAddr, p.cfg.MediaPort, mode)
	if err != nil {
		return err
	}
	if _, err := p.sendInDialog(ctx, s, sip.INVITE, body, []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}); err != nil {
		return err
	}

	p.log.Info("[Phone] Re-INVITE successful", "call_id", sessionID, "mode", mode)
	return nil
}

// dtmfBody formats an application/dtmf-relay INFO body.
func dtmfBody(signal string) []byte {
	return []byte("Signal=" + signal + "\r\nDuration=160\r\n")
}

// SendDigits sends each DTMF digit as an INFO request.
func (p *Phone) SendDigits(ctx context.Context, _ string, sessionID, digits string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	for _, d := range digits {
		if !strings.ContainsRune("0123456789*#ABCD", d) {
			return fmt.Errorf("send digits: invalid DTMF %q", d)
		}
		if _, err := p.sendInDialog(ctx, s, sip.INFO, dtmfBody(string(d)), []sip.Header{
			sip.NewHeader("Content-Type", "application/dtmf-relay"),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Hookflash sends a flash event (event code 16) as an INFO request.
func (p *Phone) Hookflash(ctx context.Context, _ string, sessionID string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	_, err = p.sendInDialog(ctx, s, sip.INFO, dtmfBody("16"), []sip.Header{
		sip.NewHeader("Content-Type", "application/dtmf-relay"),
	})
	return err
}

// TandemTransfer REFERs the far end to target.
func (p *Phone) TandemTransfer(ctx context.Context, nodeID, sessionID, target string) error {
	s, err := p.lookup(sessionID)
	if err != nil {
		return err
	}
	addr, err := p.cfg.nodeAddr(nodeID)
	if err != nil {
		return err
	}
	uri, err := targetURI(target, addr)
	if err != nil {
		return err
	}

	self := p.cfg.contactURI()
	_, err = p.sendInDialog(ctx, s, sip.REFER, nil, []sip.Header{
		sip.NewHeader("Refer-To", "<"+uri.String()+">"),
		sip.NewHeader("Referred-By", "<"+self.String()+">"),
	})
	if err != nil {
		return err
	}
	p.log.Info("[Phone] REFER accepted", "call_id", sessionID, "refer_to", uri.String())
	return nil
}

// sendInDialog sends an in-dialog request and waits for its final
// response. Failure responses are returned as errors.
func (p *Phone) sendInDialog(ctx context.Context, s *session, method sip.RequestMethod, body []byte, headers []sip.Header) (*sip.Response, error) {
	if s.isTerminated() {
		return nil, fmt.Errorf("%s on %s: %w", method, s.callID, ErrUnknownSession)
	}
	req, err := s.buildRequest(method, p.cfg.contactURI())
	if err != nil {
		return nil, err
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction: %w", method, err)
			}
			return nil, fmt.Errorf("%s transaction terminated without response", method)
		case res := <-tx.Responses():
			if res == nil {
				return nil, fmt.Errorf("%s transaction terminated without response", method)
			}
			code := int(res.StatusCode)
			if code < 200 {
				continue
			}
			if method == sip.INVITE {
				// ACK is required for every final re-INVITE response.
				ack := sip.NewAckRequest(req, res, nil)
				if err := p.client.WriteRequest(ack); err != nil {
					p.log.Warn("[Phone] Failed to ACK re-INVITE", "call_id", s.callID, "error", err)
				}
			}
			if code >= 300 {
				return res, fmt.Errorf("%s rejected: %d %s", method, code, res.Reason)
			}
			return res, nil
		}
	}
}
