package sipphone

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// Headers the bridging node stamps on offers to the position.
const (
	headerNodeID    = "X-Node-ID"
	headerLineID    = "X-Line-ID"
	headerChannelID = "X-Channel-ID"
	headerUCI       = "X-UCI"
	headerCSSID     = "X-CSS-ID"
	headerContextID = "X-Context-ID"
	headerCallback  = "X-Callback-Number"
	headerPriority  = "X-Priority"
	headerCallType  = "X-Call-Type" // comma list: 911, text, sip, internode, wireless
	headerPAI       = "P-Asserted-Identity"
)

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

func callID(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// Cast to string directly - .String() adds "Call-ID: " prefix
	return string(*req.CallID())
}

// offerFromInvite maps an inbound INVITE to a position offer.
func offerFromInvite(req *sip.Request, defaultNode string) callctl.IncomingOffer {
	offer := callctl.IncomingOffer{
		NodeID:    headerValue(req, headerNodeID),
		SessionID: callID(req),
		LineID:    headerValue(req, headerLineID),
	}
	if offer.NodeID == "" {
		offer.NodeID = defaultNode
	}

	info := callctl.CallInfo{
		ChannelID:      headerValue(req, headerChannelID),
		UCI:            headerValue(req, headerUCI),
		CSSID:          headerValue(req, headerCSSID),
		CallbackNumber: headerValue(req, headerCallback),
	}
	if from := req.From(); from != nil {
		info.CallingParty = from.Address.User
	}
	if pai := headerValue(req, headerPAI); pai != "" {
		var uri sip.Uri
		if err := sip.ParseUri(strings.Trim(pai, "<>"), &uri); err == nil && uri.User != "" {
			info.CallingParty = uri.User
		}
	}
	if to := req.To(); to != nil {
		info.TrunkAddress = to.Address.User
	}
	if v := headerValue(req, headerContextID); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			info.ContextID = id
		}
	}
	if v := headerValue(req, headerPriority); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Priority = n
		}
	}
	for _, t := range strings.Split(headerValue(req, headerCallType), ",") {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "911":
			info.Is911 = true
		case "text":
			info.IsText = true
		case "sip":
			info.IsSIP = true
		case "internode":
			info.Internode = true
		case "wireless":
			info.Wireless = true
		}
	}
	if sd, err := parseSDP(req.Body()); err == nil && sd.text {
		info.IsText = true
	}

	offer.Info = info
	return offer
}

func (p *Phone) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if err := tx.Respond(res); err != nil {
		p.log.Warn("[Phone] Failed to respond", "call_id", callID(req), "status", code, "error", err)
	}
}

func (p *Phone) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	if id == "" {
		p.respond(req, tx, 400, "Missing Call-ID")
		return
	}

	// A To tag means a re-INVITE inside an existing dialog.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			p.handleReINVITE(req, tx)
			return
		}
	}

	if existing, err := p.lookup(id); err == nil && !existing.isTerminated() {
		p.log.Warn("[Phone] Duplicate INVITE received", "call_id", id)
		return
	}

	sink := p.getSink()
	if sink == nil {
		p.respond(req, tx, 503, "Service Unavailable")
		return
	}

	ds, err := p.dialogUA.ReadInvite(req, tx)
	if err != nil {
		p.log.Error("[Phone] Failed to create dialog session", "call_id", id, "error", err)
		p.respond(req, tx, 500, "Server Error")
		return
	}

	offer := offerFromInvite(req, p.cfg.DefaultNode)
	s := newSession(id, offer.NodeID, inbound, req)
	s.serverTx = tx
	s.server = ds
	p.track(s)

	p.respond(req, tx, 180, "Ringing")

	if _, err := sink.Offer(context.Background(), offer); err != nil {
		p.log.Warn("[Phone] Offer refused", "call_id", id, "error", err)
		code, reason := 480, "Temporarily Unavailable"
		if errors.Is(err, callctl.ErrLineLocked) {
			code, reason = 486, "Busy Here"
		}
		p.respond(req, tx, code, reason)
		p.retire(s)
		_ = ds.Close()
		return
	}

	p.log.Info("[Phone] Offer accepted",
		"call_id", id,
		"node_id", offer.NodeID,
		"line_id", offer.LineID,
		"calling_party", offer.Info.CallingParty,
	)
}

// handleReINVITE answers a far-end session refresh or hold by mirroring
// the offered direction.
func (p *Phone) handleReINVITE(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s, err := p.lookup(id)
	if err != nil || s.isTerminated() {
		p.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	remote, err := parseSDP(req.Body())
	if err != nil {
		p.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	body, err := buildSDP(p.cfg.AdvertiseAddr, p.cfg.MediaPort, answerMode(remote.mode))
	if err != nil {
		p.respond(req, tx, 500, "Server Error")
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	ct := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	res.AppendHeader(&sip.ContactHeader{Address: p.cfg.contactURI()})
	if err := tx.Respond(res); err != nil {
		p.log.Warn("[Phone] Failed to answer re-INVITE", "call_id", id, "error", err)
		return
	}
	p.log.Info("[Phone] Re-INVITE answered", "call_id", id, "remote_mode", remote.mode)
}

func (p *Phone) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s, err := p.lookup(id)
	if err != nil {
		p.log.Debug("[Phone] ACK for unknown dialog", "call_id", id)
		return
	}
	if s.server != nil && !s.isConfirmed() {
		if err := s.server.ReadAck(req, tx); err != nil {
			p.log.Warn("[Phone] Failed to read ACK", "call_id", id, "error", err)
		}
	}
	s.confirm()
}

func (p *Phone) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s, err := p.lookup(id)
	if err != nil || s.isTerminated() {
		p.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	if s.server != nil {
		if err := s.server.ReadBye(req, tx); err != nil {
			p.log.Warn("[Phone] Failed to read BYE", "call_id", id, "error", err)
		}
	} else {
		p.respond(req, tx, 200, "OK")
	}

	if p.retire(s) {
		p.log.Info("[Phone] BYE received, session terminated", "call_id", id)
		p.notify(s, callctl.SessionTerminated)
	}
}

func (p *Phone) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s, err := p.lookup(id)
	if err != nil || s.dir != inbound || s.isConfirmed() {
		p.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	p.respond(req, tx, 200, "OK")
	if s.serverTx != nil {
		p.respond(s.invite, s.serverTx, 487, "Request Terminated")
	}
	if p.retire(s) {
		if s.server != nil {
			_ = s.server.Close()
		}
		p.log.Info("[Phone] CANCEL received, session terminated", "call_id", id)
		p.notify(s, callctl.SessionTerminated)
	}
}

// handleINFO accepts far-end INFO bodies; only a recall request changes
// call state.
func (p *Phone) handleINFO(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	s, err := p.lookup(id)
	if err != nil || s.isTerminated() {
		p.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	p.respond(req, tx, 200, "OK")

	if strings.Contains(strings.ToLower(string(req.Body())), "recall") {
		p.log.Info("[Phone] Recall received", "call_id", id)
		p.notify(s, callctl.SessionRecalled)
	}
}
