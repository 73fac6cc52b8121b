package sipphone

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

type direction int

const (
	inbound direction = iota
	outbound
)

func (d direction) String() string {
	if d == outbound {
		return "outbound"
	}
	return "inbound"
}

// session is one SIP dialog of the position, inbound or outbound.
type session struct {
	callID string
	nodeID string
	dir    direction

	// invite is the dialog-creating INVITE: the far end's for inbound
	// sessions, ours for outbound ones.
	invite   *sip.Request
	serverTx sip.ServerTransaction
	server   *sipgo.DialogServerSession

	cseq atomic.Uint32

	mu         sync.Mutex
	response   *sip.Response // 2xx that established the dialog
	outcome    callctl.SessionOutcome
	confirmed  bool
	terminated bool
	changed    chan struct{}
	waiters    int
}

func newSession(callID, nodeID string, dir direction, invite *sip.Request) *session {
	s := &session{
		callID:  callID,
		nodeID:  nodeID,
		dir:     dir,
		invite:  invite,
		outcome: callctl.OutcomeTrying,
		changed: make(chan struct{}),
	}
	if cseq := invite.CSeq(); cseq != nil {
		s.cseq.Store(cseq.SeqNo)
	}
	return s
}

// settled reports whether o ends a WaitOutcome.
func settled(o callctl.SessionOutcome) bool {
	switch o {
	case callctl.OutcomeNone, callctl.OutcomeTrying:
		return false
	}
	return true
}

func final(o callctl.SessionOutcome) bool {
	return settled(o) && o != callctl.OutcomeRinging && o != callctl.OutcomeProgress
}

// setOutcome records o and wakes waiters. It reports whether nobody was
// waiting, in which case the caller forwards the change as a session event.
func (s *session) setOutcome(o callctl.SessionOutcome) (unobserved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if final(s.outcome) || s.outcome == o {
		return false
	}
	s.outcome = o
	if o == callctl.OutcomeAnswered {
		s.confirmed = true
	}
	close(s.changed)
	s.changed = make(chan struct{})
	return s.waiters == 0
}

// waitOutcome blocks until until(outcome) holds or ctx ends.
func (s *session) waitOutcome(ctx context.Context, until func(callctl.SessionOutcome) bool) (callctl.SessionOutcome, error) {
	for {
		s.mu.Lock()
		if o := s.outcome; until(o) {
			s.mu.Unlock()
			return o, nil
		}
		if s.terminated {
			s.mu.Unlock()
			return callctl.OutcomeFailed, nil
		}
		ch := s.changed
		s.waiters++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()
			return callctl.OutcomeNone, ctx.Err()
		case <-ch:
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()
		}
	}
}

func (s *session) currentOutcome() callctl.SessionOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *session) isConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *session) confirm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = true
}

func (s *session) setResponse(res *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.response = res
}

func (s *session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// terminate marks the session finished and wakes waiters. It reports
// whether this call did the transition.
func (s *session) terminate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	close(s.changed)
	s.changed = make(chan struct{})
	return true
}

// buildRequest constructs an in-dialog request. Per RFC 3261 Section
// 12.2.1.1 it reuses the dialog identifiers; inbound dialogs swap From/To.
func (s *session) buildRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	s.mu.Lock()
	res := s.response
	s.mu.Unlock()

	if res == nil {
		return nil, fmt.Errorf("cannot build %s: dialog %s not established", method, s.callID)
	}

	var recipient sip.Uri
	if s.dir == outbound {
		if contact := res.Contact(); contact != nil {
			recipient = contact.Address
		} else if to := s.invite.To(); to != nil {
			recipient = to.Address
		}
	} else {
		if contact := s.invite.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else {
			recipient = s.invite.From().Address
		}
	}

	req := sip.NewRequest(method, recipient)

	if len(s.invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", s.invite, req)
	}

	if s.dir == outbound {
		if from := s.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := res.To(); to != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	} else {
		if to := res.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := s.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callIDHdr := s.invite.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.cseq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	if s.dir == inbound {
		if src := s.invite.Source(); src != "" {
			req.SetDestination(src)
		}
	} else if src := res.Source(); src != "" {
		req.SetDestination(src)
	}
	return req, nil
}
