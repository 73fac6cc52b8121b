package callctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type dialTokenKind int

const (
	tokenDigits dialTokenKind = iota
	tokenPause
	tokenHookflash
	tokenRelease
)

func (k dialTokenKind) String() string {
	switch k {
	case tokenDigits:
		return "digits"
	case tokenPause:
		return "pause"
	case tokenHookflash:
		return "hookflash"
	case tokenRelease:
		return "release"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

type dialToken struct {
	kind   dialTokenKind
	digits string
}

// parseDialString splits s into dial actions. Consecutive digits form one
// token. Spaces, dashes and parentheses are ignored.
func parseDialString(s string) ([]dialToken, error) {
	var tokens []dialToken
	var digits strings.Builder

	flush := func() {
		if digits.Len() > 0 {
			tokens = append(tokens, dialToken{kind: tokenDigits, digits: digits.String()})
			digits.Reset()
		}
	}

	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#', r >= 'A' && r <= 'D':
			digits.WriteRune(r)
		case r >= 'a' && r <= 'd':
			digits.WriteRune(r - 'a' + 'A')
		case r == ',':
			flush()
			tokens = append(tokens, dialToken{kind: tokenPause})
		case r == '!':
			flush()
			tokens = append(tokens, dialToken{kind: tokenHookflash})
		case r == '^':
			flush()
			tokens = append(tokens, dialToken{kind: tokenRelease})
		case r == ' ', r == '-', r == '(', r == ')':
		default:
			return nil, fmt.Errorf("invalid dial character %q at %d", r, i)
		}
	}
	flush()
	if len(tokens) == 0 {
		return nil, errors.New("empty dial string")
	}
	return tokens, nil
}

// Dial executes a dial string in order. On a fresh outgoing call the first
// digits token places the network call; every other token is sent on the
// established session.
func (c *Call) Dial(ctx context.Context, dialString string) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpDial)
	if err != nil {
		return err
	}
	defer release()

	tokens, err := parseDialString(dialString)
	if err != nil {
		return c.incapable(OpDial, "%v", err)
	}
	if !c.state.in(CallIdle, CallDialtone, CallProceeding, CallConnected) {
		return c.incapable(OpDial, "call is %s", c.state)
	}

	for _, tok := range tokens {
		if c.state.IsTerminal() || c.state == CallFinishing {
			return c.incapable(OpDial, "call ended during dialing")
		}
		c.pos.log.Debug("[Call] Dial token", "call_id", c.id, "token", tok.kind, "digits", tok.digits)

		switch tok.kind {
		case tokenDigits:
			if c.freshOutgoing() {
				if err := c.networkDial(ctx, tok.digits); err != nil {
					return err
				}
				continue
			}
			if err := c.sendDigits(ctx, tok.digits); err != nil {
				return err
			}

		case tokenPause:
			if err := c.dialPause(ctx); err != nil {
				return err
			}

		case tokenHookflash:
			if err := c.hookflash(ctx); err != nil {
				return err
			}

		case tokenRelease:
			if c.sessionID != "" {
				c.hangupAsync()
			}
			c.finish(ctx)
			c.pos.log.Info("[Call] Released by dial string", "call_id", c.id)
			return nil
		}
	}
	return nil
}

func (c *Call) freshOutgoing() bool {
	return c.outgoing && !c.dialed && c.state.in(CallIdle, CallDialtone)
}

func (c *Call) linePrefix() (prefix string, alt bool) {
	if c.line == nil || c.prefixIndex >= len(c.line.Prefixes) {
		return "", false
	}
	return c.line.Prefixes[c.prefixIndex], c.prefixIndex+1 < len(c.line.Prefixes)
}

// networkDial places the outbound call and waits for it to alert, answer or
// fail within the ringing timeout.
func (c *Call) networkDial(ctx context.Context, digits string) error {
	prefix, _ := c.linePrefix()

	if err := c.transition(ctx, CallDialtone); err != nil {
		return err
	}
	req := DialRequest{
		NodeID:       c.nodeID,
		LineID:       c.lineID(),
		Target:       prefix + digits,
		CallingParty: c.info.CallingParty,
		CSSID:        c.info.CSSID,
	}
	var sessionID string
	err := c.pos.await(func() error {
		var err error
		sessionID, err = c.pos.phone.MakeCall(ctx, req)
		return err
	})
	if err != nil {
		return c.failDial(ctx, digits, prefix, OutcomeFailed, err)
	}
	if err := c.expect(OpDial, CallDialtone); err != nil {
		c.pos.goCleanup("cancel", []any{"call_id", c.id, "session_id", sessionID}, func(ctx context.Context) error {
			return c.pos.phone.Cancel(ctx, req.NodeID, sessionID)
		})
		return err
	}

	c.dialed = true
	c.setSession(sessionID)
	c.info.ConnectedParty = digits
	if err := c.transition(ctx, CallProceeding); err != nil {
		return err
	}
	c.pos.log.Info("[Call] Dialing", "call_id", c.id, "target", req.Target, "session_id", sessionID)

	outcome, err := c.waitRinging(ctx)

	switch {
	case c.state == CallConnected:
		return nil
	case c.state != CallProceeding:
		return c.incapable(OpDial, "state changed to %s during dialing", c.state)
	case err != nil:
		return c.failDial(ctx, digits, prefix, outcome, err)
	}

	switch {
	case outcome == OutcomeAnswered:
		return c.transition(ctx, CallConnected)
	case outcome.alerting():
		if c.tone != ToneRingback {
			c.tone = ToneRingback
			c.publishState(c.state.String())
		}
		return nil
	case outcome == OutcomeBusy:
		c.sessionID = ""
		if err := c.transition(ctx, CallBusy); err != nil {
			return err
		}
		_, alt := c.linePrefix()
		return &DialError{Digits: digits, Prefix: prefix, AltPrefixAvailable: alt, Outcome: outcome}
	default:
		return c.failDial(ctx, digits, prefix, outcome, nil)
	}
}

// waitRinging races the session outcome against the ringing timeout. The
// timer is released as soon as either side resolves.
func (c *Call) waitRinging(ctx context.Context) (SessionOutcome, error) {
	nodeID, sessionID := c.nodeID, c.sessionID
	timeout := c.pos.cfg.RingingTimeout

	var outcome SessionOutcome
	err := c.pos.await(func() error {
		ringCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		outcome, err = c.pos.phone.WaitOutcome(ringCtx, nodeID, sessionID)
		if err != nil && errors.Is(ringCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("no answer within %s: %w", timeout, ErrTimeout)
		}
		return err
	})
	return outcome, err
}

// failDial cancels the attempt. If the line has another prefix the call
// returns to Idle for a caller-driven retry; otherwise it finishes.
func (c *Call) failDial(ctx context.Context, digits, prefix string, outcome SessionOutcome, cause error) error {
	if c.sessionID != "" {
		nodeID, sessionID := c.nodeID, c.sessionID
		c.sessionID = ""
		c.pos.goCleanup("cancel", []any{"call_id", c.id, "session_id", sessionID}, func(ctx context.Context) error {
			return c.pos.phone.Cancel(ctx, nodeID, sessionID)
		})
	}

	_, alt := c.linePrefix()
	derr := &DialError{Digits: digits, Prefix: prefix, AltPrefixAvailable: alt, Outcome: outcome, Cause: cause}
	c.pos.log.Info("[Call] Dial failed",
		"call_id", c.id,
		"target", prefix+digits,
		"outcome", outcome,
		"alt_prefix", alt,
		"error", cause)

	if alt {
		c.prefixIndex++
		c.dialed = false
		if err := c.transition(ctx, CallIdle); err == nil {
			return derr
		}
	}
	c.finish(ctx)
	return derr
}

func (c *Call) sendDigits(ctx context.Context, digits string) error {
	if !c.state.in(CallProceeding, CallConnected) || c.sessionID == "" {
		return c.incapable(OpDial, "cannot send digits while %s", c.state)
	}
	nodeID, sessionID := c.nodeID, c.sessionID
	if err := c.pos.await(func() error {
		return c.pos.phone.SendDigits(ctx, nodeID, sessionID, digits)
	}); err != nil {
		return fmt.Errorf("call %d send digits: %w", c.id, err)
	}
	return c.expect(OpDial, CallProceeding, CallConnected)
}

func (c *Call) hookflash(ctx context.Context) error {
	if c.state != CallConnected || c.sessionID == "" {
		return c.incapable(OpDial, "cannot hookflash while %s", c.state)
	}
	nodeID, sessionID := c.nodeID, c.sessionID
	if err := c.pos.await(func() error {
		return c.pos.phone.Hookflash(ctx, nodeID, sessionID)
	}); err != nil {
		return fmt.Errorf("call %d hookflash: %w", c.id, err)
	}
	return c.expect(OpDial, CallConnected)
}

func (c *Call) dialPause(ctx context.Context) error {
	d := c.pos.cfg.DialPause
	return c.pos.await(func() error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
