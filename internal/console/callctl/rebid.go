package callctl

import (
	"context"
	"fmt"
	"time"
)

// RebidMode is an operator override layered over the call's rebid rule.
type RebidMode int

const (
	RebidNone RebidMode = iota
	RebidSingle
	RebidContinuous
)

// String returns the string representation of RebidMode.
func (m RebidMode) String() string {
	switch m {
	case RebidNone:
		return "none"
	case RebidSingle:
		return "single"
	case RebidContinuous:
		return "continuous"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// autoRebid schedules ALI re-requests for one call. The timer only runs
// while the call is Connected; gen invalidates callbacks of stopped timers.
type autoRebid struct {
	call   *Call
	rule   *RebidRule
	mode   RebidMode
	count  int
	timer  *time.Timer
	gen    uint64
	active bool
}

func (a *autoRebid) bind(rule *RebidRule) {
	a.rule = rule
	a.count = 0
	a.call.pos.log.Info("[Rebid] Rule bound",
		"call_id", a.call.id,
		"rule", rule.Name,
		"repetitions", rule.Repetitions)
	if a.call.state == CallConnected {
		a.resume()
	}
}

// resume re-arms the timer after the call (re)connects.
func (a *autoRebid) resume() {
	switch {
	case a.mode == RebidSingle:
		a.schedule(0)
	case a.mode == RebidContinuous:
		a.schedule(a.interval())
	case a.rule != nil && a.count < a.rule.Repetitions:
		if a.count == 0 {
			a.schedule(a.rule.InitialDelay)
		} else {
			a.schedule(a.rule.SubsequentDelay)
		}
	}
}

func (a *autoRebid) interval() time.Duration {
	if a.rule != nil && a.rule.SubsequentDelay > 0 {
		return a.rule.SubsequentDelay
	}
	return a.call.pos.cfg.RebidInterval
}

func (a *autoRebid) schedule(d time.Duration) {
	a.cancelTimer()
	gen := a.gen
	a.timer = a.call.pos.afterFunc(d, func() {
		if a.gen != gen {
			return
		}
		a.fire(gen)
	})
	a.setActive(true)
}

func (a *autoRebid) cancelTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

// pause stops the timer while the call is held or parked. The rule and
// counter are kept.
func (a *autoRebid) pause() {
	a.cancelTimer()
	a.setActive(false)
}

// stop discards the rule and any override.
func (a *autoRebid) stop() {
	a.cancelTimer()
	a.rule = nil
	a.mode = RebidNone
	a.setActive(false)
}

func (a *autoRebid) fire(gen uint64) {
	c := a.call
	a.timer = nil
	if c.state != CallConnected {
		return
	}
	if c.pos.rebid == nil {
		c.pos.log.Warn("[Rebid] No rebid requester configured", "call_id", c.id)
		a.stop()
		return
	}

	a.count++
	pidf := a.rule != nil && a.rule.PIDFLO
	nodeID, uci := c.nodeID, c.info.UCI
	c.pos.log.Info("[Rebid] Requesting ALI", "call_id", c.id, "count", a.count, "mode", a.mode)

	err := c.pos.await(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.pos.cfg.CleanupTimeout)
		defer cancel()
		return c.pos.rebid.RequestRebid(ctx, nodeID, uci, pidf)
	})
	if err != nil {
		c.pos.log.Warn("[Rebid] Request failed", "call_id", c.id, "error", err)
	}
	if a.gen != gen || c.state != CallConnected {
		return
	}

	if a.mode == RebidSingle {
		a.mode = RebidNone
	}
	switch {
	case a.mode == RebidContinuous:
		a.schedule(a.interval())
	case a.rule != nil && a.count < a.rule.Repetitions:
		a.schedule(a.rule.SubsequentDelay)
	default:
		a.setActive(false)
	}
}

func (a *autoRebid) setActive(active bool) {
	if a.active == active {
		return
	}
	a.active = active
	c := a.call
	c.pos.pub.PublishAsync(c.pos.events.AutoRequestActive(c.idString(), active, a.mode.String(), a.count))
}

// ForceRebid requests ALI immediately, once or continuously until
// StopForcedRebid, on top of any configured rule.
func (c *Call) ForceRebid(ctx context.Context, mode RebidMode) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	release, err := c.acquire(OpRebid)
	if err != nil {
		return err
	}
	defer release()

	if mode == RebidNone {
		return c.incapable(OpRebid, "no rebid mode")
	}
	if c.state != CallConnected {
		return c.incapable(OpRebid, "call is %s", c.state)
	}
	c.rebid.mode = mode
	c.rebid.schedule(0)
	c.pos.log.Info("[Rebid] Forced", "call_id", c.id, "mode", mode)
	return nil
}

// StopForcedRebid clears the operator override. The configured rule, if
// any, continues.
func (c *Call) StopForcedRebid(ctx context.Context) error {
	c.pos.mu.Lock()
	defer c.pos.mu.Unlock()

	if c.rebid.mode == RebidNone {
		return nil
	}
	c.rebid.mode = RebidNone
	c.rebid.pause()
	if c.state == CallConnected {
		c.rebid.resume()
	}
	c.pos.log.Info("[Rebid] Override stopped", "call_id", c.id)
	return nil
}
