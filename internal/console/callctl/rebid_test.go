package callctl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/events"
)

func withRule(rule *RebidRule) func(*Config, *Deps) {
	return func(_ *Config, d *Deps) { d.RebidRules = fakeRules{rule: rule} }
}

func TestRuleRebidRepeats(t *testing.T) {
	h := newHarness(t, withRule(&RebidRule{
		Name:            "wireless",
		Repetitions:     2,
		InitialDelay:    time.Millisecond,
		SubsequentDelay: time.Millisecond,
		PIDFLO:          true,
	}))
	c := h.connected(t, "s1", "trunk1", CallInfo{Is911: true, UCI: "u1"})

	require.NoError(t, c.UpdateALI(context.Background(), "5551234"))
	require.Eventually(t, func() bool { return h.rebid.requests() == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.rebid.requests())
	require.Eventually(t, func() bool { return !c.Snapshot().RebidActive }, time.Second, 5*time.Millisecond)

	h.rebid.mu.Lock()
	assert.Equal(t, []bool{true, true}, h.rebid.pidf)
	h.rebid.mu.Unlock()
	assert.GreaterOrEqual(t, countType(h.drain(), events.CallAutoRequestActive), 2)
}

func TestRuleRebidPausesWhileHeld(t *testing.T) {
	h := newHarness(t, withRule(&RebidRule{
		Name:            "wireless",
		Repetitions:     1,
		InitialDelay:    40 * time.Millisecond,
		SubsequentDelay: 40 * time.Millisecond,
	}))
	c := h.connected(t, "s1", "trunk1", CallInfo{Is911: true})
	ctx := context.Background()

	require.NoError(t, c.UpdateALI(ctx, "5551234"))
	require.True(t, c.Snapshot().RebidActive)
	require.NoError(t, c.Hold(ctx, true))
	assert.False(t, c.Snapshot().RebidActive)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, h.rebid.requests())

	require.NoError(t, c.Unhold(ctx))
	require.Eventually(t, func() bool { return h.rebid.requests() == 1 }, time.Second, 5*time.Millisecond)
}

func TestForceRebidSingle(t *testing.T) {
	h := newHarness(t)
	c := h.connected(t, "s1", "trunk1", CallInfo{})

	require.NoError(t, c.ForceRebid(context.Background(), RebidSingle))
	require.Eventually(t, func() bool { return h.rebid.requests() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !c.Snapshot().RebidActive }, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.rebid.requests())
}

func TestForceRebidContinuousUntilStopped(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.RebidInterval = 5 * time.Millisecond
	})
	c := h.connected(t, "s1", "trunk1", CallInfo{})
	ctx := context.Background()

	require.NoError(t, c.ForceRebid(ctx, RebidContinuous))
	require.Eventually(t, func() bool { return h.rebid.requests() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, c.StopForcedRebid(ctx))
	assert.False(t, c.Snapshot().RebidActive)
	n := h.rebid.requests()

	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, h.rebid.requests(), n+1)
}

func TestForceRebidRequiresConnectedCall(t *testing.T) {
	h := newHarness(t)
	c := h.offer(t, "s1", "trunk1", CallInfo{})
	ctx := context.Background()

	assert.ErrorIs(t, c.ForceRebid(ctx, RebidSingle), ErrIncapable)
	require.NoError(t, c.Answer(ctx))
	assert.ErrorIs(t, c.ForceRebid(ctx, RebidNone), ErrIncapable)
}

func TestRebidStopsWhenCallFinishes(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.RebidInterval = 20 * time.Millisecond
	})
	c := h.connected(t, "s1", "trunk1", CallInfo{})
	ctx := context.Background()

	require.NoError(t, c.ForceRebid(ctx, RebidContinuous))
	require.NoError(t, c.Drop(ctx))

	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, h.rebid.requests(), 1)
	assert.False(t, c.Snapshot().RebidActive)
}
