package callctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []dialToken
		wantErr bool
	}{
		{
			name:  "digits only",
			input: "5551234",
			want:  []dialToken{{kind: tokenDigits, digits: "5551234"}},
		},
		{
			name:  "pause hookflash release",
			input: "911,*72!^",
			want: []dialToken{
				{kind: tokenDigits, digits: "911"},
				{kind: tokenPause},
				{kind: tokenDigits, digits: "*72"},
				{kind: tokenHookflash},
				{kind: tokenRelease},
			},
		},
		{
			name:  "formatting ignored and dtmf letters upper cased",
			input: "(555) 123-4567#ab",
			want:  []dialToken{{kind: tokenDigits, digits: "5551234567#AB"}},
		},
		{
			name:    "invalid character",
			input:   "555x",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   " - ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDialString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDialAnswered(t *testing.T) {
	h := newHarness(t)
	c, err := h.pos.NewCall("trunk1", CallInfo{})
	require.NoError(t, err)

	require.NoError(t, c.Dial(context.Background(), "5551234"))

	assert.Equal(t, CallConnected, c.State())
	require.Len(t, h.phone.dials, 1)
	assert.Equal(t, "95551234", h.phone.dials[0].Target)
	assert.Equal(t, "trunk1", h.phone.dials[0].LineID)
}

func TestDialAlertingStaysProceeding(t *testing.T) {
	h := newHarness(t)
	h.phone.outcomes = []SessionOutcome{OutcomeRinging}
	c, err := h.pos.NewCall("trunk2", CallInfo{})
	require.NoError(t, err)

	require.NoError(t, c.Dial(context.Background(), "5551234"))
	snap := c.Snapshot()
	assert.Equal(t, CallProceeding, snap.State)
	assert.Equal(t, ToneRingback, snap.Tone)

	h.pos.HandleSessionEvent(context.Background(), SessionEvent{SessionID: snap.SessionID, Kind: SessionAnswered})
	assert.Equal(t, CallConnected, c.State())
}

func TestDialBusy(t *testing.T) {
	h := newHarness(t)
	h.phone.outcomes = []SessionOutcome{OutcomeBusy}
	c, err := h.pos.NewCall("trunk2", CallInfo{})
	require.NoError(t, err)

	err = c.Dial(context.Background(), "5551234")
	var derr *DialError
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.IsBusy())
	assert.ErrorIs(t, err, ErrDialFailed)
	assert.Equal(t, CallBusy, c.State())
	assert.Equal(t, ToneBusy, c.Snapshot().Tone)
}

func TestDialFailureWithAlternatePrefixReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.phone.outcomes = []SessionOutcome{OutcomeCongestion, OutcomeAnswered}
	c, err := h.pos.NewCall("trunk1", CallInfo{})
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Dial(ctx, "5551234")
	var derr *DialError
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.AltPrefixAvailable)
	assert.Equal(t, "9", derr.Prefix)
	assert.Equal(t, CallIdle, c.State())

	// Retry uses the next prefix.
	require.NoError(t, c.Dial(ctx, "5551234"))
	assert.Equal(t, CallConnected, c.State())
	require.Len(t, h.phone.dials, 2)
	assert.Equal(t, "85551234", h.phone.dials[1].Target)
}

func TestDialFailureWithoutAlternateFinishes(t *testing.T) {
	h := newHarness(t)
	h.phone.errs["MakeCall"] = errors.New("503 service unavailable")
	c, err := h.pos.NewCall("trunk2", CallInfo{})
	require.NoError(t, err)

	err = c.Dial(context.Background(), "5551234")
	var derr *DialError
	require.ErrorAs(t, err, &derr)
	assert.False(t, derr.AltPrefixAvailable)
	assert.Equal(t, CallFinished, c.State())
}

func TestDialRingingTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.RingingTimeout = 20 * time.Millisecond
	})
	h.phone.waitForever = true
	c, err := h.pos.NewCall("trunk2", CallInfo{})
	require.NoError(t, err)

	err = c.Dial(context.Background(), "5551234")
	var derr *DialError
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.IsTimeout())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, CallFinished, c.State())
	require.Eventually(t, func() bool { return h.phone.called("Cancel") == 1 }, time.Second, 5*time.Millisecond)
}

func TestDialMidCallTokens(t *testing.T) {
	h := newHarness(t)
	c, err := h.pos.NewCall("trunk2", CallInfo{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Dial(ctx, "5551234,123!"))
	assert.Equal(t, CallConnected, c.State())
	assert.Equal(t, 1, h.phone.called("MakeCall"))
	assert.Equal(t, 1, h.phone.called("SendDigits"))
	assert.Equal(t, 1, h.phone.called("Hookflash"))

	require.NoError(t, c.Dial(ctx, "#^"))
	assert.Equal(t, 2, h.phone.called("SendDigits"))
	assert.Equal(t, CallFinished, c.State())
}

func TestDialRejectedOnOfferedCall(t *testing.T) {
	h := newHarness(t)
	c := h.offer(t, "s1", "trunk1", CallInfo{})

	assert.ErrorIs(t, c.Dial(context.Background(), "1"), ErrIncapable)
	assert.Equal(t, 0, h.phone.called("SendDigits"))
}

func TestNewCallPicksFreeUnrestrictedLine(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "s1", "trunk1", CallInfo{})

	c, err := h.pos.NewCall("", CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, "trunk2", c.Snapshot().LineID)
	assert.Equal(t, CallIdle, c.State())

	_, err = h.pos.NewCall("trunk1", CallInfo{})
	assert.ErrorIs(t, err, ErrLineLocked)
}
