package callctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/events"
)

func TestGuardRejectsSecondOperation(t *testing.T) {
	var g OperationGuard
	var ended []Op
	g.onEnd = func(op Op) { ended = append(ended, op) }

	release, err := g.tryStart("call", 7, OpHold)
	require.NoError(t, err)
	assert.Equal(t, OpHold, g.InProgress())

	_, err = g.tryStart("call", 7, OpDrop)
	var inProgress *OperationInProgressError
	require.ErrorAs(t, err, &inProgress)
	assert.Equal(t, OpDrop, inProgress.Requested)
	assert.Equal(t, OpHold, inProgress.Current)
	assert.Equal(t, uint64(7), inProgress.ID)
	assert.ErrorIs(t, err, ErrIncapable)
	assert.Equal(t, OpHold, g.InProgress())

	release()
	assert.Equal(t, OpNone, g.InProgress())
	assert.Equal(t, []Op{OpHold}, ended)

	_, err = g.tryStart("call", 7, OpDrop)
	assert.NoError(t, err)
}

func TestGuardDone(t *testing.T) {
	var g OperationGuard

	select {
	case <-g.Done():
	default:
		t.Fatal("Done must be closed with no operation bound")
	}

	release, err := g.tryStart("conference", 1, OpConfConnect)
	require.NoError(t, err)
	done := g.Done()
	select {
	case <-done:
		t.Fatal("Done closed while operation is bound")
	default:
	}

	release()
	select {
	case <-done:
	default:
		t.Fatal("Done not closed after End")
	}
}

func TestGuardEndWithoutOperationIsQuiet(t *testing.T) {
	var g OperationGuard
	calls := 0
	g.onEnd = func(Op) { calls++ }
	g.End()
	assert.Zero(t, calls)
}

func TestOperationDonePublished(t *testing.T) {
	h := newHarness(t)
	c := h.offer(t, "s1", "trunk1", CallInfo{})
	require.NoError(t, c.Answer(context.Background()))

	assert.Equal(t, OpNone, c.InProgress())
	evs := h.drain()
	assert.GreaterOrEqual(t, countType(evs, events.OperationDone), 1)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"incapable", &Error{Kind: KindIncapable}, KindIncapable},
		{"line locked", &Error{Kind: KindLineLocked}, KindLineLocked},
		{"dial", &DialError{Outcome: OutcomeBusy}, KindDialFailed},
		{"dial timeout", &DialError{Cause: ErrTimeout}, KindTimeout},
		{"bridge", &BridgeOperationError{Code: CodeRejected}, KindBridgeOperation},
		{"bridge line locked", &BridgeOperationError{Code: CodeLineLocked}, KindLineLocked},
		{"in progress", &OperationInProgressError{}, KindIncapable},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestForceConnectArbiter(t *testing.T) {
	h := newHarness(t)
	a := h.offer(t, "s1", "trunk1", CallInfo{})
	b := h.offer(t, "s2", "trunk2", CallInfo{})
	p := h.pos

	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.newForceConnectArbiter(a)
	assert.True(t, first.GoAhead())
	assert.Equal(t, a, p.forceConnect)

	same := p.newForceConnectArbiter(a)
	assert.True(t, same.GoAhead())

	other := p.newForceConnectArbiter(b)
	assert.False(t, other.GoAhead())

	other.Erase()
	same.Erase()
	assert.Equal(t, a, p.forceConnect, "only the registering arbiter clears the marker")

	first.Erase()
	assert.Nil(t, p.forceConnect)
	assert.True(t, p.newForceConnectArbiter(b).GoAhead())
}

func TestAnswerBlockedByForceConnect(t *testing.T) {
	h := newHarness(t)
	a := h.offer(t, "s1", "trunk1", CallInfo{})
	b := h.offer(t, "s2", "trunk2", CallInfo{})

	h.phone.gates["Answer"] = make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- a.Answer(context.Background()) }()
	<-h.phone.entered

	assert.True(t, h.pos.ForceConnectInProgress())
	assert.ErrorIs(t, b.Answer(context.Background()), ErrIncapable)

	close(h.phone.gates["Answer"])
	require.NoError(t, <-errc)
	assert.False(t, h.pos.ForceConnectInProgress())
	assert.Equal(t, CallConnected, a.State())
	assert.Equal(t, CallOffered, b.State())
}

func TestListenersRemoveDuringEmit(t *testing.T) {
	var l listeners[int]
	var got []int
	var removeSecond func()
	l.add(func(v int) {
		got = append(got, v)
		removeSecond()
	})
	removeSecond = l.add(func(v int) { got = append(got, v*10) })

	l.emit(1)
	l.emit(2)
	assert.Equal(t, []int{1, 10, 2}, got)
}
