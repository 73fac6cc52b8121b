package callctl

import "fmt"

// Op names a high-level operator operation bound to a call or conference.
type Op int

const (
	OpNone Op = iota
	OpAnswer
	OpHold
	OpUnhold
	OpPark
	OpUnpark
	OpBarge
	OpDrop
	OpReject
	OpDial
	OpTransfer
	OpRebid
	OpConfConsult
	OpConfNHC
	OpConfPatch
	OpConfConnect
	OpConfCancel
	OpConfHold
	OpConfUnhold
	OpConfTransfer
	OpConfRemove
)

var opNames = [...]string{
	OpNone:         "None",
	OpAnswer:       "Answer",
	OpHold:         "Hold",
	OpUnhold:       "Unhold",
	OpPark:         "Park",
	OpUnpark:       "Unpark",
	OpBarge:        "Barge",
	OpDrop:         "Drop",
	OpReject:       "Reject",
	OpDial:         "Dial",
	OpTransfer:     "Transfer",
	OpRebid:        "Rebid",
	OpConfConsult:  "ConfConsult",
	OpConfNHC:      "ConfNHC",
	OpConfPatch:    "ConfPatch",
	OpConfConnect:  "ConfConnect",
	OpConfCancel:   "ConfCancel",
	OpConfHold:     "ConfHold",
	OpConfUnhold:   "ConfUnhold",
	OpConfTransfer: "ConfTransfer",
	OpConfRemove:   "ConfRemove",
}

// String returns the string representation of Op.
func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Unknown(%d)", o)
}

// OperationGuard records the operation currently in flight on one call or
// conference. It is not safe for concurrent use; the owning Position's
// mutex protects it.
type OperationGuard struct {
	op    Op
	done  chan struct{}
	onEnd func(Op)
}

// Start binds op unconditionally. Callers check InProgress first.
func (g *OperationGuard) Start(op Op) {
	if g.done != nil {
		close(g.done)
	}
	g.op = op
	g.done = make(chan struct{})
}

// InProgress returns the bound operation or OpNone.
func (g *OperationGuard) InProgress() Op {
	return g.op
}

// End unbinds the current operation, wakes waiters and emits the
// operation-done notification.
func (g *OperationGuard) End() {
	prev := g.op
	g.op = OpNone
	if g.done != nil {
		close(g.done)
		g.done = nil
	}
	if prev != OpNone && g.onEnd != nil {
		g.onEnd(prev)
	}
}

// Done returns a channel closed when the bound operation ends. With no
// operation bound the channel is already closed.
func (g *OperationGuard) Done() <-chan struct{} {
	if g.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return g.done
}

// tryStart binds op if nothing is in flight. On conflict nothing changes.
func (g *OperationGuard) tryStart(entity string, id uint64, op Op) (release func(), err error) {
	if cur := g.op; cur != OpNone {
		return nil, &OperationInProgressError{
			Entity:    entity,
			ID:        id,
			Requested: op,
			Current:   cur,
		}
	}
	g.Start(op)
	return g.End, nil
}
