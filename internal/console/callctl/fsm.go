package callctl

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// callTransitions is the call state adjacency. Every committed transition
// must appear here; conference propagation bypasses it by assignment.
var callTransitions = map[CallState][]CallState{
	CallIdle:         {CallDialtone, CallProceeding, CallConnected, CallFinishing, CallFinished},
	CallDialtone:     {CallIdle, CallProceeding, CallFinishing, CallFinished},
	CallProceeding:   {CallIdle, CallConnected, CallBusy, CallDisconnected, CallFinishing, CallFinished},
	CallOffered:      {CallReOffered, CallConnected, CallAbandoned, CallFinishing, CallFinished},
	CallReOffered:    {CallOffered, CallConnected, CallAbandoned, CallFinishing, CallFinished},
	CallConnected:    {CallIHold, CallHold, CallPark, CallBusy, CallDisconnected, CallFinishing, CallFinished},
	CallIHold:        {CallConnected, CallHold, CallDisconnected, CallFinishing, CallFinished},
	CallHold:         {CallConnected, CallIHold, CallReOffered, CallDisconnected, CallFinishing, CallFinished},
	CallBusy:         {CallIdle, CallFinishing, CallFinished},
	CallPark:         {CallConnected, CallAbandoned, CallDisconnected, CallFinishing, CallFinished},
	CallDisconnected: {CallFinishing, CallFinished},
	CallAbandoned:    {CallFinishing, CallFinished},
	CallFinishing:    {CallFinished},
}

// CanTransition reports whether from -> to is in the call adjacency.
func CanTransition(from, to CallState) bool {
	for _, s := range callTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionEvents builds one fsm event per destination state, with the
// sources taken from callTransitions.
func transitionEvents() fsm.Events {
	sources := make(map[CallState][]string)
	for from, tos := range callTransitions {
		for _, to := range tos {
			sources[to] = append(sources[to], from.String())
		}
	}
	events := make(fsm.Events, 0, len(sources))
	for to, src := range sources {
		events = append(events, fsm.EventDesc{
			Name: eventName(to),
			Src:  src,
			Dst:  to.String(),
		})
	}
	return events
}

func eventName(to CallState) string {
	return "to_" + to.String()
}

// callStateMachine wraps looplab/fsm with typed states.
type callStateMachine struct {
	id uint64
	m  *fsm.FSM
}

func newCallStateMachine(id uint64, initial CallState) *callStateMachine {
	return &callStateMachine{
		id: id,
		m:  fsm.NewFSM(initial.String(), transitionEvents(), fsm.Callbacks{}),
	}
}

func (sm *callStateMachine) current() CallState {
	s, _ := parseCallState(sm.m.Current())
	return s
}

// transition moves to the target state if the adjacency allows it.
func (sm *callStateMachine) transition(ctx context.Context, to CallState) error {
	from := sm.current()
	err := sm.m.Event(ctx, eventName(to))
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return &StateTransitionError{ID: sm.id, From: from, To: to}
}

// assign sets the state directly, bypassing the adjacency.
func (sm *callStateMachine) assign(to CallState) {
	sm.m.SetState(to.String())
}
