package realtime

import (
	"fmt"
	"sync"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}

func (s State) String() string { return string(s) }

// Transition defines a valid state transition.
type Transition[S comparable] struct {
	From S
	To   S
	Name string // Human-readable name for logging
}

type transitionKey[S comparable] struct {
	From, To S
}

// Machine enforces valid state transitions.
type Machine[S comparable] struct {
	mu      sync.RWMutex
	current S

	allowed  map[transitionKey[S]]string
	onChange func(from, to S, name string)
}

// NewMachine creates a state machine starting at the given state.
func NewMachine[S comparable](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		allowed:  make(map[transitionKey[S]]string),
		onChange: on,
	}
	for _, t := range transitions {
		sm.allowed[transitionKey[S]{From: t.From, To: t.To}] = t.Name
	}
	return sm
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.allowed[transitionKey[S]{From: sm.current, To: to}]
	return ok
}

// TransitionTo attempts to transition to a new state.
// Returns an error if the transition is invalid.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	from := sm.current

	name, ok := sm.allowed[transitionKey[S]{From: from, To: to}]
	if !ok {
		return fmt.Errorf("invalid state transition: %v -> %v", from, to)
	}
	sm.current = to
	if sm.onChange != nil {
		sm.onChange(from, to, name)
	}
	return nil
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// connectionTransitions is the push channel lifecycle:
//
//	disconnected → connecting → connected → reconnecting → connecting → … → failed
//
// failed re-enters connecting only through the automatic recovery attempt
// or a manual reconnect. Any state may be torn down to disconnected.
var connectionTransitions = []Transition[State]{
	{StateDisconnected, StateConnecting, "connect"},
	{StateConnecting, StateConnected, "established"},
	{StateConnecting, StateReconnecting, "connect_failed"},
	{StateConnected, StateReconnecting, "dropped"},
	{StateReconnecting, StateConnecting, "retry"},
	{StateReconnecting, StateFailed, "gave_up"},
	{StateFailed, StateConnecting, "recover"},
	{StateConnecting, StateDisconnected, "teardown"},
	{StateConnected, StateDisconnected, "disconnect"},
	{StateReconnecting, StateDisconnected, "teardown"},
	{StateFailed, StateDisconnected, "teardown"},
}
