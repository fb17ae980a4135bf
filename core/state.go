package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State enumerates the conversation lifecycle states.
type State int

const (
	// StateActive is the idle/ready state and the initial state.
	StateActive State = iota
	// StateVoiceListening indicates an open voice capture turn.
	StateVoiceListening
	// StateThinking indicates a generation request is being prepared/executed.
	StateThinking
	// StateStreaming indicates partial results are being emitted.
	StateStreaming
	// StateError indicates an unrecoverable failure awaiting user dismissal.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateVoiceListening:
		return "voice_listening"
	case StateThinking:
		return "thinking"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when a turn is requested while another generation is
// outstanding. Callers should surface it instead of queueing.
var ErrBusy = errors.New("conversation busy: generation already in flight")

// StateChange records a single transition for subscribers.
type StateChange struct {
	From   State
	To     State
	Detail string // populated for StateError
	At     time.Time
}

// legalTransitions is the closed transition table. Any state may additionally
// move to StateError.
var legalTransitions = map[State][]State{
	StateActive:         {StateThinking, StateVoiceListening},
	StateVoiceListening: {StateActive, StateThinking},
	StateThinking:       {StateStreaming, StateActive},
	StateStreaming:      {StateActive},
	StateError:          {StateActive},
}

// StateMachine tracks the conversation state and enforces the
// single-outstanding-transition invariant: only one generation turn may be
// in flight, and a second request is rejected with ErrBusy rather than
// queued. It is safe for concurrent use.
type StateMachine struct {
	mu      sync.Mutex
	current State
	detail  string
}

// NewStateMachine creates a machine in StateActive.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateActive}
}

// Current returns the current state and error detail (empty unless StateError).
func (sm *StateMachine) Current() (State, string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current, sm.detail
}

// BeginTurn atomically claims the generation turn by moving to StateThinking.
// It succeeds only from StateActive or StateVoiceListening; any other state
// yields ErrBusy (or the pending error state for StateError).
func (sm *StateMachine) BeginTurn() (StateChange, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current != StateActive && sm.current != StateVoiceListening {
		return StateChange{}, ErrBusy
	}
	return sm.transitionLocked(StateThinking, ""), nil
}

// Transition moves to the target state, validating legality against the
// transition table. Transitions to StateError are always permitted.
func (sm *StateMachine) Transition(to State, detail string) (StateChange, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if to != StateError && !sm.legalLocked(to) {
		return StateChange{}, fmt.Errorf("illegal transition %s -> %s", sm.current, to)
	}
	return sm.transitionLocked(to, detail), nil
}

func (sm *StateMachine) legalLocked(to State) bool {
	for _, t := range legalTransitions[sm.current] {
		if t == to {
			return true
		}
	}
	return false
}

func (sm *StateMachine) transitionLocked(to State, detail string) StateChange {
	change := StateChange{From: sm.current, To: to, Detail: detail, At: time.Now().UTC()}
	sm.current = to
	if to == StateError {
		sm.detail = detail
	} else {
		sm.detail = ""
	}
	return change
}
