package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()
	state, detail := sm.Current()
	assert.Equal(t, StateActive, state)
	assert.Empty(t, detail)
}

func TestStateMachine_BeginTurn(t *testing.T) {
	sm := NewStateMachine()

	change, err := sm.BeginTurn()
	assert.NoError(t, err)
	assert.Equal(t, StateActive, change.From)
	assert.Equal(t, StateThinking, change.To)

	// A second concurrent turn is rejected, not queued.
	_, err = sm.BeginTurn()
	assert.ErrorIs(t, err, ErrBusy)
}

func TestStateMachine_BeginTurnFromVoiceListening(t *testing.T) {
	sm := NewStateMachine()
	_, err := sm.Transition(StateVoiceListening, "")
	assert.NoError(t, err)

	_, err = sm.BeginTurn()
	assert.NoError(t, err)
}

func TestStateMachine_LegalTransitions(t *testing.T) {
	sm := NewStateMachine()

	_, err := sm.BeginTurn()
	assert.NoError(t, err)
	_, err = sm.Transition(StateStreaming, "")
	assert.NoError(t, err)
	_, err = sm.Transition(StateActive, "")
	assert.NoError(t, err)
}

func TestStateMachine_IllegalTransitionRejected(t *testing.T) {
	sm := NewStateMachine()

	// Active cannot jump straight to Streaming.
	_, err := sm.Transition(StateStreaming, "")
	assert.Error(t, err)

	state, _ := sm.Current()
	assert.Equal(t, StateActive, state)
}

func TestStateMachine_ErrorAlwaysReachable(t *testing.T) {
	sm := NewStateMachine()
	_, err := sm.Transition(StateError, "boom")
	assert.NoError(t, err)

	state, detail := sm.Current()
	assert.Equal(t, StateError, state)
	assert.Equal(t, "boom", detail)

	// Dismissal clears the detail.
	_, err = sm.Transition(StateActive, "")
	assert.NoError(t, err)
	state, detail = sm.Current()
	assert.Equal(t, StateActive, state)
	assert.Empty(t, detail)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "voice_listening", StateVoiceListening.String())
	assert.Equal(t, "thinking", StateThinking.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "error", StateError.String())
}
