package httpcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachine_FollowsHappyPath(t *testing.T) {
	var m stateMachine
	assert.NoError(t, m.transition(StateRequestStarted))
	assert.NoError(t, m.transition(StateRequestBody))
	assert.NoError(t, m.transition(StateRequestBody))
	assert.NoError(t, m.transition(StateRequestDone))
	assert.NoError(t, m.transition(StateResponseStarted))
	assert.NoError(t, m.transition(StateResponseBody))
	assert.NoError(t, m.transition(StateResponseDone))
	assert.NoError(t, m.transition(StateDone))
	assert.Equal(t, StateDone, m.state)
}

func TestStateMachine_SkippingRequestBodyIsLegal(t *testing.T) {
	var m stateMachine
	assert.NoError(t, m.transition(StateRequestStarted))
	assert.NoError(t, m.transition(StateRequestDone))
}

func TestStateMachine_IllegalTransitionIsRejected(t *testing.T) {
	var m stateMachine
	assert.Error(t, m.transition(StateResponseStarted))
}

func TestStateMachine_ErrorReachableFromAnyNonTerminalState(t *testing.T) {
	var m stateMachine
	assert.NoError(t, m.transition(StateRequestStarted))
	assert.NoError(t, m.transition(StateError))
	assert.Equal(t, StateError, m.state)
}

func TestStateMachine_ErrorNotReachableFromTerminalStates(t *testing.T) {
	var m stateMachine
	m.state = StateDone
	assert.Error(t, m.transition(StateError))
}
