package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInitializing, StateReady, true},
		{StateInitializing, StatePresenting, true},
		{StateInitializing, StateProcessing, false},
		{StateReady, StateProcessing, true},
		{StateReady, StatePaused, true},
		{StateReady, StateSuspended, false},
		{StateProcessing, StateReady, true},
		{StateProcessing, StateSuspended, true},
		{StatePresenting, StateSuspended, true},
		{StatePresenting, StatePresenting, true},
		{StateSuspended, StatePresenting, true},
		{StateSuspended, StateReady, true},
		{StateSuspended, StatePaused, false},
		{StatePaused, StateReady, true},
		{StatePaused, StatePresenting, true},
		{StateReady, StateCompleted, true},
		{StateProcessing, StateError, true},
		{StateCompleted, StateReady, false},
		{StateError, StateReady, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, allowed(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	s := &Session{state: StateReady}
	err := s.transition(context.Background(), StateSuspended)
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindInvalidState))
	assert.Equal(t, StateReady, s.State())
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateError} {
		s := &Session{state: terminal}
		require.Error(t, s.transition(context.Background(), StateReady))
		require.Error(t, s.transition(context.Background(), StateCompleted))
	}
}
