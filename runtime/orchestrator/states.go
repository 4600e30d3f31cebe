package orchestrator

import (
	"context"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// State is the per-connection finite state machine position.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateProcessing   State = "PROCESSING"
	StatePresenting   State = "PRESENTING"
	StateSuspended    State = "SUSPENDED"
	StatePaused       State = "PAUSED"
	StateCompleted    State = "COMPLETED"
	StateError        State = "ERROR"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool { return s == StateCompleted || s == StateError }

// transitions is the validated transition table. Every state may additionally
// move to COMPLETED on normal end and to ERROR on unrecoverable failure.
var transitions = map[State][]State{
	StateInitializing: {StateReady, StatePresenting},
	StateReady:        {StateProcessing, StatePaused},
	StateProcessing:   {StateReady, StateSuspended},
	StatePresenting:   {StateSuspended, StateReady, StatePaused, StatePresenting},
	StateSuspended:    {StatePresenting, StateReady},
	StatePaused:       {StateReady, StatePresenting},
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCompleted || to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the session to the target state. Invalid targets are
// rejected without a state change and logged.
func (s *Session) transition(ctx context.Context, to State) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		err := gwerrors.Newf(gwerrors.KindInvalidState, "transition %s -> %s is not allowed", from, to)
		log.Error(ctx, err, log.KV{K: "conversation_id", V: s.ConversationID})
		return err
	}
	s.state = to
	s.mu.Unlock()
	log.Debug(ctx, log.KV{K: "msg", V: "state transition"},
		log.KV{K: "conversation_id", V: s.ConversationID},
		log.KV{K: "from", V: string(from)},
		log.KV{K: "to", V: string(to)})
	return nil
}
