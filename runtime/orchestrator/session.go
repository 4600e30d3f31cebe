package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/agentgate/runtime/agentdef"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
)

type (
	// Session is the in-memory state for one live streaming connection. A
	// session serves one turn at a time; command methods on the orchestrator
	// serialize through its mutex.
	Session struct {
		ConnectionID   string
		ConversationID string
		UserID         string
		Claims         auth.Claims

		// CallerToken is the raw bearer credential forwarded to the tool
		// pipeline for passthrough and token exchange.
		CallerToken string

		Definition *agentdef.Definition
		Template   *template.Template
		Tools      []*catalog.Tool

		// ModelID overrides the definition's model for this connection when
		// non-empty.
		ModelID string

		sink stream.Sink
		conv *conversation.Conversation

		mu          sync.Mutex
		state       State
		resumeState State
		buffer      string
		action      *reactiveAction
		item        itemProgress
		scores      []stream.ItemScore
		turnCancel  context.CancelFunc
		requestID   string
		cancelled   bool
		closed      bool
	}

	// itemProgress tracks widget completion for the current template item.
	itemProgress struct {
		index       int
		pending     []pendingWidget
		answers     map[string]string
		skipped     map[string]bool
		confirmed   bool
		needConfirm bool
		startedAt   time.Time
		timer       *time.Timer
	}

	// pendingWidget is one required interactive widget awaiting a response,
	// in render order. The head of the queue is the session's pending widget.
	pendingWidget struct {
		contentID string
		confirm   bool
	}
)

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// modelID resolves the model for this session: the connection override wins,
// then the definition's model, then the deployment default.
func (s *Session) modelID() string {
	if s.ModelID != "" {
		return s.ModelID
	}
	if s.Definition != nil {
		return s.Definition.ModelID
	}
	return ""
}

// Conversation returns the last replayed aggregate snapshot.
func (s *Session) Conversation() *conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// beginTurn registers a cancellable turn context. It fails when another turn
// is in flight on this session.
func (s *Session) beginTurn(ctx context.Context, requestID string, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errSessionClosed
	}
	if s.turnCancel != nil {
		return nil, nil, errTurnInFlight
	}
	turnCtx, cancel := context.WithTimeout(ctx, timeout)
	s.turnCancel = cancel
	s.requestID = requestID
	s.cancelled = false
	// The partial-content buffer belongs to one turn.
	s.buffer = ""
	return turnCtx, cancel, nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.requestID = ""
}

// requestCancel flags the in-flight turn identified by requestID. The
// streaming loop observes the flag at chunk boundaries.
func (s *Session) requestCancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel == nil || (requestID != "" && requestID != s.requestID) {
		return false
	}
	s.cancelled = true
	s.turnCancel()
	return true
}

func (s *Session) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// setClientAction installs or clears the model-requested widget binding.
func (s *Session) setClientAction(action *reactiveAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action = action
}

// clientAction returns the model-requested widget awaiting a response, if any.
func (s *Session) clientAction() *reactiveAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action
}

// pendingWidgetID returns the widget currently awaiting a response.
func (s *Session) pendingWidgetID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.item.pending) == 0 {
		return "", false
	}
	return s.item.pending[0].contentID, true
}

// resolveWidget pops the head of the pending queue after a valid response.
func (s *Session) resolveWidget(contentID, value string, skipped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.item.pending) == 0 || s.item.pending[0].contentID != contentID {
		return
	}
	head := s.item.pending[0]
	s.item.pending = s.item.pending[1:]
	if head.confirm {
		s.item.confirmed = true
		return
	}
	if skipped {
		s.item.skipped[contentID] = true
		return
	}
	s.item.answers[contentID] = value
}

// itemSettled reports whether every required widget is answered and the
// confirmation, when required, was received.
func (s *Session) itemSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.item.pending) == 0 && (!s.item.needConfirm || s.item.confirmed)
}

// resetItem installs fresh progress state for the item at index.
func (s *Session) resetItem(index int, pending []pendingWidget, needConfirm bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopItemTimerLocked()
	s.item = itemProgress{
		index:       index,
		pending:     pending,
		answers:     make(map[string]string),
		skipped:     make(map[string]bool),
		needConfirm: needConfirm,
		startedAt:   time.Now().UTC(),
	}
}

func (s *Session) armItemTimer(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopItemTimerLocked()
	s.item.timer = time.AfterFunc(d, fire)
}

func (s *Session) stopItemTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopItemTimerLocked()
}

func (s *Session) stopItemTimerLocked() {
	if s.item.timer != nil {
		s.item.timer.Stop()
		s.item.timer = nil
	}
}

// drainPendingAsSkipped marks every outstanding widget skipped when the item
// time limit expires, returning the drained content ids.
func (s *Session) drainPendingAsSkipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var drained []string
	for _, w := range s.item.pending {
		if w.confirm {
			s.item.confirmed = true
			continue
		}
		s.item.skipped[w.contentID] = true
		drained = append(drained, w.contentID)
	}
	s.item.pending = nil
	return drained
}

func (s *Session) appendBuffer(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer += text
}

func (s *Session) takeBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffer
	s.buffer = ""
	return out
}
