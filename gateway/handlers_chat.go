package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/orchestrator"
	"github.com/agentgate/agentgate/runtime/stream"
)

type chatSendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	AgentDefID     string `json:"agent_def_id,omitempty"`
	ModelID        string `json:"model_id,omitempty"`
}

// handleChatSend opens the streaming channel: it binds a session, runs the
// user turn in the background, and relays wire events as SSE frames until
// the session closes or the client disconnects. Sessions suspended on a
// widget stay open; responses arrive through the widget endpoint.
func (g *Gateway) handleChatSend(w http.ResponseWriter, r *http.Request) {
	claims := requestClaims(r)
	subject := claims.Subject()

	var req chatSendRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Message == "" && req.ConversationID == "" && req.AgentDefID == "" {
		respondError(w, r, gwerrors.New(gwerrors.KindValidation, "message, conversation_id or agent_def_id is required"))
		return
	}

	if !g.streams.acquire(subject) {
		respondError(w, r, gwerrors.New(gwerrors.KindRateLimited, "concurrent stream budget exhausted").WithRetryable())
		return
	}
	defer g.streams.release(subject)

	conn := stream.NewConn(0)
	session, err := g.orch.OpenSession(r.Context(), claims, requestToken(r), req.ConversationID, req.AgentDefID, conn)
	if err != nil {
		respondError(w, r, err)
		return
	}
	session.ModelID = req.ModelID
	g.sessions.add(session)
	defer g.sessions.remove(session)
	defer func() {
		_ = g.orch.CloseSession(context.WithoutCancel(r.Context()), session)
	}()

	sse, err := newSSEWriter(w)
	if err != nil {
		respondError(w, r, gwerrors.Wrap(gwerrors.KindInternal, "streaming unsupported", err))
		return
	}

	if req.Message != "" {
		go func() {
			// Turn-fatal errors already reached the sink as error events.
			if err := g.orch.SendUserMessage(context.WithoutCancel(r.Context()), session, req.Message); err != nil {
				log.Debug(r.Context(), log.KV{K: "msg", V: "turn ended with error"}, logKV(session.ConversationID))
			}
			if sessionDone(session.State()) {
				_ = g.orch.CloseSession(context.Background(), session)
			}
		}()
	}

	for {
		select {
		case <-r.Context().Done():
			g.orch.Cancel(session, "")
			return
		case event, ok := <-conn.Events():
			if !ok {
				return
			}
			if err := sse.write(event); err != nil {
				log.Debug(r.Context(), log.KV{K: "msg", V: "client write failed"}, logKV(session.ConversationID))
				g.orch.Cancel(session, "")
				return
			}
		}
	}
}

// sessionDone reports whether the connection has nothing left to stream: the
// session neither awaits a widget response nor presents further items.
func sessionDone(state orchestrator.State) bool {
	switch state {
	case orchestrator.StateSuspended, orchestrator.StatePresenting, orchestrator.StatePaused:
		return false
	default:
		return true
	}
}

func (g *Gateway) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	session, ok := g.sessions.byRequestID(requestID)
	if !ok || session.UserID != requestClaims(r).Subject() {
		respondError(w, r, gwerrors.Newf(gwerrors.KindNotFound, "stream %s not found", requestID))
		return
	}
	cancelled := g.orch.Cancel(session, "")
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type widgetResponseRequest struct {
	ConversationID string `json:"conversation_id"`
	Value          string `json:"value"`
}

// handleWidgetResponse feeds a client action response into the suspended
// session that requested it.
func (g *Gateway) handleWidgetResponse(w http.ResponseWriter, r *http.Request) {
	widgetID := chi.URLParam(r, "widget_id")
	var req widgetResponseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.ConversationID == "" {
		respondError(w, r, gwerrors.New(gwerrors.KindValidation, "conversation_id is required"))
		return
	}
	session, ok := g.sessions.byConversationID(req.ConversationID)
	if !ok || session.UserID != requestClaims(r).Subject() {
		respondError(w, r, gwerrors.Newf(gwerrors.KindNotFound, "no live session for conversation %s", req.ConversationID))
		return
	}
	if err := g.orch.SubmitWidgetResponse(r.Context(), session, widgetID, req.Value); err != nil {
		respondError(w, r, err)
		return
	}
	if sessionDone(session.State()) {
		_ = g.orch.CloseSession(context.WithoutCancel(r.Context()), session)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
