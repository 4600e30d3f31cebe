package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

const defaultConversationListLimit = 50

type (
	conversationDetail struct {
		ID         string               `json:"id"`
		Title      string               `json:"title,omitempty"`
		Status     string               `json:"status"`
		AgentDefID string               `json:"agent_def_id,omitempty"`
		TemplateID string               `json:"template_id,omitempty"`
		ItemIndex  int                  `json:"item_index,omitempty"`
		Summary    string               `json:"summary,omitempty"`
		Messages   []conversationRecord `json:"messages"`
	}

	conversationRecord struct {
		ID          string           `json:"id"`
		Role        string           `json:"role"`
		Content     string           `json:"content,omitempty"`
		CreatedAt   time.Time        `json:"created_at"`
		Status      string           `json:"status"`
		ToolCalls   []toolCallView   `json:"tool_calls,omitempty"`
		ToolResults []toolResultView `json:"tool_results,omitempty"`
	}

	toolCallView struct {
		CallID    string         `json:"call_id"`
		ToolID    string         `json:"tool_id"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	toolResultView struct {
		CallID  string `json:"call_id"`
		ToolID  string `json:"tool_id"`
		Success bool   `json:"success"`
		Result  any    `json:"result,omitempty"`
		Error   string `json:"error,omitempty"`
	}
)

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if g.convs == nil {
		respondError(w, r, gwerrors.New(gwerrors.KindInternal, "conversation listing is not configured"))
		return
	}
	limit := defaultConversationListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, r, gwerrors.New(gwerrors.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	list, err := g.convs.ListByUser(r.Context(), requestClaims(r).Subject(), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if list == nil {
		list = []ConversationSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.orch.LoadConversation(r.Context(), requestClaims(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conversationToDetail(conv))
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.orch.DeleteConversation(r.Context(), requestClaims(r), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := g.orch.RenameConversation(r.Context(), requestClaims(r), chi.URLParam(r, "id"), req.Title); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"title": req.Title})
}

func (g *Gateway) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	if err := g.orch.ClearConversation(r.Context(), requestClaims(r), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func conversationToDetail(conv *conversation.Conversation) conversationDetail {
	detail := conversationDetail{
		ID:         conv.ID,
		Title:      conv.Title,
		Status:     string(conv.Status),
		AgentDefID: conv.AgentDefID,
		TemplateID: conv.TemplateID,
		ItemIndex:  conv.ItemIndex,
		Summary:    conv.Summary,
		Messages:   make([]conversationRecord, 0, len(conv.Messages)),
	}
	for _, msg := range conv.Messages {
		record := conversationRecord{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Status:    string(msg.Status),
		}
		for _, call := range msg.ToolCalls {
			record.ToolCalls = append(record.ToolCalls, toolCallView{
				CallID:    call.CallID,
				ToolID:    call.ToolID,
				Arguments: call.Arguments,
			})
		}
		for _, result := range msg.ToolResults {
			record.ToolResults = append(record.ToolResults, toolResultView{
				CallID:  result.CallID,
				ToolID:  result.ToolID,
				Success: result.Success,
				Result:  result.Result,
				Error:   result.Error,
			})
		}
		detail.Messages = append(detail.Messages, record)
	}
	return detail
}
