package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/runtime/eventstore"
)

// Event type identifiers for the conversation stream.
const (
	EventStarted                = "conversation.started"
	EventMessageAdded           = "conversation.message_added"
	EventMessageCompleted       = "conversation.message_completed"
	EventToolCallAppended       = "conversation.tool_call_appended"
	EventToolResultAppended     = "conversation.tool_result_appended"
	EventClientActionRequested  = "conversation.client_action_requested"
	EventClientResponseReceived = "conversation.client_response_received"
	EventTemplateAdvanced       = "conversation.template_advanced"
	EventRenamed                = "conversation.renamed"
	EventCleared                = "conversation.cleared"
	EventCompleted              = "conversation.completed"
	EventDeleted                = "conversation.deleted"
)

type (
	// StartedPayload binds the conversation to its owner and configuration.
	StartedPayload struct {
		UserID     string `json:"user_id"`
		AgentDefID string `json:"agent_def_id,omitempty"`
		TemplateID string `json:"template_id,omitempty"`
	}

	// MessageAddedPayload appends a transcript message.
	MessageAddedPayload struct {
		MessageID string        `json:"message_id"`
		Role      Role          `json:"role"`
		Content   string        `json:"content"`
		Status    MessageStatus `json:"status"`
		At        time.Time     `json:"at"`
	}

	// MessageCompletedPayload finalizes an in-progress message.
	MessageCompletedPayload struct {
		MessageID string        `json:"message_id"`
		Content   string        `json:"content"`
		Status    MessageStatus `json:"status"`
	}

	// ToolCallPayload attaches a tool call to a message.
	ToolCallPayload struct {
		MessageID string   `json:"message_id"`
		Call      ToolCall `json:"call"`
	}

	// ToolResultPayload attaches a tool result to a message.
	ToolResultPayload struct {
		MessageID string     `json:"message_id"`
		Result    ToolResult `json:"result"`
	}

	// ClientActionPayload suspends the conversation on a widget.
	ClientActionPayload struct {
		Action ClientAction `json:"action"`
	}

	// ClientResponsePayload resolves the pending widget.
	ClientResponsePayload struct {
		WidgetID string `json:"widget_id"`
		Value    any    `json:"value"`
	}

	// TemplateAdvancedPayload moves the template cursor.
	TemplateAdvancedPayload struct {
		ItemIndex int `json:"item_index"`
	}

	// RenamedPayload changes the display title.
	RenamedPayload struct {
		Title string `json:"title"`
	}

	// CompletedPayload ends the conversation.
	CompletedPayload struct {
		Summary string `json:"summary,omitempty"`
	}
)

// Apply folds a persisted event into the aggregate. Unknown event types are
// skipped so newer streams replay on older binaries.
func (c *Conversation) Apply(evt eventstore.Event) error {
	defer func() { c.version = evt.Sequence }()
	switch evt.Type {
	case EventStarted:
		var p StartedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.UserID = p.UserID
		c.AgentDefID = p.AgentDefID
		c.TemplateID = p.TemplateID
		c.Status = StatusActive
	case EventMessageAdded:
		var p MessageAddedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.Messages = append(c.Messages, Message{
			ID:        p.MessageID,
			Role:      p.Role,
			Content:   p.Content,
			CreatedAt: p.At,
			Status:    p.Status,
		})
	case EventMessageCompleted:
		var p MessageCompletedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.Content = p.Content
			msg.Status = p.Status
		}
	case EventToolCallAppended:
		var p ToolCallPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.ToolCalls = append(msg.ToolCalls, p.Call)
		}
	case EventToolResultAppended:
		var p ToolResultPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		if msg := c.findMessage(p.MessageID); msg != nil {
			msg.ToolResults = append(msg.ToolResults, p.Result)
		}
	case EventClientActionRequested:
		var p ClientActionPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		action := p.Action
		c.PendingAction = &action
		c.Status = StatusAwaitingResponse
	case EventClientResponseReceived:
		c.PendingAction = nil
		c.Status = StatusActive
	case EventTemplateAdvanced:
		var p TemplateAdvancedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.ItemIndex = p.ItemIndex
	case EventRenamed:
		var p RenamedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.Title = p.Title
	case EventCleared:
		kept := c.Messages[:0]
		for _, msg := range c.Messages {
			if msg.Role == RoleSystem {
				kept = append(kept, msg)
			}
		}
		c.Messages = kept
		c.PendingAction = nil
		if c.Status == StatusAwaitingResponse {
			c.Status = StatusActive
		}
	case EventCompleted:
		var p CompletedPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		c.Summary = p.Summary
		c.Status = StatusCompleted
		c.PendingAction = nil
	case EventDeleted:
		c.Deleted = true
	}
	return nil
}

func decode(evt eventstore.Event, out any) error {
	if err := json.Unmarshal(evt.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return nil
}

func shortID() string {
	return uuid.NewString()
}
