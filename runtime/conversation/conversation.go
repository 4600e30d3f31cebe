// Package conversation implements the Conversation aggregate: a per-user
// thread of messages with attached tool calls and results, optional template
// progress, and a pending client action when the thread is suspended on a
// widget. State is reconstructed by replaying the aggregate's event stream;
// command methods validate invariants and produce events.
package conversation

import (
	"fmt"
	"time"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// Status is the structural state of a conversation.
type Status string

const (
	StatusPending          Status = "pending"
	StatusActive           Status = "active"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusCompleted        Status = "completed"
)

// Role is a message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageStatus tracks the delivery state of a single message.
type MessageStatus string

const (
	MessageInProgress MessageStatus = "in_progress"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

type (
	// Conversation is the aggregate root.
	Conversation struct {
		ID           string
		UserID       string
		AgentDefID   string
		TemplateID   string
		ItemIndex    int
		Title        string
		Status       Status
		Messages     []Message
		PendingAction *ClientAction
		Summary      string
		Deleted      bool

		version int64
	}

	// Message is one entry in the conversation transcript.
	Message struct {
		ID          string
		Role        Role
		Content     string
		CreatedAt   time.Time
		Status      MessageStatus
		ToolCalls   []ToolCall
		ToolResults []ToolResult
	}

	// ToolCall records a model-requested tool invocation attached to an
	// assistant message.
	ToolCall struct {
		CallID    string
		ToolID    string
		Arguments map[string]any
	}

	// ToolResult records the outcome of a tool call. Every result must match a
	// prior ToolCall by CallID.
	ToolResult struct {
		CallID  string
		ToolID  string
		Success bool
		Result  any
		Error   string
	}

	// ClientAction is a widget awaiting a structured client response.
	ClientAction struct {
		WidgetID   string
		WidgetType string
		Stem       string
		Options    []string
		Config     map[string]any
		RequestedAt time.Time
	}
)

// New returns an empty conversation shell ready for replay or creation.
func New(id string) *Conversation {
	return &Conversation{ID: id, Status: StatusPending}
}

// AggregateType implements eventstore.Aggregate.
func (c *Conversation) AggregateType() string { return eventstore.AggregateConversation }

// AggregateID implements eventstore.Aggregate.
func (c *Conversation) AggregateID() string { return c.ID }

// Version returns the number of events folded into the aggregate.
func (c *Conversation) Version() int64 { return c.version }

// Start creates the conversation bound to a user and optional definition and
// template. When the definition supplies a system prompt the resulting system
// message is always the first message of the transcript.
func (c *Conversation) Start(userID, agentDefID, templateID, systemPrompt string) ([]eventstore.Change, error) {
	if c.version > 0 || len(c.Messages) > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "conversation already started")
	}
	if userID == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "user id is required")
	}
	changes := []eventstore.Change{{
		Type: EventStarted,
		Payload: StartedPayload{
			UserID:     userID,
			AgentDefID: agentDefID,
			TemplateID: templateID,
		},
	}}
	if systemPrompt != "" {
		changes = append(changes, eventstore.Change{
			Type: EventMessageAdded,
			Payload: MessageAddedPayload{
				MessageID: newMessageID(),
				Role:      RoleSystem,
				Content:   systemPrompt,
				Status:    MessageCompleted,
				At:        time.Now().UTC(),
			},
		})
	}
	return changes, nil
}

// AddMessage appends a message to the transcript. System messages may only be
// appended as the first message.
func (c *Conversation) AddMessage(messageID string, role Role, content string, status MessageStatus) ([]eventstore.Change, error) {
	if c.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "conversation deleted")
	}
	if role == RoleSystem && len(c.Messages) > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "system message must be first")
	}
	if messageID == "" {
		messageID = newMessageID()
	}
	if status == "" {
		status = MessageCompleted
	}
	return []eventstore.Change{{
		Type: EventMessageAdded,
		Payload: MessageAddedPayload{
			MessageID: messageID,
			Role:      role,
			Content:   content,
			Status:    status,
			At:        time.Now().UTC(),
		},
	}}, nil
}

// CompleteMessage finalizes an in-progress message with its full content.
func (c *Conversation) CompleteMessage(messageID, content string, status MessageStatus) ([]eventstore.Change, error) {
	if c.findMessage(messageID) == nil {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "message %s not found", messageID)
	}
	if status != MessageCompleted && status != MessageFailed {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "invalid terminal message status %q", status)
	}
	return []eventstore.Change{{
		Type:    EventMessageCompleted,
		Payload: MessageCompletedPayload{MessageID: messageID, Content: content, Status: status},
	}}, nil
}

// AppendToolCall attaches a tool call to an existing assistant message.
func (c *Conversation) AppendToolCall(messageID string, call ToolCall) ([]eventstore.Change, error) {
	msg := c.findMessage(messageID)
	if msg == nil {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "message %s not found", messageID)
	}
	if call.CallID == "" || call.ToolID == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "tool call id and tool id are required")
	}
	return []eventstore.Change{{
		Type:    EventToolCallAppended,
		Payload: ToolCallPayload{MessageID: messageID, Call: call},
	}}, nil
}

// AppendToolResult attaches a tool result. The result must reference a tool
// call recorded on the same or an earlier message.
func (c *Conversation) AppendToolResult(messageID string, result ToolResult) ([]eventstore.Change, error) {
	if c.findMessage(messageID) == nil {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "message %s not found", messageID)
	}
	if !c.hasToolCall(result.CallID) {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "tool result references unknown call id %s", result.CallID)
	}
	return []eventstore.Change{{
		Type:    EventToolResultAppended,
		Payload: ToolResultPayload{MessageID: messageID, Result: result},
	}}, nil
}

// RequestClientAction suspends the conversation on a widget. Exactly one
// pending action may exist at a time.
func (c *Conversation) RequestClientAction(action ClientAction) ([]eventstore.Change, error) {
	if c.PendingAction != nil {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "a client action is already pending")
	}
	if action.WidgetID == "" || action.WidgetType == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "widget id and type are required")
	}
	action.RequestedAt = time.Now().UTC()
	return []eventstore.Change{{
		Type:    EventClientActionRequested,
		Payload: ClientActionPayload{Action: action},
	}}, nil
}

// ReceiveClientResponse resolves the pending client action with the user's
// structured answer.
func (c *Conversation) ReceiveClientResponse(widgetID string, value any) ([]eventstore.Change, error) {
	if c.Status != StatusAwaitingResponse || c.PendingAction == nil {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "no client action pending")
	}
	if c.PendingAction.WidgetID != widgetID {
		return nil, gwerrors.Newf(gwerrors.KindInvalidState, "widget %s is not the pending widget", widgetID)
	}
	return []eventstore.Change{{
		Type:    EventClientResponseReceived,
		Payload: ClientResponsePayload{WidgetID: widgetID, Value: value},
	}}, nil
}

// AdvanceTemplate moves the template cursor. itemCount bounds the index.
func (c *Conversation) AdvanceTemplate(toIndex, itemCount int) ([]eventstore.Change, error) {
	if c.TemplateID == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "conversation has no template")
	}
	if toIndex < 0 || toIndex > itemCount {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "item index %d out of range [0,%d]", toIndex, itemCount)
	}
	return []eventstore.Change{{
		Type:    EventTemplateAdvanced,
		Payload: TemplateAdvancedPayload{ItemIndex: toIndex},
	}}, nil
}

// Rename changes the display title.
func (c *Conversation) Rename(title string) ([]eventstore.Change, error) {
	if title == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "title is required")
	}
	return []eventstore.Change{{Type: EventRenamed, Payload: RenamedPayload{Title: title}}}, nil
}

// Clear removes all non-system messages from the projected transcript. The
// system message, when present, survives so definitions keep their prompt.
func (c *Conversation) Clear() ([]eventstore.Change, error) {
	if c.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "conversation deleted")
	}
	return []eventstore.Change{{Type: EventCleared, Payload: struct{}{}}}, nil
}

// Complete ends the conversation with an optional summary.
func (c *Conversation) Complete(summary string) ([]eventstore.Change, error) {
	if c.Status == StatusCompleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventCompleted, Payload: CompletedPayload{Summary: summary}}}, nil
}

// Delete appends the terminal deletion event. Events are retained for audit;
// the read model drops the record.
func (c *Conversation) Delete() ([]eventstore.Change, error) {
	if c.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventDeleted, Payload: struct{}{}}}, nil
}

func (c *Conversation) findMessage(id string) *Message {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return &c.Messages[i]
		}
	}
	return nil
}

func (c *Conversation) hasToolCall(callID string) bool {
	for i := range c.Messages {
		for _, call := range c.Messages[i].ToolCalls {
			if call.CallID == callID {
				return true
			}
		}
	}
	return false
}

func newMessageID() string {
	return fmt.Sprintf("msg_%s", shortID())
}
