package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
)

// clientActionTool is the built-in tool through which the model asks the
// client to render a widget and wait for a structured response. Calls to it
// never reach the execution pipeline; the reactive loop suspends the session
// instead.
const clientActionTool = "present_widget"

// reactiveAction binds a model-requested widget to the tool call awaiting its
// result.
type reactiveAction struct {
	widgetID  string
	messageID string
	callID    string
}

type clientActionArgs struct {
	WidgetType string   `json:"widget_type"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options,omitempty"`
}

// clientActionToolDef exposes the widget tool to the model alongside the
// catalog tools.
func clientActionToolDef() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        clientActionTool,
		Description: "Ask the user a structured question by rendering an interactive widget. The conversation suspends until the user responds; the response is returned as this tool's result.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"widget_type": map[string]any{
					"type":        "string",
					"description": "Widget to render.",
					"enum":        []any{string(template.WidgetMultipleChoice), string(template.WidgetFreeText), string(template.WidgetButton)},
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Question or instruction shown to the user.",
				},
				"options": map[string]any{
					"type":        "array",
					"description": "Choices for multiple_choice widgets.",
					"items":       map[string]any{"type": "string"},
				},
			},
			"required": []any{"prompt"},
		},
	}
}

// suspendOnClientAction handles a model-emitted widget call: the pending
// action is persisted, the widget rendered, and the session moves to
// SUSPENDED. The turn ends here; the tool result arrives with the user's
// widget response.
func (o *Orchestrator) suspendOnClientAction(ctx context.Context, s *Session, messageID string, iter int, call model.ToolCall) error {
	var args clientActionArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Prompt == "" {
		if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
			return c.AppendToolResult(messageID, conversation.ToolResult{
				CallID:  call.ID,
				ToolID:  clientActionTool,
				Success: false,
				Error:   "widget call requires a prompt",
			})
		}); err != nil {
			return o.emitError(ctx, s, err)
		}
		return s.transition(ctx, StateReady)
	}
	if args.WidgetType == "" {
		args.WidgetType = string(template.WidgetFreeText)
	}

	widgetID := "widget_" + uuid.NewString()
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.RequestClientAction(conversation.ClientAction{
			WidgetID:   widgetID,
			WidgetType: args.WidgetType,
			Stem:       args.Prompt,
			Options:    args.Options,
		})
	}); err != nil {
		return o.emitError(ctx, s, err)
	}
	s.setClientAction(&reactiveAction{widgetID: widgetID, messageID: messageID, callID: call.ID})

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetRender,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Iteration:      iter,
		Payload: stream.WidgetRenderPayload{
			ContentID:  widgetID,
			WidgetType: args.WidgetType,
			Prompt:     args.Prompt,
			Options:    args.Options,
		},
	}); err != nil {
		return err
	}
	return s.transition(ctx, StateSuspended)
}

// resolveClientAction records the user's widget response as the tool result
// of the suspending call and returns the session to READY.
func (o *Orchestrator) resolveClientAction(ctx context.Context, s *Session, action *reactiveAction, value string) error {
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		changes, err := c.ReceiveClientResponse(action.widgetID, value)
		if err != nil {
			return nil, err
		}
		if action.callID != "" {
			more, err := c.AppendToolResult(action.messageID, conversation.ToolResult{
				CallID:  action.callID,
				ToolID:  clientActionTool,
				Success: true,
				Result:  value,
			})
			if err != nil {
				return nil, err
			}
			changes = append(changes, more...)
		}
		return changes, nil
	}); err != nil {
		return err
	}
	s.setClientAction(nil)

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetResponseAck,
		ConversationID: s.ConversationID,
		MessageID:      action.messageID,
		Payload: stream.WidgetResponseAckPayload{
			ContentID: action.widgetID,
			Accepted:  true,
		},
	}); err != nil {
		return err
	}
	return s.transition(ctx, StateReady)
}

// resumeClientAction restores a reloaded conversation suspended on a
// model-requested widget: the widget is re-rendered and rebound to its
// unresolved tool call.
func (o *Orchestrator) resumeClientAction(ctx context.Context, s *Session, action *conversation.ClientAction) error {
	conv := s.Conversation()
	messageID, callID := pendingClientActionCall(conv)

	if err := s.transition(ctx, StatePresenting); err != nil {
		return err
	}
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetRender,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Payload: stream.WidgetRenderPayload{
			ContentID:  action.WidgetID,
			WidgetType: action.WidgetType,
			Prompt:     action.Stem,
			Options:    action.Options,
		},
	}); err != nil {
		return err
	}
	s.setClientAction(&reactiveAction{widgetID: action.WidgetID, messageID: messageID, callID: callID})
	return s.transition(ctx, StateSuspended)
}

// pendingClientActionCall finds the most recent widget tool call with no
// recorded result.
func pendingClientActionCall(conv *conversation.Conversation) (messageID, callID string) {
	resolved := make(map[string]bool)
	for _, msg := range conv.Messages {
		for _, result := range msg.ToolResults {
			resolved[result.CallID] = true
		}
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		for _, call := range msg.ToolCalls {
			if call.ToolID == clientActionTool && !resolved[call.CallID] {
				return msg.ID, call.CallID
			}
		}
	}
	return "", ""
}
