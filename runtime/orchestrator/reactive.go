package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/toolexec"
)

// runReactive is the model loop for one user turn. Each iteration streams a
// model response; tool calls are executed and fed back as tool results until
// the model answers in text or a bound is hit.
func (o *Orchestrator) runReactive(ctx context.Context, s *Session) error {
	modelID := s.modelID()
	stopOnError := o.cfg.StopOnError
	if s.Definition != nil {
		stopOnError = stopOnError || s.Definition.StopOnError
	}
	client, err := o.models.Client(modelID)
	if err != nil {
		return o.emitError(ctx, s, err)
	}
	toolDefs := append(modelToolDefs(s.Tools), clientActionToolDef())

	for iter := 1; iter <= o.cfg.MaxIterations; iter++ {
		messageID := "msg_" + uuid.NewString()
		if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
			return c.AddMessage(messageID, conversation.RoleAssistant, "", conversation.MessageInProgress)
		}); err != nil {
			return o.emitError(ctx, s, err)
		}

		req := model.Request{Model: modelID, Messages: o.promptMessages(s), Tools: toolDefs}
		text, calls, err := o.streamModelTurn(ctx, s, client, req, messageID, iter)
		if err != nil {
			if s.wasCancelled() {
				_ = o.finalizeMessage(context.WithoutCancel(ctx), s, messageID, text, conversation.MessageFailed)
				return o.emitCancelled(ctx, s)
			}
			_ = o.finalizeMessage(context.WithoutCancel(ctx), s, messageID, text, conversation.MessageFailed)
			return o.emitError(ctx, s, err)
		}
		if s.wasCancelled() {
			_ = o.finalizeMessage(context.WithoutCancel(ctx), s, messageID, text, conversation.MessageFailed)
			return o.emitCancelled(ctx, s)
		}

		if len(calls) == 0 {
			s.takeBuffer()
			if err := o.finalizeMessage(ctx, s, messageID, text, conversation.MessageCompleted); err != nil {
				return o.emitError(ctx, s, err)
			}
			if err := o.emit(ctx, s, stream.Event{
				Type:           stream.EventContentComplete,
				ConversationID: s.ConversationID,
				MessageID:      messageID,
				Iteration:      iter,
				Payload:        stream.ContentCompletePayload{Text: text},
			}); err != nil {
				return err
			}
			return s.transition(ctx, StateReady)
		}

		if len(calls) > o.cfg.MaxToolCallsPerIteration {
			log.Infof(ctx, "dropping %d tool calls over the per-iteration bound", len(calls)-o.cfg.MaxToolCallsPerIteration)
			calls = calls[:o.cfg.MaxToolCallsPerIteration]
		}
		if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
			changes, err := c.CompleteMessage(messageID, text, conversation.MessageCompleted)
			if err != nil {
				return nil, err
			}
			for _, call := range calls {
				var args map[string]any
				_ = json.Unmarshal(call.Arguments, &args)
				more, err := c.AppendToolCall(messageID, conversation.ToolCall{
					CallID:    call.ID,
					ToolID:    call.Name,
					Arguments: args,
				})
				if err != nil {
					return nil, err
				}
				changes = append(changes, more...)
			}
			return changes, nil
		}); err != nil {
			return o.emitError(ctx, s, err)
		}

		for _, call := range calls {
			if call.Name == clientActionTool {
				// Widget calls suspend the turn instead of dispatching; the
				// user's response becomes the tool result.
				return o.suspendOnClientAction(ctx, s, messageID, iter, call)
			}
			result, err := o.runToolCall(ctx, s, messageID, iter, call)
			if err != nil {
				return err
			}
			if result.Status == toolexec.StatusFailed && stopOnError {
				return o.emitError(ctx, s, gwerrors.Newf(gwerrors.KindInternal,
					"tool %s failed and the agent stops on error: %s", result.ToolID, result.Error))
			}
			if s.wasCancelled() {
				return o.emitCancelled(ctx, s)
			}
		}
	}

	log.Infof(ctx, "turn reached the iteration bound of %d", o.cfg.MaxIterations)
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventContentComplete,
		ConversationID: s.ConversationID,
		Iteration:      o.cfg.MaxIterations,
		Payload:        stream.ContentCompletePayload{Text: s.takeBuffer()},
	}); err != nil {
		return err
	}
	return s.transition(ctx, StateReady)
}

// streamModelTurn drives one model response, emitting content chunks as they
// arrive. It falls back to a blocking completion when the provider does not
// stream. The accumulated text and requested tool calls are returned.
func (o *Orchestrator) streamModelTurn(ctx context.Context, s *Session, client model.Client, req model.Request, messageID string, iter int) (string, []model.ToolCall, error) {
	streamer, err := client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, err := client.Complete(ctx, req)
		if err != nil {
			return "", nil, err
		}
		if resp.Content != "" {
			s.appendBuffer(resp.Content)
			if err := o.emitChunk(ctx, s, messageID, iter, resp.Content); err != nil {
				return resp.Content, nil, err
			}
		}
		return resp.Content, resp.ToolCalls, nil
	}
	if err != nil {
		return "", nil, err
	}
	defer streamer.Close()

	var (
		text  string
		calls []model.ToolCall
	)
	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			return text, calls, nil
		}
		if err != nil {
			return text, calls, err
		}
		if s.wasCancelled() {
			return text, calls, nil
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			text += chunk.Text
			s.appendBuffer(chunk.Text)
			if err := o.emitChunk(ctx, s, messageID, iter, chunk.Text); err != nil {
				return text, calls, err
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage, model.ChunkTypeStop:
			// Usage and stop reasons are informational here.
		}
	}
}

// runToolCall executes one model-requested tool call and records its result
// on the conversation so the next iteration sees it.
func (o *Orchestrator) runToolCall(ctx context.Context, s *Session, messageID string, iter int, call model.ToolCall) (*toolexec.Result, error) {
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventToolCallStarted,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Iteration:      iter,
		Payload: stream.ToolCallStartedPayload{
			ToolCallID: call.ID,
			ToolID:     call.Name,
			Arguments:  call.Arguments,
		},
	}); err != nil {
		return nil, err
	}

	result, err := o.executor.Execute(ctx, toolexec.Request{
		ToolID:      call.Name,
		Arguments:   call.Arguments,
		Claims:      s.Claims,
		CallerToken: s.CallerToken,
	})
	if err != nil {
		// Pre-dispatch failures (unknown tool, denied, invalid arguments,
		// exchange failure) are shaped into failed results so the model can
		// correct itself on the next iteration.
		result = &toolexec.Result{ToolID: call.Name, Status: toolexec.StatusFailed, Error: err.Error()}
	}

	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.AppendToolResult(messageID, conversation.ToolResult{
			CallID:  call.ID,
			ToolID:  result.ToolID,
			Success: result.Status == toolexec.StatusCompleted,
			Result:  result.Result,
			Error:   result.Error,
		})
	}); err != nil {
		return nil, o.emitError(ctx, s, err)
	}

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventToolCallCompleted,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Iteration:      iter,
		Payload: stream.ToolCallCompletedPayload{
			ToolCallID:      call.ID,
			ToolID:          result.ToolID,
			Status:          string(result.Status),
			Result:          result.Result,
			Error:           result.Error,
			UpstreamStatus:  result.UpstreamStatus,
			ExecutionTimeMS: result.ExecutionTimeMS,
		},
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) emitChunk(ctx context.Context, s *Session, messageID string, iter int, text string) error {
	return o.emit(ctx, s, stream.Event{
		Type:           stream.EventContentChunk,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Iteration:      iter,
		Payload:        stream.ContentChunkPayload{Text: text},
	})
}

func (o *Orchestrator) finalizeMessage(ctx context.Context, s *Session, messageID, text string, status conversation.MessageStatus) error {
	return o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.CompleteMessage(messageID, text, status)
	})
}

// promptMessages rebuilds the provider chat history from the aggregate,
// bounded by the context window. The system prompt is always retained; the
// most recent messages fill the rest.
func (o *Orchestrator) promptMessages(s *Session) []model.Message {
	conv := s.Conversation()
	msgs := conv.Messages
	var system *conversation.Message
	if len(msgs) > 0 && msgs[0].Role == conversation.RoleSystem {
		system = &msgs[0]
		msgs = msgs[1:]
	}
	budget := o.cfg.MaxContextMessages
	if system != nil {
		budget--
	}
	if budget > 0 && len(msgs) > budget {
		msgs = msgs[len(msgs)-budget:]
	}

	var out []model.Message
	if system != nil {
		out = append(out, model.Message{Role: model.RoleSystem, Content: system.Content})
	}
	for _, msg := range msgs {
		if msg.Status == conversation.MessageInProgress {
			continue
		}
		m := model.Message{Role: string(msg.Role), Content: msg.Content}
		for _, call := range msg.ToolCalls {
			args, _ := json.Marshal(call.Arguments)
			m.ToolCalls = append(m.ToolCalls, model.ToolCall{ID: call.CallID, Name: call.ToolID, Arguments: args})
		}
		out = append(out, m)
		for _, result := range msg.ToolResults {
			out = append(out, model.Message{
				Role:       model.RoleTool,
				Content:    toolResultText(result),
				ToolCallID: result.CallID,
			})
		}
	}
	return out
}

func toolResultText(result conversation.ToolResult) string {
	if !result.Success && result.Error != "" {
		return result.Error
	}
	switch v := result.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.RawMessage:
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// modelToolDefs lowers the catalog tools into provider tool schemas. Tool
// names are the canonical composite ids.
func modelToolDefs(tools []*catalog.Tool) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.ID,
			Description: t.Definition.Description,
			InputSchema: toolSchema(t.Definition.InputSchema),
		})
	}
	return defs
}

// toolSchema lowers the normalized input schema into the generic JSON-Schema
// map providers expect. The transport-only location hint is dropped.
func toolSchema(in catalog.InputSchema) map[string]any {
	doc := map[string]any{"type": "object"}
	if in.Type != "" {
		doc["type"] = in.Type
	}
	props := make(map[string]any, len(in.Properties))
	for name, prop := range in.Properties {
		p := map[string]any{}
		if prop.Type != "" {
			p["type"] = prop.Type
		}
		if prop.Description != "" {
			p["description"] = prop.Description
		}
		if len(prop.Enum) > 0 {
			p["enum"] = prop.Enum
		}
		props[name] = p
	}
	doc["properties"] = props
	if len(in.Required) > 0 {
		doc["required"] = in.Required
	}
	return doc
}
