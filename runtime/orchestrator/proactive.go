package orchestrator

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
)

// confirmPrefix marks the synthetic confirmation widget appended to items
// that require explicit user confirmation.
const confirmPrefix = "confirm:"

// startFlow opens the proactive template flow: flow_started, the optional
// introduction message, then the first item.
func (o *Orchestrator) startFlow(ctx context.Context, s *Session) error {
	tmpl := s.Template
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventFlowStarted,
		ConversationID: s.ConversationID,
		Payload:        stream.FlowStartedPayload{TemplateID: tmpl.ID, ItemCount: tmpl.ItemCount()},
	}); err != nil {
		return err
	}
	if tmpl.IntroductionMessage != "" {
		if err := o.sendAssistantText(ctx, s, tmpl.IntroductionMessage); err != nil {
			return err
		}
	}
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventChatInputEnabled,
		ConversationID: s.ConversationID,
		Payload:        stream.ChatInputEnabledPayload{Enabled: tmpl.EnableChatInputInitially},
	}); err != nil {
		return err
	}
	return o.presentItem(ctx, s, 0)
}

// presentItem renders one template item: item context, contents in order,
// widgets, and the optional confirmation button. Items with nothing to
// answer settle immediately.
func (o *Orchestrator) presentItem(ctx context.Context, s *Session, index int) error {
	tmpl := s.Template
	item, ok := tmpl.ItemAt(index)
	if !ok {
		return o.finishFlow(ctx, s)
	}

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventItemContext,
		ConversationID: s.ConversationID,
		Payload: stream.ItemContextPayload{
			ItemID:    item.ID,
			ItemIndex: index,
			Text:      item.Title,
		},
	}); err != nil {
		return err
	}

	contents := make([]template.ItemContent, len(item.Contents))
	copy(contents, item.Contents)
	sort.SliceStable(contents, func(i, j int) bool { return contents[i].Order < contents[j].Order })

	var pending []pendingWidget
	for _, content := range contents {
		if content.WidgetType.Interactive() {
			if err := o.renderWidget(ctx, s, item, index, content); err != nil {
				return err
			}
			if content.Required {
				pending = append(pending, pendingWidget{contentID: content.ID})
			}
			continue
		}
		if err := o.renderStatic(ctx, s, item, index, content); err != nil {
			return err
		}
	}

	if item.RequireUserConfirmation {
		confirmID := confirmPrefix + item.ID
		if err := o.emit(ctx, s, stream.Event{
			Type:           stream.EventWidgetRender,
			ConversationID: s.ConversationID,
			Payload: stream.WidgetRenderPayload{
				ItemID:     item.ID,
				ItemIndex:  index,
				ContentID:  confirmID,
				WidgetType: string(template.WidgetButton),
				Prompt:     "Continue",
			},
		}); err != nil {
			return err
		}
		pending = append(pending, pendingWidget{contentID: confirmID, confirm: true})
	}

	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventChatInputEnabled,
		ConversationID: s.ConversationID,
		Payload:        stream.ChatInputEnabledPayload{Enabled: item.EnableChatInput},
	}); err != nil {
		return err
	}

	s.resetItem(index, pending, item.RequireUserConfirmation)
	if len(pending) == 0 {
		return o.settleItem(ctx, s)
	}

	if err := s.transition(ctx, StateSuspended); err != nil {
		return err
	}
	if err := o.recordPendingWidget(ctx, s, item, pending[0]); err != nil {
		return err
	}
	if item.TimeLimit > 0 {
		s.armItemTimer(item.TimeLimit, func() { o.expireItem(s, item.ID) })
	}
	return nil
}

// renderStatic streams a non-interactive content unit: templated stems are
// generated by the model, everything else is emitted from the stored text.
func (o *Orchestrator) renderStatic(ctx context.Context, s *Session, item template.Item, index int, content template.ItemContent) error {
	text := content.Stem
	if content.IsTemplated && text != "" {
		generated, err := o.generateContent(ctx, s, text)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "content_id", V: content.ID})
		} else {
			text = generated
		}
	}
	switch content.WidgetType {
	case template.WidgetMessage:
		return o.sendAssistantText(ctx, s, text)
	default:
		return o.emit(ctx, s, stream.Event{
			Type:           stream.EventItemContext,
			ConversationID: s.ConversationID,
			Payload: stream.ItemContextPayload{
				ItemID:     item.ID,
				ItemIndex:  index,
				ContentID:  content.ID,
				WidgetType: string(content.WidgetType),
				Text:       text,
			},
		})
	}
}

func (o *Orchestrator) renderWidget(ctx context.Context, s *Session, item template.Item, index int, content template.ItemContent) error {
	return o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetRender,
		ConversationID: s.ConversationID,
		Payload: stream.WidgetRenderPayload{
			ItemID:           item.ID,
			ItemIndex:        index,
			ContentID:        content.ID,
			WidgetType:       string(content.WidgetType),
			Prompt:           content.Stem,
			Options:          content.Options,
			TimeLimitSeconds: int(item.TimeLimit / time.Second),
		},
	})
}

// recordPendingWidget persists the suspension so a reloaded conversation can
// re-render the widget it is waiting on.
func (o *Orchestrator) recordPendingWidget(ctx context.Context, s *Session, item template.Item, w pendingWidget) error {
	widgetType := string(template.WidgetButton)
	stem := ""
	var options []string
	for _, content := range item.Contents {
		if content.ID == w.contentID {
			widgetType = string(content.WidgetType)
			stem = content.Stem
			options = content.Options
			break
		}
	}
	return o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		if c.PendingAction != nil {
			return nil, nil
		}
		return c.RequestClientAction(conversation.ClientAction{
			WidgetID:   w.contentID,
			WidgetType: widgetType,
			Stem:       stem,
			Options:    options,
		})
	})
}

// requestNextWidget persists the suspension for the new head of the pending
// queue after a widget was answered.
func (o *Orchestrator) requestNextWidget(ctx context.Context, s *Session) error {
	s.mu.Lock()
	index := s.item.index
	var next *pendingWidget
	if len(s.item.pending) > 0 {
		head := s.item.pending[0]
		next = &head
	}
	s.mu.Unlock()
	if next == nil {
		return nil
	}
	item, ok := s.Template.ItemAt(index)
	if !ok {
		return nil
	}
	return o.recordPendingWidget(ctx, s, item, *next)
}

// settleItem scores the completed item and advances the flow.
func (o *Orchestrator) settleItem(ctx context.Context, s *Session) error {
	s.mu.Lock()
	index := s.item.index
	answers := s.item.answers
	skipped := s.item.skipped
	s.mu.Unlock()

	item, ok := s.Template.ItemAt(index)
	if ok {
		if err := o.scoreItem(ctx, s, item, answers, skipped); err != nil {
			return err
		}
	}

	next := index + 1
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.AdvanceTemplate(next, s.Template.ItemCount())
	}); err != nil {
		return err
	}

	if next < s.Template.ItemCount() {
		if err := s.transition(ctx, StatePresenting); err != nil {
			return err
		}
		return o.presentItem(ctx, s, next)
	}
	return o.finishFlow(ctx, s)
}

// finishFlow emits the completion message and flow_completed, then ends the
// conversation or returns it to free chat per the template configuration.
func (o *Orchestrator) finishFlow(ctx context.Context, s *Session) error {
	tmpl := s.Template
	if tmpl.CompletionMessage != "" {
		if err := o.sendAssistantText(ctx, s, tmpl.CompletionMessage); err != nil {
			return err
		}
	}
	payload := stream.FlowCompletedPayload{TemplateID: tmpl.ID}
	if tmpl.DisplayFinalScoreReport {
		report := s.scoreReport(tmpl.PassingScorePercent)
		payload.ScoreReport = &report
	}
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventFlowCompleted,
		ConversationID: s.ConversationID,
		Payload:        payload,
	}); err != nil {
		return err
	}

	if tmpl.ContinueAfterCompletion {
		if err := o.emit(ctx, s, stream.Event{
			Type:           stream.EventChatInputEnabled,
			ConversationID: s.ConversationID,
			Payload:        stream.ChatInputEnabledPayload{Enabled: true},
		}); err != nil {
			return err
		}
		return s.transition(ctx, StateReady)
	}
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.Complete("")
	}); err != nil {
		return err
	}
	return s.transition(ctx, StateCompleted)
}

// resumePendingWidget restores a reloaded conversation that was suspended on
// a widget: the item progress is rebuilt and the widget re-rendered.
func (o *Orchestrator) resumePendingWidget(ctx context.Context, s *Session) error {
	conv := s.Conversation()
	action := conv.PendingAction
	if action == nil {
		return s.transition(ctx, StateReady)
	}
	if s.Template == nil {
		// The widget came from the model, not a template item.
		return o.resumeClientAction(ctx, s, action)
	}
	index := conv.ItemIndex
	item, ok := s.Template.ItemAt(index)
	if !ok {
		return s.transition(ctx, StateReady)
	}

	if err := s.transition(ctx, StatePresenting); err != nil {
		return err
	}
	if err := o.emit(ctx, s, stream.Event{
		Type:           stream.EventWidgetRender,
		ConversationID: s.ConversationID,
		Payload: stream.WidgetRenderPayload{
			ItemID:           item.ID,
			ItemIndex:        index,
			ContentID:        action.WidgetID,
			WidgetType:       action.WidgetType,
			Prompt:           action.Stem,
			Options:          action.Options,
			TimeLimitSeconds: int(item.TimeLimit / time.Second),
		},
	}); err != nil {
		return err
	}

	// Rebuild the pending queue from the persisted action onward.
	var pending []pendingWidget
	seen := false
	for _, content := range item.Contents {
		if content.ID == action.WidgetID {
			seen = true
		}
		if seen && content.WidgetType.Interactive() && content.Required {
			pending = append(pending, pendingWidget{contentID: content.ID})
		}
	}
	if item.RequireUserConfirmation {
		pending = append(pending, pendingWidget{contentID: confirmPrefix + item.ID, confirm: true})
	}
	s.resetItem(index, pending, item.RequireUserConfirmation)
	return s.transition(ctx, StateSuspended)
}

// expireItem fires when the item time limit elapses: outstanding widgets are
// recorded as skipped and the flow advances.
func (o *Orchestrator) expireItem(s *Session, itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Infof(ctx, "item %s time limit reached, skipping unanswered widgets", itemID)

	drained := s.drainPendingAsSkipped()
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		if c.PendingAction == nil {
			return nil, nil
		}
		return c.ReceiveClientResponse(c.PendingAction.WidgetID, nil)
	}); err != nil {
		log.Error(ctx, err, log.KV{K: "item_id", V: itemID})
		return
	}
	for _, contentID := range drained {
		_ = o.emit(ctx, s, stream.Event{
			Type:           stream.EventWidgetResponseAck,
			ConversationID: s.ConversationID,
			Payload:        stream.WidgetResponseAckPayload{ItemID: itemID, ContentID: contentID, Accepted: false},
		})
	}
	if err := o.settleItem(ctx, s); err != nil {
		log.Error(ctx, err, log.KV{K: "item_id", V: itemID})
	}
}

// sendAssistantText persists a virtual assistant message and streams it to
// the client as one chunk followed by completion.
func (o *Orchestrator) sendAssistantText(ctx context.Context, s *Session, text string) error {
	messageID := "msg_" + uuid.NewString()
	if err := o.updateConversation(ctx, s, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.AddMessage(messageID, conversation.RoleAssistant, text, conversation.MessageCompleted)
	}); err != nil {
		return err
	}
	if err := o.emitChunk(ctx, s, messageID, 0, text); err != nil {
		return err
	}
	return o.emit(ctx, s, stream.Event{
		Type:           stream.EventContentComplete,
		ConversationID: s.ConversationID,
		MessageID:      messageID,
		Payload:        stream.ContentCompletePayload{Text: text},
	})
}

// generateContent asks the model to render a templated stem, streaming the
// output to the client as assistant text.
func (o *Orchestrator) generateContent(ctx context.Context, s *Session, prompt string) (string, error) {
	modelID := s.modelID()
	client, err := o.models.Client(modelID)
	if err != nil {
		return "", err
	}
	req := model.Request{
		Model: modelID,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Render the following content instruction as the assistant. Respond with the content only."},
			{Role: model.RoleUser, Content: prompt},
		},
	}
	streamer, err := client.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		resp, cerr := client.Complete(ctx, req)
		if cerr != nil {
			return "", cerr
		}
		return resp.Content, nil
	}
	if err != nil {
		return "", err
	}
	defer streamer.Close()

	var text string
	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			return text, nil
		}
		if err != nil {
			return text, err
		}
		if chunk.Type == model.ChunkTypeText {
			text += chunk.Text
		}
	}
}
