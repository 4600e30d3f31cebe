package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/agentdef"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/eventstore/inmem"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
	"github.com/agentgate/agentgate/runtime/toolexec"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []model.Response
}

func (c *scriptedClient) Complete(context.Context, model.Request) (model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return model.Response{Content: "CORRECT\nWell done."}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func (c *scriptedClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

type fakeModels struct{ client model.Client }

func (f fakeModels) Client(string) (model.Client, error) { return f.client, nil }

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*toolexec.Result
	calls   []toolexec.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req toolexec.Request) (*toolexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if result, ok := f.results[req.ToolID]; ok {
		return result, nil
	}
	return nil, gwerrors.Newf(gwerrors.KindNotFound, "tool %s not found", req.ToolID)
}

func newTestOrchestrator(t *testing.T, client model.Client, exec ToolExecutor, cfg Config) (*Orchestrator, *eventstore.Repository) {
	t.Helper()
	repo, err := eventstore.NewRepository(inmem.New(), nil)
	require.NoError(t, err)
	o, err := New(Options{Repository: repo, Models: fakeModels{client}, Executor: exec, Config: cfg})
	require.NoError(t, err)
	return o, repo
}

func seedDefinition(t *testing.T, repo *eventstore.Repository, id string, attrs agentdef.Attributes) {
	t.Helper()
	def := agentdef.New(id)
	_, err := repo.Execute(context.Background(), def, true, eventstore.Metadata{UserID: "owner-1"}, func() ([]eventstore.Change, error) {
		return def.Create("owner-1", attrs)
	})
	require.NoError(t, err)
}

func seedTemplate(t *testing.T, repo *eventstore.Repository, id string, attrs template.Attributes) {
	t.Helper()
	tmpl := template.New(id)
	_, err := repo.Execute(context.Background(), tmpl, true, eventstore.Metadata{UserID: "owner-1"}, func() ([]eventstore.Change, error) {
		return tmpl.Create("owner-1", attrs)
	})
	require.NoError(t, err)
}

func userClaims(sub string) auth.Claims { return auth.Claims{"sub": sub} }

func drainEvents(t *testing.T, conn *stream.Conn) []stream.Event {
	t.Helper()
	require.NoError(t, conn.Close(context.Background()))
	var events []stream.Event
	for evt := range conn.Events() {
		events = append(events, evt)
	}
	return events
}

func eventTypes(events []stream.Event) []stream.EventType {
	types := make([]stream.EventType, len(events))
	for i, evt := range events {
		types[i] = evt.Type
	}
	return types
}

func findEvent(events []stream.Event, typ stream.EventType) (stream.Event, bool) {
	for _, evt := range events {
		if evt.Type == typ {
			return evt, true
		}
	}
	return stream.Event{}, false
}

func TestOpenSessionCreatesConversation(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.NotEmpty(t, s.ConversationID)
	assert.Equal(t, "user-1", s.Conversation().UserID)

	events := drainEvents(t, conn)
	require.Len(t, events, 1)
	assert.Equal(t, stream.EventStreamStarted, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
}

func TestOpenSessionRejectsForeignConversation(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", stream.NewConn(8))
	require.NoError(t, err)

	_, err = o.OpenSession(ctx, userClaims("user-2"), "tok", s.ConversationID, "", stream.NewConn(8))
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindForbidden))
}

func TestSendUserMessageStreamsAnswer(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{{Content: "Hello there!"}}}
	o, _ := newTestOrchestrator(t, client, &fakeExecutor{}, Config{})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "hi"))
	assert.Equal(t, StateReady, s.State())

	events := drainEvents(t, conn)
	assert.Equal(t, []stream.EventType{
		stream.EventStreamStarted,
		stream.EventContentChunk,
		stream.EventContentComplete,
	}, eventTypes(events))

	conv := s.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, conversation.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello there!", conv.Messages[1].Content)
	assert.Equal(t, conversation.MessageCompleted, conv.Messages[1].Status)
}

func TestReactiveLoopExecutesToolCalls(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "crm:search_contacts", Arguments: json.RawMessage(`{"query":"acme"}`)}}},
		{Content: "Found one contact."},
	}}
	exec := &fakeExecutor{results: map[string]*toolexec.Result{
		"crm:search_contacts": {
			ToolID: "crm:search_contacts",
			Status: toolexec.StatusCompleted,
			Result: json.RawMessage(`[{"name":"Acme"}]`),
		},
	}}
	o, _ := newTestOrchestrator(t, client, exec, Config{})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "find acme"))
	assert.Equal(t, StateReady, s.State())

	events := drainEvents(t, conn)
	started, ok := findEvent(events, stream.EventToolCallStarted)
	require.True(t, ok)
	assert.Equal(t, "crm:search_contacts", started.Payload.(stream.ToolCallStartedPayload).ToolID)
	completed, ok := findEvent(events, stream.EventToolCallCompleted)
	require.True(t, ok)
	assert.Equal(t, string(toolexec.StatusCompleted), completed.Payload.(stream.ToolCallCompletedPayload).Status)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, "tok", exec.calls[0].CallerToken)
	assert.Equal(t, "user-1", exec.calls[0].Claims.Subject())

	conv := s.Conversation()
	var results int
	for _, msg := range conv.Messages {
		results += len(msg.ToolResults)
	}
	assert.Equal(t, 1, results, "tool result recorded on the transcript")
}

func TestToolFailureFedBackToModel(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "ghost:tool", Arguments: json.RawMessage(`{}`)}}},
		{Content: "That tool does not exist."},
	}}
	o, _ := newTestOrchestrator(t, client, &fakeExecutor{}, Config{})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "use the ghost tool"))
	assert.Equal(t, StateReady, s.State())

	events := drainEvents(t, conn)
	completed, ok := findEvent(events, stream.EventToolCallCompleted)
	require.True(t, ok)
	payload := completed.Payload.(stream.ToolCallCompletedPayload)
	assert.Equal(t, string(toolexec.StatusFailed), payload.Status)
	assert.Contains(t, payload.Error, "not found")
}

func TestStopOnErrorEndsTurn(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{
		{ToolCalls: []model.ToolCall{{ID: "call-1", Name: "ghost:tool", Arguments: json.RawMessage(`{}`)}}},
	}}
	o, _ := newTestOrchestrator(t, client, &fakeExecutor{}, Config{StopOnError: true})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.Error(t, o.SendUserMessage(ctx, s, "use the ghost tool"))
	assert.Equal(t, StateError, s.State())

	events := drainEvents(t, conn)
	_, ok := findEvent(events, stream.EventError)
	assert.True(t, ok)
}

func TestIterationBound(t *testing.T) {
	ctx := context.Background()
	// Every response asks for another tool call; the loop must stop at the
	// configured bound instead of spinning.
	call := model.ToolCall{ID: "call-1", Name: "loop:tool", Arguments: json.RawMessage(`{}`)}
	client := &scriptedClient{responses: []model.Response{
		{ToolCalls: []model.ToolCall{call}},
		{ToolCalls: []model.ToolCall{call}},
		{ToolCalls: []model.ToolCall{call}},
	}}
	exec := &fakeExecutor{results: map[string]*toolexec.Result{
		"loop:tool": {ToolID: "loop:tool", Status: toolexec.StatusCompleted, Result: json.RawMessage(`"ok"`)},
	}}
	o, _ := newTestOrchestrator(t, client, exec, Config{MaxIterations: 2})
	conn := stream.NewConn(128)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "loop forever"))
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, exec.calls, 2)
}

func TestModelWidgetCallSuspendsSession(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{
		{Content: "Let me ask.", ToolCalls: []model.ToolCall{{
			ID:        "call-w1",
			Name:      "present_widget",
			Arguments: json.RawMessage(`{"widget_type":"multiple_choice","prompt":"Deploy to production?","options":["yes","no"]}`),
		}}},
	}}
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(t, client, exec, Config{})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "deploy"))
	assert.Equal(t, StateSuspended, s.State())
	assert.Empty(t, exec.calls, "widget calls never reach the pipeline")

	conv := s.Conversation()
	require.NotNil(t, conv.PendingAction)
	widgetID := conv.PendingAction.WidgetID
	assert.Equal(t, "multiple_choice", conv.PendingAction.WidgetType)

	// The wrong widget id is rejected; the right one resolves the turn.
	err = o.SubmitWidgetResponse(ctx, s, "widget_other", "yes")
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindInvalidState))

	require.NoError(t, o.SubmitWidgetResponse(ctx, s, widgetID, "yes"))
	assert.Equal(t, StateReady, s.State())

	events := drainEvents(t, conn)
	render, ok := findEvent(events, stream.EventWidgetRender)
	require.True(t, ok)
	payload := render.Payload.(stream.WidgetRenderPayload)
	assert.Equal(t, widgetID, payload.ContentID)
	assert.Equal(t, "Deploy to production?", payload.Prompt)
	assert.Equal(t, []string{"yes", "no"}, payload.Options)
	ack, ok := findEvent(events, stream.EventWidgetResponseAck)
	require.True(t, ok)
	assert.Equal(t, widgetID, ack.Payload.(stream.WidgetResponseAckPayload).ContentID)

	conv = s.Conversation()
	assert.Nil(t, conv.PendingAction)
	var result *conversation.ToolResult
	for _, msg := range conv.Messages {
		for i := range msg.ToolResults {
			if msg.ToolResults[i].CallID == "call-w1" {
				result = &msg.ToolResults[i]
			}
		}
	}
	require.NotNil(t, result, "widget response recorded as the tool result")
	assert.True(t, result.Success)
	assert.Equal(t, "yes", result.Result)
}

func TestModelWidgetResumesAfterReload(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{responses: []model.Response{
		{ToolCalls: []model.ToolCall{{
			ID:        "call-w1",
			Name:      "present_widget",
			Arguments: json.RawMessage(`{"widget_type":"free_text","prompt":"Name the release"}`),
		}}},
	}}
	o, _ := newTestOrchestrator(t, client, &fakeExecutor{}, Config{})

	first, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", stream.NewConn(64))
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, first, "cut a release"))
	require.Equal(t, StateSuspended, first.State())
	widgetID := first.Conversation().PendingAction.WidgetID
	require.NoError(t, o.CloseSession(ctx, first))

	conn := stream.NewConn(64)
	second, err := o.OpenSession(ctx, userClaims("user-1"), "tok", first.ConversationID, "", conn)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, second.State())

	require.NoError(t, o.SubmitWidgetResponse(ctx, second, widgetID, "v2.1"))
	assert.Equal(t, StateReady, second.State())

	events := drainEvents(t, conn)
	render, ok := findEvent(events, stream.EventWidgetRender)
	require.True(t, ok)
	payload := render.Payload.(stream.WidgetRenderPayload)
	assert.Equal(t, widgetID, payload.ContentID)
	assert.Equal(t, "Name the release", payload.Prompt)

	var result *conversation.ToolResult
	for _, msg := range second.Conversation().Messages {
		for i := range msg.ToolResults {
			if msg.ToolResults[i].CallID == "call-w1" {
				result = &msg.ToolResults[i]
			}
		}
	}
	require.NotNil(t, result)
	assert.Equal(t, "v2.1", result.Result)
}

func TestSubmitWidgetResponseRequiresSuspension(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", stream.NewConn(8))
	require.NoError(t, err)

	err = o.SubmitWidgetResponse(ctx, s, "q-1", "B")
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindInvalidState))
}

func TestIterationBoundEmitsOnlyCurrentTurnText(t *testing.T) {
	ctx := context.Background()
	call := model.ToolCall{ID: "call-1", Name: "loop:tool", Arguments: json.RawMessage(`{}`)}
	client := &scriptedClient{responses: []model.Response{
		{Content: "First answer."},
		{Content: "Working. ", ToolCalls: []model.ToolCall{call}},
		{Content: "Still working.", ToolCalls: []model.ToolCall{call}},
	}}
	exec := &fakeExecutor{results: map[string]*toolexec.Result{
		"loop:tool": {ToolID: "loop:tool", Status: toolexec.StatusCompleted, Result: json.RawMessage(`"ok"`)},
	}}
	o, _ := newTestOrchestrator(t, client, exec, Config{MaxIterations: 2})
	conn := stream.NewConn(128)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "", conn)
	require.NoError(t, err)
	require.NoError(t, o.SendUserMessage(ctx, s, "hi"))
	require.NoError(t, o.SendUserMessage(ctx, s, "loop forever"))

	events := drainEvents(t, conn)
	var completes []stream.ContentCompletePayload
	for _, evt := range events {
		if evt.Type == stream.EventContentComplete {
			completes = append(completes, evt.Payload.(stream.ContentCompletePayload))
		}
	}
	require.Len(t, completes, 2)
	assert.Equal(t, "First answer.", completes[0].Text)
	// The bound-hit completion carries the second turn's accumulated text
	// only; nothing from the first turn leaks in.
	assert.Equal(t, "Working. Still working.", completes[1].Text)
}

func TestCancelWithoutTurn(t *testing.T) {
	o, _ := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	s, err := o.OpenSession(context.Background(), userClaims("user-1"), "tok", "", "", stream.NewConn(8))
	require.NoError(t, err)
	assert.False(t, o.Cancel(s, "req-unknown"))
}

func proactiveTemplate() template.Attributes {
	return template.Attributes{
		Name:                    "Onboarding quiz",
		AgentStartsFirst:        true,
		DisplayFinalScoreReport: true,
		IntroductionMessage:     "Welcome to the quiz.",
		CompletionMessage:       "That is a wrap.",
		Items: []template.Item{{
			ID: "item-1",
			Contents: []template.ItemContent{
				{ID: "c-intro", Order: 1, WidgetType: template.WidgetMessage, Stem: "First question coming up."},
				{ID: "q-1", Order: 2, WidgetType: template.WidgetMultipleChoice, Stem: "Pick the answer",
					Options: []string{"A", "B"}, Required: true, MaxScore: 2, CorrectAnswer: "B"},
			},
		}},
	}
}

func TestProactiveFlowEndToEnd(t *testing.T) {
	ctx := context.Background()
	o, repo := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	seedTemplate(t, repo, "tmpl-1", proactiveTemplate())
	seedDefinition(t, repo, "def-1", agentdef.Attributes{
		Name:       "Quiz agent",
		TemplateID: "tmpl-1",
		Access:     agentdef.AccessRules{Public: true},
	})
	conn := stream.NewConn(128)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "def-1", conn)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, s.State())

	pending, ok := s.pendingWidgetID()
	require.True(t, ok)
	assert.Equal(t, "q-1", pending)

	require.NoError(t, o.SubmitWidgetResponse(ctx, s, "q-1", "B"))
	assert.Equal(t, StateCompleted, s.State())

	events := drainEvents(t, conn)
	types := eventTypes(events)
	assert.Contains(t, types, stream.EventFlowStarted)
	assert.Contains(t, types, stream.EventItemContext)
	assert.Contains(t, types, stream.EventWidgetRender)
	assert.Contains(t, types, stream.EventWidgetResponseAck)

	render, ok := findEvent(events, stream.EventWidgetRender)
	require.True(t, ok)
	assert.Equal(t, "q-1", render.Payload.(stream.WidgetRenderPayload).ContentID)

	completed, ok := findEvent(events, stream.EventFlowCompleted)
	require.True(t, ok)
	report := completed.Payload.(stream.FlowCompletedPayload).ScoreReport
	require.NotNil(t, report)
	assert.Equal(t, 2, report.TotalScore)
	assert.Equal(t, 2, report.MaxScore)
	assert.Equal(t, 100, report.Percent)

	assert.Equal(t, conversation.StatusCompleted, s.Conversation().Status)
}

func TestProactiveFlowWrongAnswerScoresZero(t *testing.T) {
	ctx := context.Background()
	o, repo := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	seedTemplate(t, repo, "tmpl-1", proactiveTemplate())
	seedDefinition(t, repo, "def-1", agentdef.Attributes{
		Name:       "Quiz agent",
		TemplateID: "tmpl-1",
		Access:     agentdef.AccessRules{Public: true},
	})
	conn := stream.NewConn(128)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "def-1", conn)
	require.NoError(t, err)
	require.NoError(t, o.SubmitWidgetResponse(ctx, s, "q-1", "A"))

	events := drainEvents(t, conn)
	completed, ok := findEvent(events, stream.EventFlowCompleted)
	require.True(t, ok)
	report := completed.Payload.(stream.FlowCompletedPayload).ScoreReport
	require.NotNil(t, report)
	assert.Equal(t, 0, report.TotalScore)
	assert.Equal(t, 2, report.MaxScore)
}

func TestZeroItemProactiveTemplateCompletesOnOpen(t *testing.T) {
	ctx := context.Background()
	o, repo := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	seedTemplate(t, repo, "tmpl-empty", template.Attributes{
		Name:             "Empty flow",
		AgentStartsFirst: true,
	})
	seedDefinition(t, repo, "def-1", agentdef.Attributes{
		Name:       "Empty agent",
		TemplateID: "tmpl-empty",
		Access:     agentdef.AccessRules{Public: true},
	})
	conn := stream.NewConn(64)

	s, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "def-1", conn)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, conversation.StatusCompleted, s.Conversation().Status)

	// With nothing to present the flow never starts.
	types := eventTypes(drainEvents(t, conn))
	assert.NotContains(t, types, stream.EventFlowStarted)
	assert.NotContains(t, types, stream.EventFlowCompleted)
	assert.NotContains(t, types, stream.EventWidgetRender)
	assert.Contains(t, types, stream.EventStreamStarted)
}

func TestReloadReEmitsPendingWidget(t *testing.T) {
	ctx := context.Background()
	o, repo := newTestOrchestrator(t, &scriptedClient{}, &fakeExecutor{}, Config{})
	seedTemplate(t, repo, "tmpl-1", proactiveTemplate())
	seedDefinition(t, repo, "def-1", agentdef.Attributes{
		Name:       "Quiz agent",
		TemplateID: "tmpl-1",
		Access:     agentdef.AccessRules{Public: true},
	})

	first, err := o.OpenSession(ctx, userClaims("user-1"), "tok", "", "def-1", stream.NewConn(128))
	require.NoError(t, err)
	require.NoError(t, o.CloseSession(ctx, first))

	conn := stream.NewConn(128)
	second, err := o.OpenSession(ctx, userClaims("user-1"), "tok", first.ConversationID, "", conn)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, second.State())

	events := drainEvents(t, conn)
	render, ok := findEvent(events, stream.EventWidgetRender)
	require.True(t, ok)
	assert.Equal(t, "q-1", render.Payload.(stream.WidgetRenderPayload).ContentID)

	require.NoError(t, o.SubmitWidgetResponse(ctx, second, "q-1", "B"))
	assert.Equal(t, StateCompleted, second.State())
}
