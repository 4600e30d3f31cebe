package conversation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/eventstore"
)

// commit seals the changes the way the repository does and folds them into
// the aggregate, returning the persisted envelopes.
func commit(t testing.TB, c *Conversation, changes []eventstore.Change) []eventstore.Event {
	if t != nil {
		t.Helper()
	}
	events := make([]eventstore.Event, 0, len(changes))
	for i, change := range changes {
		payload, err := json.Marshal(change.Payload)
		if err != nil {
			if t != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			return nil
		}
		events = append(events, eventstore.Event{
			AggregateType: c.AggregateType(),
			AggregateID:   c.AggregateID(),
			Sequence:      c.Version() + int64(i) + 1,
			Type:          change.Type,
			Timestamp:     time.Now().UTC(),
			Payload:       payload,
		})
	}
	for _, evt := range events {
		if err := c.Apply(evt); err != nil {
			if t != nil {
				t.Fatalf("apply %s: %v", evt.Type, err)
			}
			return nil
		}
	}
	return events
}

func startConversation(t *testing.T) (*Conversation, []eventstore.Event) {
	t.Helper()
	c := New("conv-1")
	changes, err := c.Start("user-1", "def-1", "", "You are helpful.")
	require.NoError(t, err)
	return c, commit(t, c, changes)
}

func TestStartBindsOwnerAndSystemPrompt(t *testing.T) {
	c, events := startConversation(t)

	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, StatusActive, c.Status)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, RoleSystem, c.Messages[0].Role)
	assert.Equal(t, "You are helpful.", c.Messages[0].Content)
}

func TestStartTwiceRejected(t *testing.T) {
	c, _ := startConversation(t)

	_, err := c.Start("user-1", "", "", "")
	assert.Error(t, err)
}

func TestSystemMessageOnlyFirst(t *testing.T) {
	c, _ := startConversation(t)

	_, err := c.AddMessage("", RoleSystem, "sneaky prompt", MessageCompleted)
	assert.Error(t, err)
}

func TestToolResultRequiresKnownCall(t *testing.T) {
	c, _ := startConversation(t)
	changes, err := c.AddMessage("msg-a", RoleAssistant, "", MessageInProgress)
	require.NoError(t, err)
	commit(t, c, changes)

	_, err = c.AppendToolResult("msg-a", ToolResult{CallID: "call-unknown", ToolID: "tool-1"})
	assert.Error(t, err)

	changes, err = c.AppendToolCall("msg-a", ToolCall{CallID: "call-1", ToolID: "tool-1"})
	require.NoError(t, err)
	commit(t, c, changes)

	changes, err = c.AppendToolResult("msg-a", ToolResult{CallID: "call-1", ToolID: "tool-1", Success: true})
	require.NoError(t, err)
	commit(t, c, changes)
	require.Len(t, c.Messages[1].ToolResults, 1)
}

func TestClientActionLifecycle(t *testing.T) {
	c, _ := startConversation(t)

	changes, err := c.RequestClientAction(ClientAction{WidgetID: "w1", WidgetType: "single_select", Stem: "Pick one"})
	require.NoError(t, err)
	commit(t, c, changes)
	require.NotNil(t, c.PendingAction)
	assert.Equal(t, StatusAwaitingResponse, c.Status)

	// A second pending action is rejected until the first resolves.
	_, err = c.RequestClientAction(ClientAction{WidgetID: "w2", WidgetType: "single_select"})
	assert.Error(t, err)

	_, err = c.ReceiveClientResponse("w2", "a")
	assert.Error(t, err)

	changes, err = c.ReceiveClientResponse("w1", "a")
	require.NoError(t, err)
	commit(t, c, changes)
	assert.Nil(t, c.PendingAction)
	assert.Equal(t, StatusActive, c.Status)
}

func TestClearKeepsSystemPrompt(t *testing.T) {
	c, _ := startConversation(t)
	changes, err := c.AddMessage("", RoleUser, "hello", MessageCompleted)
	require.NoError(t, err)
	commit(t, c, changes)

	changes, err = c.Clear()
	require.NoError(t, err)
	commit(t, c, changes)

	require.Len(t, c.Messages, 1)
	assert.Equal(t, RoleSystem, c.Messages[0].Role)
}

func TestDeleteIsIdempotentAndTerminal(t *testing.T) {
	c, _ := startConversation(t)

	changes, err := c.Delete()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	commit(t, c, changes)
	assert.True(t, c.Deleted)

	changes, err = c.Delete()
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = c.AddMessage("", RoleUser, "hi", MessageCompleted)
	assert.Error(t, err)
}

// runOps drives the aggregate with an opcode script, committing whatever each
// command yields and skipping commands the current state rejects. It returns
// the full committed stream.
func runOps(c *Conversation, ops []int) []eventstore.Event {
	stream := commitQuiet(c, must(c.Start("user-1", "def-1", "", "system prompt")))
	var lastMsg string
	var lastCall string
	for i, op := range ops {
		var changes []eventstore.Change
		var err error
		switch op % 10 {
		case 0:
			changes, err = c.AddMessage(fmt.Sprintf("msg-u-%d", i), RoleUser, fmt.Sprintf("user text %d", i), MessageCompleted)
		case 1:
			lastMsg = fmt.Sprintf("msg-a-%d", i)
			changes, err = c.AddMessage(lastMsg, RoleAssistant, "", MessageInProgress)
		case 2:
			changes, err = c.CompleteMessage(lastMsg, fmt.Sprintf("assistant text %d", i), MessageCompleted)
		case 3:
			lastCall = fmt.Sprintf("call-%d", i)
			changes, err = c.AppendToolCall(lastMsg, ToolCall{CallID: lastCall, ToolID: "tool-1", Arguments: map[string]any{"q": fmt.Sprintf("arg %d", i)}})
		case 4:
			changes, err = c.AppendToolResult(lastMsg, ToolResult{CallID: lastCall, ToolID: "tool-1", Success: true, Result: fmt.Sprintf("result %d", i)})
		case 5:
			changes, err = c.Rename(fmt.Sprintf("title %d", i))
		case 6:
			changes, err = c.RequestClientAction(ClientAction{WidgetID: fmt.Sprintf("w-%d", i), WidgetType: "single_select", Stem: "pick", Options: []string{"a", "b"}})
		case 7:
			if c.PendingAction != nil {
				changes, err = c.ReceiveClientResponse(c.PendingAction.WidgetID, "a")
			}
		case 8:
			changes, err = c.Clear()
		case 9:
			changes, err = c.Complete(fmt.Sprintf("summary %d", i))
		}
		if err != nil || len(changes) == 0 {
			continue
		}
		stream = append(stream, commitQuiet(c, changes)...)
	}
	return stream
}

func commitQuiet(c *Conversation, changes []eventstore.Change) []eventstore.Event {
	return commit(nil, c, changes)
}

func must(changes []eventstore.Change, err error) []eventstore.Change {
	if err != nil {
		panic(err)
	}
	return changes
}

func TestReplayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying the committed stream rebuilds identical state", prop.ForAll(
		func(ops []int) bool {
			live := New("conv-prop")
			stream := runOps(live, ops)

			replayed := New("conv-prop")
			if err := eventstore.Replay(replayed, stream); err != nil {
				return false
			}
			return reflect.DeepEqual(live, replayed)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.Property("committed sequences are contiguous from 1", prop.ForAll(
		func(ops []int) bool {
			c := New("conv-prop")
			stream := runOps(c, ops)
			for i, evt := range stream {
				if evt.Sequence != int64(i)+1 {
					return false
				}
			}
			return c.Version() == int64(len(stream))
		},
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.Property("unknown event types are skipped without corrupting state", prop.ForAll(
		func(ops []int) bool {
			live := New("conv-prop")
			stream := runOps(live, ops)

			withNoise := make([]eventstore.Event, 0, len(stream)+1)
			withNoise = append(withNoise, stream...)
			withNoise = append(withNoise, eventstore.Event{
				AggregateType: live.AggregateType(),
				AggregateID:   live.AggregateID(),
				Sequence:      int64(len(stream)) + 1,
				Type:          "conversation.future_event",
				Payload:       json.RawMessage(`{"anything":true}`),
			})

			replayed := New("conv-prop")
			if err := eventstore.Replay(replayed, withNoise); err != nil {
				return false
			}
			live.version = replayed.version
			return reflect.DeepEqual(live, replayed)
		},
		gen.SliceOf(gen.IntRange(0, 9)),
	))

	properties.TestingRun(t)
}
