package pulse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/agentgate/agentgate/runtime/stream"
)

func TestSubscriberDecodesPublishedEvents(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "conv-1")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(stream.Event{
		Type:           stream.EventContentComplete,
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Sequence:       7,
		Payload:        stream.ContentCompletePayload{Text: "done"},
	})
	require.NoError(t, err)
	client.stream("conversation/conv-1").deliver(&streaming.Event{ID: "1-0", Payload: payload})

	select {
	case evt := <-events:
		assert.Equal(t, stream.EventContentComplete, evt.Type)
		assert.Equal(t, "conv-1", evt.ConversationID)
		assert.Equal(t, "msg-1", evt.MessageID)
		assert.Equal(t, int64(7), evt.Sequence)
		raw, ok := evt.Payload.(json.RawMessage)
		require.True(t, ok)
		var body stream.ContentCompletePayload
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "done", body.Text)
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberSurfacesDecodeErrors(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "conv-1")
	require.NoError(t, err)
	defer cancel()

	client.stream("conversation/conv-1").deliver(&streaming.Event{ID: "1-0", Payload: []byte("not json")})

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "pulse decode payload")
	case <-events:
		t.Fatal("expected error, got event")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error")
	}
}

func TestSubscriberCancelStopsConsumption(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, _, cancel, err := sub.Subscribe(context.Background(), "conv-1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event channel not closed after cancel")
	}
}

func TestSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	assert.Error(t, err)
}
