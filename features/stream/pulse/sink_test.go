package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/stream"
)

func TestSinkPublishesToConversationStream(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	event := stream.Event{
		Type:           stream.EventContentChunk,
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		Sequence:       3,
		Payload:        stream.ContentChunkPayload{Text: "hello"},
	}
	require.NoError(t, sink.Send(context.Background(), event))

	str := client.stream("conversation/conv-1")
	require.NotNil(t, str)
	entries := str.published()
	require.Len(t, entries, 1)
	assert.Equal(t, string(stream.EventContentChunk), entries[0].event)

	var decoded struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Sequence       int64  `json:"sequence"`
		Payload        struct {
			Text string `json:"text"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(entries[0].payload, &decoded))
	assert.Equal(t, "content_chunk", decoded.Type)
	assert.Equal(t, "conv-1", decoded.ConversationID)
	assert.Equal(t, int64(3), decoded.Sequence)
	assert.Equal(t, "hello", decoded.Payload.Text)
}

func TestSinkRejectsEventWithoutConversation(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)

	err = sink.Send(context.Background(), stream.Event{Type: stream.EventContentChunk})
	assert.Error(t, err)
	assert.Empty(t, client.streams)
}

func TestSinkRequiresClient(t *testing.T) {
	_, err := NewSink(SinkOptions{})
	assert.Error(t, err)
}

func TestSinkCloseDelegatesToClient(t *testing.T) {
	client := newFakeClient()
	sink, err := NewSink(SinkOptions{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	assert.True(t, client.closed)
}
