package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

func TestConnAssignsSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(8)

	for i := 0; i < 3; i++ {
		err := conn.Send(ctx, Event{Type: EventContentChunk, ConversationID: "conv-1", Payload: ContentChunkPayload{Text: "hi"}})
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close(ctx))

	var seqs []int64
	for evt := range conn.Events() {
		assert.Equal(t, EventContentChunk, evt.Type)
		seqs = append(seqs, evt.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}

func TestConnSendAfterClose(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(1)
	require.NoError(t, conn.Close(ctx))
	require.NoError(t, conn.Close(ctx), "close is idempotent")

	err := conn.Send(ctx, Event{Type: EventContentComplete})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindCancelled))
}

func TestConnSendHonorsContextWhenFull(t *testing.T) {
	conn := NewConn(1)
	require.NoError(t, conn.Send(context.Background(), Event{Type: EventContentChunk}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := conn.Send(ctx, Event{Type: EventContentChunk})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindCancelled))
}

func TestConnCloseWithBlockedSend(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(1)
	require.NoError(t, conn.Send(ctx, Event{Type: EventContentChunk}))

	// Second send blocks on the full buffer; closing the connection must
	// release it without panicking on a closed channel.
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Send(ctx, Event{Type: EventContentChunk})
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, conn.Close(ctx))

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, gwerrors.IsKind(err, gwerrors.KindCancelled))
	case <-time.After(time.Second):
		t.Fatal("blocked send did not return after close")
	}

	// The buffered event stays deliverable and the channel still closes.
	var drained int
	for range conn.Events() {
		drained++
	}
	assert.Equal(t, 1, drained)
}

func TestConnConcurrentSendAndClose(t *testing.T) {
	ctx := context.Background()
	conn := NewConn(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if err := conn.Send(ctx, Event{Type: EventContentChunk}); err != nil {
				return
			}
		}
	}()
	go func() {
		for range conn.Events() {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, conn.Close(ctx))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not observe close")
	}
}

func TestErrorPayloadFor(t *testing.T) {
	err := gwerrors.New(gwerrors.KindUpstream, "crm unavailable").WithRetryable()
	payload := ErrorPayloadFor(err)
	assert.Equal(t, string(gwerrors.KindUpstream), payload.Kind)
	assert.True(t, payload.Retryable)
	assert.Contains(t, payload.Message, "crm unavailable")
}
