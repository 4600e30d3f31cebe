// Package pulse fans conversation wire events and catalog invalidation hints
// across replicas over goa.design/pulse streams. The sink publishes events
// for subscribers on other replicas (SSE reconnects land anywhere behind the
// load balancer); the broadcaster keeps every replica's catalog caches
// coherent after writes.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/agentgate/agentgate/features/stream/pulse/clients/pulse"
	"github.com/agentgate/agentgate/runtime/stream"
)

type (
	// SinkOptions configures the publishing sink.
	SinkOptions struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "conversation/<ConversationID>".
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes wire events to per-conversation Pulse streams. It
	// implements stream.Sink and is safe for concurrent Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs the publishing sink.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = conversationStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event envelope to the derived stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, string(event.Type), payload)
	return err
}

// Close delegates to the Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func conversationStreamID(event stream.Event) (string, error) {
	if event.ConversationID == "" {
		return "", errors.New("wire event missing conversation id")
	}
	return fmt.Sprintf("conversation/%s", event.ConversationID), nil
}
