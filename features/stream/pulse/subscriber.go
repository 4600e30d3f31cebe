package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/agentgate/agentgate/features/stream/pulse/clients/pulse"
	"github.com/agentgate/agentgate/runtime/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client consumes from Pulse. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "agentgate_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes per-conversation Pulse streams and yields the wire
	// events published by another replica's sink.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a subscriber over the given client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "agentgate_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the conversation's stream and returns
// channels for decoded events and errors. The returned cancel function stops
// consumption and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, conversationID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(fmt.Sprintf("conversation/%s", conversationID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes a published wire event. The payload stays raw
// JSON; consumers forward it without re-interpreting it.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type           string          `json:"type"`
		ConversationID string          `json:"conversation_id"`
		MessageID      string          `json:"message_id"`
		Iteration      int             `json:"iteration"`
		Sequence       int64           `json:"sequence"`
		Payload        json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	return stream.Event{
		Type:           stream.EventType(env.Type),
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		Iteration:      env.Iteration,
		Sequence:       env.Sequence,
		Payload:        env.Payload,
	}, nil
}
