package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/clue/log"

	clientspulse "github.com/agentgate/agentgate/features/stream/pulse/clients/pulse"
	"github.com/agentgate/agentgate/runtime/catalog"
)

// invalidationStream is the shared stream catalog writes broadcast on. Each
// replica consumes it with its own consumer group so every replica sees
// every hint.
const invalidationStream = "catalog/invalidation"

type (
	invalidationHint struct {
		Scope   string `json:"scope"`
		GroupID string `json:"group_id,omitempty"`
	}

	// Broadcaster publishes catalog cache invalidation hints to the shared
	// stream. It implements catalog.Invalidator so it can be attached to the
	// catalog service alongside the local resolver.
	Broadcaster struct {
		client clientspulse.Client
	}

	// Listener consumes invalidation hints and applies them to the local
	// invalidators (typically the replica's resolver).
	Listener struct {
		client   clientspulse.Client
		sinkName string
		targets  []catalog.Invalidator
	}

	// ListenerOptions configures the invalidation listener.
	ListenerOptions struct {
		// Client consumes from Pulse. Required.
		Client clientspulse.Client
		// SinkName identifies this replica's consumer group. Required so
		// each replica receives every hint; use a per-replica unique name.
		SinkName string
		// Targets receive the decoded hints. Required.
		Targets []catalog.Invalidator
	}
)

var _ catalog.Invalidator = (*Broadcaster)(nil)

// NewBroadcaster constructs the invalidation publisher.
func NewBroadcaster(client clientspulse.Client) (*Broadcaster, error) {
	if client == nil {
		return nil, errors.New("pulse client is required")
	}
	return &Broadcaster{client: client}, nil
}

// InvalidateGroup implements catalog.Invalidator.
func (b *Broadcaster) InvalidateGroup(groupID string) {
	b.publish(invalidationHint{Scope: "group", GroupID: groupID})
}

// InvalidateTools implements catalog.Invalidator.
func (b *Broadcaster) InvalidateTools() {
	b.publish(invalidationHint{Scope: "tools"})
}

// InvalidateAccess implements catalog.Invalidator.
func (b *Broadcaster) InvalidateAccess() {
	b.publish(invalidationHint{Scope: "access"})
}

// publish is fire-and-forget: a replica that misses a hint falls back to its
// cache TTL, so a broadcast failure is logged, not surfaced.
func (b *Broadcaster) publish(hint invalidationHint) {
	ctx := context.Background()
	handle, err := b.client.Stream(invalidationStream)
	if err != nil {
		log.Error(ctx, fmt.Errorf("open invalidation stream: %w", err))
		return
	}
	payload, err := json.Marshal(hint)
	if err != nil {
		log.Error(ctx, err)
		return
	}
	if _, err := handle.Add(ctx, hint.Scope, payload); err != nil {
		log.Error(ctx, fmt.Errorf("broadcast invalidation: %w", err))
	}
}

// NewListener constructs the invalidation consumer.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		return nil, errors.New("sink name is required")
	}
	if len(opts.Targets) == 0 {
		return nil, errors.New("at least one invalidation target is required")
	}
	return &Listener{client: opts.Client, sinkName: opts.SinkName, targets: opts.Targets}, nil
}

// Run consumes hints until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	str, err := l.client.Stream(invalidationStream)
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, l.sinkName)
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			var hint invalidationHint
			if err := json.Unmarshal(evt.Payload, &hint); err != nil {
				log.Error(ctx, fmt.Errorf("decode invalidation hint: %w", err))
				continue
			}
			l.apply(hint)
			if err := sink.Ack(ctx, evt); err != nil {
				log.Error(ctx, fmt.Errorf("ack invalidation hint: %w", err))
			}
		}
	}
}

func (l *Listener) apply(hint invalidationHint) {
	for _, target := range l.targets {
		switch hint.Scope {
		case "group":
			target.InvalidateGroup(hint.GroupID)
		case "tools":
			target.InvalidateTools()
		case "access":
			target.InvalidateAccess()
		}
	}
}
