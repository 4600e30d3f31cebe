// Package eventstore provides append-only, per-aggregate event persistence
// with optimistic concurrency. Aggregates are reconstructed by replaying their
// event stream; committed batches are published to subscribers that maintain
// read models and external notifiers.
//
// The package defines the storage-agnostic contracts; concrete backends live
// under features/eventstore (MongoDB) and the in-process inmem store used by
// tests and single-node deployments.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Well-known aggregate type identifiers. Stream identity is the pair
// (aggregate type, aggregate id); read-model collections are named after the
// aggregate type.
const (
	AggregateConversation = "conversation"
	AggregateAgentDef     = "agent_definition"
	AggregateTemplate     = "conversation_template"
	AggregateSource       = "source"
	AggregateSourceTool   = "source_tool"
	AggregateToolGroup    = "tool_group"
	AggregateAccessPolicy = "access_policy"
)

var (
	// ErrConcurrencyConflict reports that the expected prior version did not
	// match the latest committed version for the aggregate. Callers reload the
	// aggregate and retry the command.
	ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

	// ErrNotFound reports that the aggregate has no committed events.
	ErrNotFound = errors.New("eventstore: aggregate not found")
)

type (
	// Event is the persisted envelope for a single domain event. Sequence is
	// 1-based and contiguous within an aggregate stream.
	Event struct {
		AggregateType string          `json:"aggregate_type" bson:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id" bson:"aggregate_id"`
		Sequence      int64           `json:"sequence" bson:"sequence"`
		Type          string          `json:"type" bson:"type"`
		Timestamp     time.Time       `json:"timestamp" bson:"timestamp"`
		Payload       json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
		Metadata      Metadata        `json:"metadata,omitempty" bson:"metadata,omitempty"`
	}

	// Metadata carries audit context recorded with every event.
	Metadata struct {
		UserID        string `json:"user_id,omitempty" bson:"user_id,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	}

	// Batch is a committed group of events for one aggregate. Append is atomic
	// per batch: all events commit or none do.
	Batch struct {
		AggregateType string
		AggregateID   string
		PriorVersion  int64
		Events        []Event
	}

	// Store persists per-aggregate event streams.
	Store interface {
		// Append commits events after priorVersion. It assigns contiguous
		// sequence numbers starting at priorVersion+1 and returns
		// ErrConcurrencyConflict when priorVersion is stale.
		Append(ctx context.Context, batch Batch) error

		// Load returns all events for the aggregate in sequence order. An
		// aggregate with no events yields ErrNotFound.
		Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error)
	}

	// Publisher delivers committed batches to projection and notification
	// subscribers. Delivery is at-least-once; subscribers must be idempotent.
	Publisher interface {
		Publish(ctx context.Context, batch Batch) error
	}

	// Aggregate is implemented by domain state that folds from events and
	// produces new events through command methods.
	Aggregate interface {
		// AggregateType names the stream family the aggregate belongs to.
		AggregateType() string
		// AggregateID identifies the aggregate instance.
		AggregateID() string
		// Apply folds a single persisted event into state. Apply must not fail
		// on events it does not recognize; unknown types are skipped so older
		// binaries can replay streams written by newer ones.
		Apply(evt Event) error
	}
)

// Version returns the number of committed events implied by a replayed slice.
func Version(events []Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Sequence
}

// Replay folds events into the aggregate in order.
func Replay(agg Aggregate, events []Event) error {
	for _, evt := range events {
		if err := agg.Apply(evt); err != nil {
			return err
		}
	}
	return nil
}
