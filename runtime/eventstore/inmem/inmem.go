// Package inmem provides an in-memory eventstore.Store used by tests and
// single-node development deployments. Streams are held per (aggregate type,
// aggregate id) pair; the optimistic version check mirrors the semantics of
// the MongoDB-backed store.
package inmem

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/runtime/eventstore"
)

// Store is a thread-safe in-memory event store.
type Store struct {
	mu      sync.RWMutex
	streams map[string][]eventstore.Event
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{streams: make(map[string][]eventstore.Event)}
}

// Append commits the batch when PriorVersion matches the stream length.
func (s *Store) Append(_ context.Context, batch eventstore.Batch) error {
	key := streamKey(batch.AggregateType, batch.AggregateID)
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[key]
	if int64(len(stream)) != batch.PriorVersion {
		return eventstore.ErrConcurrencyConflict
	}
	s.streams[key] = append(stream, batch.Events...)
	return nil
}

// Load returns a copy of the aggregate's stream in sequence order.
func (s *Store) Load(_ context.Context, aggregateType, aggregateID string) ([]eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[streamKey(aggregateType, aggregateID)]
	if !ok || len(stream) == 0 {
		return nil, eventstore.ErrNotFound
	}
	out := make([]eventstore.Event, len(stream))
	copy(out, stream)
	return out, nil
}

func streamKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}
