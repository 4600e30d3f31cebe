package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type (
	// Repository coordinates the load → execute → commit → publish cycle for a
	// single aggregate type. A per-aggregate in-process lock serializes local
	// writers; concurrent writers on other replicas are resolved by the
	// store's optimistic version check.
	Repository struct {
		store     Store
		publisher Publisher
		locks     keyedLocks
	}

	// Change is one uncommitted domain event produced by a command. The
	// repository wraps changes into persisted Event envelopes at commit time.
	Change struct {
		Type    string
		Payload any
	}

	// keyedLocks hands out one mutex per aggregate id. Entries are never
	// removed; the set of concurrently live aggregates is small and bounded by
	// active sessions.
	keyedLocks struct {
		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

// NewRepository builds a repository over the given store. The publisher may be
// nil when no projections or notifiers are attached (tests).
func NewRepository(store Store, publisher Publisher) (*Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	return &Repository{
		store:     store,
		publisher: publisher,
		locks:     keyedLocks{locks: make(map[string]*sync.Mutex)},
	}, nil
}

// Load replays the aggregate's stream into agg and returns the committed
// version. A missing stream returns version 0 with ErrNotFound.
func (r *Repository) Load(ctx context.Context, agg Aggregate) (int64, error) {
	events, err := r.store.Load(ctx, agg.AggregateType(), agg.AggregateID())
	if err != nil {
		return 0, err
	}
	if err := Replay(agg, events); err != nil {
		return 0, fmt.Errorf("replay %s/%s: %w", agg.AggregateType(), agg.AggregateID(), err)
	}
	return Version(events), nil
}

// Execute runs the command under the aggregate's in-process lock: load, invoke
// fn to produce changes, commit with optimistic concurrency, then publish. The
// fn callback receives the replayed aggregate; it returns the changes to
// append or an error to abort without writing.
//
// create allows fn to run against a zero-valued aggregate when no events
// exist yet; otherwise a missing stream fails with ErrNotFound.
func (r *Repository) Execute(ctx context.Context, agg Aggregate, create bool, meta Metadata, fn func() ([]Change, error)) ([]Event, error) {
	unlock := r.locks.lock(agg.AggregateType() + "/" + agg.AggregateID())
	defer unlock()

	version, err := r.Load(ctx, agg)
	if err != nil {
		if err != ErrNotFound || !create {
			return nil, err
		}
	}

	changes, err := fn()
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	events, err := seal(agg, version, meta, changes)
	if err != nil {
		return nil, err
	}
	batch := Batch{
		AggregateType: agg.AggregateType(),
		AggregateID:   agg.AggregateID(),
		PriorVersion:  version,
		Events:        events,
	}
	if err := r.store.Append(ctx, batch); err != nil {
		return nil, err
	}
	// Fold the new events so the caller observes post-commit state.
	if err := Replay(agg, events); err != nil {
		return nil, fmt.Errorf("apply committed events: %w", err)
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, batch); err != nil {
			return nil, fmt.Errorf("publish committed batch: %w", err)
		}
	}
	return events, nil
}

func seal(agg Aggregate, version int64, meta Metadata, changes []Change) ([]Event, error) {
	now := time.Now().UTC()
	events := make([]Event, 0, len(changes))
	for i, change := range changes {
		payload, err := json.Marshal(change.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal event %s payload: %w", change.Type, err)
		}
		events = append(events, Event{
			AggregateType: agg.AggregateType(),
			AggregateID:   agg.AggregateID(),
			Sequence:      version + int64(i) + 1,
			Type:          change.Type,
			Timestamp:     now,
			Payload:       payload,
			Metadata:      meta,
		})
	}
	return events, nil
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
