package eventstore

import (
	"context"
	"fmt"

	"goa.design/clue/log"
)

type (
	// Projector applies committed events to a read model. Implementations must
	// be idempotent: delivery is at-least-once, and a projector that crashed
	// mid-apply is re-driven from its last recorded sequence.
	Projector interface {
		// Name identifies the projector in logs.
		Name() string
		// AggregateTypes lists the aggregate types the projector consumes.
		AggregateTypes() []string
		// ApplyEvent folds a single committed event into the read model.
		ApplyEvent(ctx context.Context, evt Event) error
	}

	// ProjectionBus fans committed batches out to registered projectors. It
	// implements Publisher so it can sit directly behind a Repository.
	ProjectionBus struct {
		projectors map[string][]Projector
	}
)

// NewProjectionBus builds a bus over the given projectors.
func NewProjectionBus(projectors ...Projector) *ProjectionBus {
	bus := &ProjectionBus{projectors: make(map[string][]Projector)}
	for _, p := range projectors {
		if p == nil {
			continue
		}
		for _, at := range p.AggregateTypes() {
			bus.projectors[at] = append(bus.projectors[at], p)
		}
	}
	return bus
}

// Publish applies every event in the batch to each projector registered for
// the batch's aggregate type. A projector failure aborts delivery so the
// caller surfaces the error; re-publication is safe because projectors are
// idempotent.
func (b *ProjectionBus) Publish(ctx context.Context, batch Batch) error {
	for _, evt := range batch.Events {
		for _, p := range b.projectors[evt.AggregateType] {
			if err := p.ApplyEvent(ctx, evt); err != nil {
				log.Error(ctx, err,
					log.KV{K: "msg", V: "projection apply failed"},
					log.KV{K: "projector", V: p.Name()},
					log.KV{K: "aggregate_type", V: evt.AggregateType},
					log.KV{K: "aggregate_id", V: evt.AggregateID},
					log.KV{K: "sequence", V: evt.Sequence},
				)
				return fmt.Errorf("projector %s: apply %s/%s seq %d: %w",
					p.Name(), evt.AggregateType, evt.AggregateID, evt.Sequence, err)
			}
		}
	}
	return nil
}
