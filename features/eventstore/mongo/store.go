// Package mongo provides the MongoDB event store backend. Each committed
// batch is stored as a single commit document, so a batch is atomic by
// construction; a unique compound index on (aggregate_type, aggregate_id,
// prior_version) enforces optimistic concurrency across replicas.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/agentgate/agentgate/runtime/eventstore"
)

const (
	defaultEventsCollection = "events"
	defaultOpTimeout        = 5 * time.Second
	storeClientName         = "eventstore-mongo"
)

// Store implements eventstore.Store on MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	commits *mongodriver.Collection
	timeout time.Duration
}

var _ eventstore.Store = (*Store)(nil)

// commitDoc is one committed batch. Storing the whole batch in one document
// keeps Append all-or-nothing on a standalone mongod: InsertOne either
// commits every event or none.
type commitDoc struct {
	AggregateType string             `bson:"aggregate_type"`
	AggregateID   string             `bson:"aggregate_id"`
	PriorVersion  int64              `bson:"prior_version"`
	Timestamp     time.Time          `bson:"timestamp"`
	Events        []eventstore.Event `bson:"events"`
}

// Options configures the Mongo event store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		commits: opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Append commits the batch as one document. A stale prior version surfaces as
// a duplicate key on the stream index, with nothing written.
func (s *Store) Append(ctx context.Context, batch eventstore.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	doc := commitDoc{
		AggregateType: batch.AggregateType,
		AggregateID:   batch.AggregateID,
		PriorVersion:  batch.PriorVersion,
		Timestamp:     batch.Events[0].Timestamp,
		Events:        batch.Events,
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.commits.InsertOne(ctx, doc)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return eventstore.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// Load returns the aggregate's events in sequence order, flattened from its
// commits.
func (s *Store) Load(ctx context.Context, aggregateType, aggregateID string) ([]eventstore.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"aggregate_type": aggregateType, "aggregate_id": aggregateID}
	cur, err := s.commits.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "prior_version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var commits []commitDoc
	if err := cur.All(ctx, &commits); err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, eventstore.ErrNotFound
	}
	var events []eventstore.Event
	for _, commit := range commits {
		events = append(events, commit.Events...)
	}
	return events, nil
}

// AggregateIDs enumerates the distinct stream ids of one aggregate type.
// Startup uses it to warm in-memory views from the persisted streams.
func (s *Store) AggregateIDs(ctx context.Context, aggregateType string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.commits.Distinct(ctx, "aggregate_id", bson.M{"aggregate_type": aggregateType})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	streamIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "aggregate_type", Value: 1},
			{Key: "aggregate_id", Value: 1},
			{Key: "prior_version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.commits.Indexes().CreateOne(ctx, streamIndex); err != nil {
		return err
	}
	typeIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "aggregate_type", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	}
	_, err := s.commits.Indexes().CreateOne(ctx, typeIndex)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
