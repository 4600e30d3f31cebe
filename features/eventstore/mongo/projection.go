package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

const defaultConversationsCollection = "conversations"

type (
	// ConversationProjection maintains the conversations read model the list
	// and search endpoints query, so listing a user's conversations never
	// replays event streams.
	ConversationProjection struct {
		conversations *mongodriver.Collection
		timeout       time.Duration
	}

	// ConversationSummary is one read-model row.
	ConversationSummary struct {
		ID            string    `bson:"_id" json:"id"`
		UserID        string    `bson:"user_id" json:"user_id"`
		AgentDefID    string    `bson:"agent_def_id,omitempty" json:"agent_def_id,omitempty"`
		TemplateID    string    `bson:"template_id,omitempty" json:"template_id,omitempty"`
		Title         string    `bson:"title,omitempty" json:"title,omitempty"`
		Status        string    `bson:"status" json:"status"`
		MessageCount  int       `bson:"message_count" json:"message_count"`
		LastMessageAt time.Time `bson:"last_message_at,omitempty" json:"last_message_at,omitempty"`
		UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
		LastSequence  int64     `bson:"last_sequence" json:"-"`
	}
)

var _ eventstore.Projector = (*ConversationProjection)(nil)

// NewConversationProjection builds the projection over the given collection
// name (empty selects the default) and ensures its indexes.
func NewConversationProjection(client *mongodriver.Client, database, collection string, timeout time.Duration) (*ConversationProjection, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	if collection == "" {
		collection = defaultConversationsCollection
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	p := &ConversationProjection{
		conversations: client.Database(database).Collection(collection),
		timeout:       timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	userIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "updated_at", Value: -1},
		},
	}
	if _, err := p.conversations.Indexes().CreateOne(ctx, userIndex); err != nil {
		return nil, err
	}
	return p, nil
}

// Name implements eventstore.Projector.
func (p *ConversationProjection) Name() string { return "conversations-read-model" }

// AggregateTypes implements eventstore.Projector.
func (p *ConversationProjection) AggregateTypes() []string {
	return []string{eventstore.AggregateConversation}
}

// ApplyEvent folds one committed event into the read model. A sequence guard
// on every update makes redelivery a no-op.
func (p *ConversationProjection) ApplyEvent(ctx context.Context, evt eventstore.Event) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	switch evt.Type {
	case conversation.EventStarted:
		var payload conversation.StartedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		_, err := p.conversations.UpdateOne(ctx,
			bson.M{"_id": evt.AggregateID},
			bson.M{"$setOnInsert": ConversationSummary{
				ID:           evt.AggregateID,
				UserID:       payload.UserID,
				AgentDefID:   payload.AgentDefID,
				TemplateID:   payload.TemplateID,
				Status:       string(conversation.StatusActive),
				UpdatedAt:    evt.Timestamp,
				LastSequence: evt.Sequence,
			}},
			options.Update().SetUpsert(true))
		return err
	case conversation.EventMessageAdded:
		return p.update(ctx, evt, bson.M{
			"$inc": bson.M{"message_count": 1},
			"$set": bson.M{
				"last_message_at": evt.Timestamp,
				"updated_at":      evt.Timestamp,
				"last_sequence":   evt.Sequence,
			},
		})
	case conversation.EventRenamed:
		var payload conversation.RenamedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		return p.update(ctx, evt, bson.M{"$set": bson.M{
			"title":         payload.Title,
			"updated_at":    evt.Timestamp,
			"last_sequence": evt.Sequence,
		}})
	case conversation.EventCleared:
		return p.update(ctx, evt, bson.M{"$set": bson.M{
			"message_count": 0,
			"updated_at":    evt.Timestamp,
			"last_sequence": evt.Sequence,
		}})
	case conversation.EventCompleted:
		return p.update(ctx, evt, bson.M{"$set": bson.M{
			"status":        string(conversation.StatusCompleted),
			"updated_at":    evt.Timestamp,
			"last_sequence": evt.Sequence,
		}})
	case conversation.EventDeleted:
		_, err := p.conversations.DeleteOne(ctx, bson.M{"_id": evt.AggregateID})
		return err
	default:
		return p.update(ctx, evt, bson.M{"$set": bson.M{
			"updated_at":    evt.Timestamp,
			"last_sequence": evt.Sequence,
		}})
	}
}

// ListByUser returns the user's conversations, most recently updated first.
func (p *ConversationProjection) ListByUser(ctx context.Context, userID string, limit int) ([]ConversationSummary, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := p.conversations.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []ConversationSummary
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one read-model row.
func (p *ConversationProjection) Get(ctx context.Context, id string) (ConversationSummary, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var doc ConversationSummary
	if err := p.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return ConversationSummary{}, gwerrors.Newf(gwerrors.KindNotFound, "conversation %s not found", id)
		}
		return ConversationSummary{}, err
	}
	return doc, nil
}

// update applies the change only when the event advances the row's sequence.
func (p *ConversationProjection) update(ctx context.Context, evt eventstore.Event, change bson.M) error {
	filter := bson.M{"_id": evt.AggregateID, "last_sequence": bson.M{"$lt": evt.Sequence}}
	_, err := p.conversations.UpdateOne(ctx, filter, change)
	return err
}

func (p *ConversationProjection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}
