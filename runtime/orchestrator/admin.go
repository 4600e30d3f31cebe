package orchestrator

import (
	"context"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/conversation"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// Conversation management outside a live session. Each command replays the
// aggregate, checks ownership, and commits through the repository's
// optimistic check.

// RenameConversation sets the conversation title.
func (o *Orchestrator) RenameConversation(ctx context.Context, claims auth.Claims, conversationID, title string) error {
	if title == "" {
		return gwerrors.New(gwerrors.KindValidation, "title is required")
	}
	return o.ownedCommand(ctx, claims, conversationID, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.Rename(title)
	})
}

// ClearConversation drops the transcript while keeping the conversation.
func (o *Orchestrator) ClearConversation(ctx context.Context, claims auth.Claims, conversationID string) error {
	return o.ownedCommand(ctx, claims, conversationID, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.Clear()
	})
}

// DeleteConversation soft-deletes the conversation.
func (o *Orchestrator) DeleteConversation(ctx context.Context, claims auth.Claims, conversationID string) error {
	return o.ownedCommand(ctx, claims, conversationID, func(c *conversation.Conversation) ([]eventstore.Change, error) {
		return c.Delete()
	})
}

// LoadConversation replays the aggregate for the caller, enforcing ownership.
func (o *Orchestrator) LoadConversation(ctx context.Context, claims auth.Claims, conversationID string) (*conversation.Conversation, error) {
	conv := conversation.New(conversationID)
	if _, err := o.repo.Load(ctx, conv); err != nil {
		return nil, err
	}
	if conv.Deleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "conversation %s not found", conversationID)
	}
	if conv.UserID != claims.Subject() {
		return nil, gwerrors.New(gwerrors.KindForbidden, "conversation belongs to another user")
	}
	return conv, nil
}

func (o *Orchestrator) ownedCommand(ctx context.Context, claims auth.Claims, conversationID string, fn func(c *conversation.Conversation) ([]eventstore.Change, error)) error {
	userID := claims.Subject()
	if userID == "" {
		return gwerrors.New(gwerrors.KindUnauthorized, "token has no subject")
	}
	conv := conversation.New(conversationID)
	meta := eventstore.Metadata{UserID: userID}
	_, err := o.repo.Execute(ctx, conv, false, meta, func() ([]eventstore.Change, error) {
		if conv.Deleted {
			return nil, gwerrors.Newf(gwerrors.KindNotFound, "conversation %s not found", conversationID)
		}
		if conv.UserID != userID {
			return nil, gwerrors.New(gwerrors.KindForbidden, "conversation belongs to another user")
		}
		return fn(conv)
	})
	return err
}
