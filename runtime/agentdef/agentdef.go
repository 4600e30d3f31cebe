// Package agentdef implements the Agent Definition aggregate: the behavioral
// configuration binding a system prompt, model choice, tool allow-list,
// optional template, and access rules.
package agentdef

import (
	"encoding/json"
	"fmt"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// Event type identifiers for the agent definition stream.
const (
	EventCreated = "agent_definition.created"
	EventUpdated = "agent_definition.updated"
	EventDeleted = "agent_definition.deleted"
)

type (
	// Definition is the aggregate root.
	Definition struct {
		ID           string
		OwnerID      string
		Name         string
		Icon         string
		Description  string
		SystemPrompt string
		ModelID      string
		ToolIDs      []string
		TemplateID   string
		StopOnError  bool
		Access       AccessRules
		Deleted      bool

		version int64
	}

	// AccessRules gate who may open sessions against the definition.
	AccessRules struct {
		Public         bool     `json:"public"`
		RequiredRoles  []string `json:"required_roles,omitempty"`
		RequiredScopes []string `json:"required_scopes,omitempty"`
		AllowedUserIDs []string `json:"allowed_user_ids,omitempty"`
	}

	// Attributes is the mutable configuration carried by create and update
	// events.
	Attributes struct {
		Name         string      `json:"name"`
		Icon         string      `json:"icon,omitempty"`
		Description  string      `json:"description,omitempty"`
		SystemPrompt string      `json:"system_prompt,omitempty"`
		ModelID      string      `json:"model_id,omitempty"`
		ToolIDs      []string    `json:"tool_ids,omitempty"`
		TemplateID   string      `json:"template_id,omitempty"`
		StopOnError  bool        `json:"stop_on_error,omitempty"`
		Access       AccessRules `json:"access"`
	}

	// CreatedPayload binds the definition to its owner.
	CreatedPayload struct {
		OwnerID string `json:"owner_id"`
		Attributes
	}
)

// New returns an empty definition shell ready for replay or creation.
func New(id string) *Definition {
	return &Definition{ID: id}
}

// AggregateType implements eventstore.Aggregate.
func (d *Definition) AggregateType() string { return eventstore.AggregateAgentDef }

// AggregateID implements eventstore.Aggregate.
func (d *Definition) AggregateID() string { return d.ID }

// Version returns the number of events folded into the aggregate.
func (d *Definition) Version() int64 { return d.version }

// Create initializes the definition.
func (d *Definition) Create(ownerID string, attrs Attributes) ([]eventstore.Change, error) {
	if d.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "definition already exists")
	}
	if ownerID == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "owner id is required")
	}
	if attrs.Name == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "name is required")
	}
	return []eventstore.Change{{Type: EventCreated, Payload: CreatedPayload{OwnerID: ownerID, Attributes: attrs}}}, nil
}

// Update replaces the definition attributes.
func (d *Definition) Update(attrs Attributes) ([]eventstore.Change, error) {
	if d.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "definition deleted")
	}
	if attrs.Name == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "name is required")
	}
	return []eventstore.Change{{Type: EventUpdated, Payload: attrs}}, nil
}

// Delete soft-deletes the definition. A template referenced by the definition
// is unaffected; dangling template references are reported at session open.
func (d *Definition) Delete() ([]eventstore.Change, error) {
	if d.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventDeleted, Payload: struct{}{}}}, nil
}

// AllowsUser evaluates the definition's access rules against the caller's
// identity. Roles and scopes come from the verified token claims.
func (d *Definition) AllowsUser(userID string, roles, scopes []string) bool {
	if d.Access.Public {
		return true
	}
	if d.OwnerID == userID {
		return true
	}
	for _, allowed := range d.Access.AllowedUserIDs {
		if allowed == userID {
			return true
		}
	}
	if len(d.Access.RequiredRoles) > 0 && containsAll(roles, d.Access.RequiredRoles) {
		return true
	}
	if len(d.Access.RequiredScopes) > 0 && containsAll(scopes, d.Access.RequiredScopes) {
		return true
	}
	return false
}

// Apply folds a persisted event into the aggregate.
func (d *Definition) Apply(evt eventstore.Event) error {
	defer func() { d.version = evt.Sequence }()
	switch evt.Type {
	case EventCreated:
		var p CreatedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		d.OwnerID = p.OwnerID
		d.apply(p.Attributes)
	case EventUpdated:
		var p Attributes
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		d.apply(p)
	case EventDeleted:
		d.Deleted = true
	}
	return nil
}

func (d *Definition) apply(attrs Attributes) {
	d.Name = attrs.Name
	d.Icon = attrs.Icon
	d.Description = attrs.Description
	d.SystemPrompt = attrs.SystemPrompt
	d.ModelID = attrs.ModelID
	d.ToolIDs = attrs.ToolIDs
	d.TemplateID = attrs.TemplateID
	d.StopOnError = attrs.StopOnError
	d.Access = attrs.Access
}

func containsAll(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
