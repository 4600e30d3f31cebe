// Package catalog holds the tool catalog aggregates (upstream sources, source
// tools, tool groups, access policies), the inventory ingestion routine that
// normalizes external API specifications into tool descriptors, and the
// claim-based access resolver with its cached manifests.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// ToolStatus is the lifecycle state of a source tool.
type ToolStatus string

const (
	ToolActive     ToolStatus = "active"
	ToolDeprecated ToolStatus = "deprecated"
	ToolDeleted    ToolStatus = "deleted"
)

// ExecutionMode selects the transport used to dispatch a tool call.
type ExecutionMode string

const (
	ExecuteHTTP   ExecutionMode = "http"
	ExecutePlugin ExecutionMode = "plugin"
)

// Event type identifiers for the source tool stream.
const (
	EventToolDiscovered = "source_tool.discovered"
	EventToolUpdated    = "source_tool.definition_updated"
	EventToolDeprecated = "source_tool.deprecated"
	EventToolRestored   = "source_tool.restored"
	EventToolEnabled    = "source_tool.enabled"
	EventToolDisabled   = "source_tool.disabled"
	EventToolDeleted    = "source_tool.deleted"
)

type (
	// Tool is the Source Tool aggregate: one callable operation discovered
	// from an upstream source. Its id is the composite "{source_id}:{operation_id}".
	Tool struct {
		ID             string
		SourceID       string
		SourceName     string
		Name           string
		Description    string
		Definition     Definition
		Tags           []string
		LabelIDs       []string
		Enabled        bool
		Status         ToolStatus
		DefinitionHash string

		version int64
	}

	// Definition is the executable spec extracted from a source.
	Definition struct {
		// Name is the normalized tool name presented to models.
		Name string `json:"name"`
		// Description documents the operation for prompting purposes.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON-Schema-shaped argument contract.
		InputSchema InputSchema `json:"input_schema"`
		// Profile bounds how the call executes.
		Profile ExecutionProfile `json:"profile"`
		// HTTPMethod and PathTemplate route HTTP dispatches. PathTemplate uses
		// {param} placeholders substituted from arguments.
		HTTPMethod   string `json:"http_method,omitempty"`
		PathTemplate string `json:"path_template,omitempty"`
		// PluginTool is the plugin-local tool name for plugin dispatches.
		PluginTool string `json:"plugin_tool,omitempty"`
		// ResponseMapping optionally selects a field of the upstream response
		// as the tool result (dotted path).
		ResponseMapping string `json:"response_mapping,omitempty"`
	}

	// InputSchema is the JSON-Schema subset the catalog normalizes to.
	InputSchema struct {
		Type       string                    `json:"type"`
		Properties map[string]PropertySchema `json:"properties,omitempty"`
		Required   []string                  `json:"required,omitempty"`
	}

	// PropertySchema describes a single argument.
	PropertySchema struct {
		Type        string   `json:"type,omitempty"`
		Description string   `json:"description,omitempty"`
		Enum        []string `json:"enum,omitempty"`
		// Location records where an HTTP argument travels: "path", "query" or
		// "body". Plugin tools leave it empty.
		Location string `json:"location,omitempty"`
	}

	// ExecutionProfile bounds a dispatch.
	ExecutionProfile struct {
		Mode             ExecutionMode `json:"mode"`
		RequiredAudience string        `json:"required_audience,omitempty"`
		Timeout          time.Duration `json:"timeout,omitempty"`
	}

	// ToolDiscoveredPayload creates the tool.
	ToolDiscoveredPayload struct {
		SourceID   string     `json:"source_id"`
		SourceName string     `json:"source_name"`
		Definition Definition `json:"definition"`
		Tags       []string   `json:"tags,omitempty"`
		Hash       string     `json:"hash"`
	}

	// ToolUpdatedPayload replaces the definition after an inventory refresh
	// detected a content change.
	ToolUpdatedPayload struct {
		Definition Definition `json:"definition"`
		OldHash    string     `json:"old_hash"`
		NewHash    string     `json:"new_hash"`
	}
)

// ToolID builds the canonical composite tool id. All catalog surfaces key on
// this form; bare operation ids never appear in caches or events.
func ToolID(sourceID, operationID string) string {
	return sourceID + ":" + operationID
}

// NewTool returns an empty tool shell ready for replay or discovery.
func NewTool(id string) *Tool {
	return &Tool{ID: id}
}

// AggregateType implements eventstore.Aggregate.
func (t *Tool) AggregateType() string { return eventstore.AggregateSourceTool }

// AggregateID implements eventstore.Aggregate.
func (t *Tool) AggregateID() string { return t.ID }

// Version returns the number of events folded into the aggregate.
func (t *Tool) Version() int64 { return t.version }

// Callable reports whether the tool may be dispatched.
func (t *Tool) Callable() bool {
	return t.Enabled && t.Status == ToolActive
}

// Discover creates the tool from a normalized definition.
func (t *Tool) Discover(sourceID, sourceName string, def Definition, tags []string) ([]eventstore.Change, error) {
	if t.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "tool already discovered")
	}
	if def.Name == "" {
		return nil, gwerrors.New(gwerrors.KindValidation, "tool name is required")
	}
	return []eventstore.Change{{
		Type: EventToolDiscovered,
		Payload: ToolDiscoveredPayload{
			SourceID:   sourceID,
			SourceName: sourceName,
			Definition: def,
			Tags:       tags,
			Hash:       HashDefinition(def),
		},
	}}, nil
}

// Refresh reconciles the tool against the definition seen during an
// inventory sync. It emits an update event on hash change and a restore event
// when a previously deprecated tool reappears; an unchanged active tool
// produces no events.
func (t *Tool) Refresh(def Definition) ([]eventstore.Change, error) {
	if t.Status == ToolDeleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "tool deleted")
	}
	newHash := HashDefinition(def)
	var changes []eventstore.Change
	if t.Status == ToolDeprecated {
		changes = append(changes, eventstore.Change{Type: EventToolRestored, Payload: struct{}{}})
	}
	if newHash != t.DefinitionHash {
		changes = append(changes, eventstore.Change{
			Type:    EventToolUpdated,
			Payload: ToolUpdatedPayload{Definition: def, OldHash: t.DefinitionHash, NewHash: newHash},
		})
	}
	return changes, nil
}

// Deprecate marks the tool as missing from its source's inventory.
func (t *Tool) Deprecate() ([]eventstore.Change, error) {
	if t.Status != ToolActive {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventToolDeprecated, Payload: struct{}{}}}, nil
}

// SetEnabled toggles admin enablement.
func (t *Tool) SetEnabled(enabled bool) ([]eventstore.Change, error) {
	if t.Status == ToolDeleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "tool deleted")
	}
	if t.Enabled == enabled {
		return nil, nil
	}
	evt := EventToolEnabled
	if !enabled {
		evt = EventToolDisabled
	}
	return []eventstore.Change{{Type: evt, Payload: struct{}{}}}, nil
}

// Delete removes the tool from the catalog permanently.
func (t *Tool) Delete() ([]eventstore.Change, error) {
	if t.Status == ToolDeleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventToolDeleted, Payload: struct{}{}}}, nil
}

// Apply folds a persisted event into the aggregate.
func (t *Tool) Apply(evt eventstore.Event) error {
	defer func() { t.version = evt.Sequence }()
	switch evt.Type {
	case EventToolDiscovered:
		var p ToolDiscoveredPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		t.SourceID = p.SourceID
		t.SourceName = p.SourceName
		t.Name = p.Definition.Name
		t.Description = p.Definition.Description
		t.Definition = p.Definition
		t.Tags = p.Tags
		t.DefinitionHash = p.Hash
		t.Enabled = true
		t.Status = ToolActive
	case EventToolUpdated:
		var p ToolUpdatedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		t.Definition = p.Definition
		t.Name = p.Definition.Name
		t.Description = p.Definition.Description
		t.DefinitionHash = p.NewHash
	case EventToolDeprecated:
		t.Status = ToolDeprecated
	case EventToolRestored:
		t.Status = ToolActive
	case EventToolEnabled:
		t.Enabled = true
	case EventToolDisabled:
		t.Enabled = false
	case EventToolDeleted:
		t.Status = ToolDeleted
		t.Enabled = false
	}
	return nil
}

// HashDefinition computes the content hash used for inventory change
// detection. Required fields are sorted so the hash is stable across refreshes
// that only reorder schema entries.
func HashDefinition(def Definition) string {
	normalized := def
	normalized.InputSchema.Required = append([]string(nil), def.InputSchema.Required...)
	sort.Strings(normalized.InputSchema.Required)
	raw, err := json.Marshal(normalized)
	if err != nil {
		// Definition is a closed struct of marshalable fields; failure here is
		// a programming error.
		panic(fmt.Sprintf("catalog: marshal definition for hashing: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
