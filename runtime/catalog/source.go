package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// SourceKind identifies how an upstream source exposes its operations.
type SourceKind string

const (
	SourceOpenAPI   SourceKind = "openapi"
	SourceWorkflow  SourceKind = "workflow"
	SourceMCPPlugin SourceKind = "mcp_plugin"
	SourceMCPRemote SourceKind = "mcp_remote"
)

// AuthMode selects how caller identity is presented upstream.
type AuthMode string

const (
	// AuthPassthrough forwards the caller's own bearer token.
	AuthPassthrough AuthMode = "passthrough"
	// AuthTokenExchange performs RFC 8693 exchange for the source's audience.
	AuthTokenExchange AuthMode = "token_exchange"
	// AuthNone sends no credential.
	AuthNone AuthMode = "none"
)

// Health is the sync-derived health state of a source.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Event type identifiers for the source stream.
const (
	EventSourceRegistered = "source.registered"
	EventSourceUpdated    = "source.updated"
	EventSourceSynced     = "source.synced"
	EventSourceEnabled    = "source.enabled"
	EventSourceDisabled   = "source.disabled"
	EventSourceDeleted    = "source.deleted"
)

type (
	// Source is the Upstream Source aggregate: an external system exposing
	// tools, discovered from an OpenAPI document or a plugin's tools/list.
	Source struct {
		ID       string
		Attrs    SourceAttributes
		Health   Health
		LastSync time.Time
		// InventoryHash fingerprints the last-normalized inventory so refresh
		// can short-circuit when nothing changed.
		InventoryHash string
		ToolCount     int
		Enabled       bool
		Deleted       bool

		version int64
	}

	// SourceAttributes is the registration configuration.
	SourceAttributes struct {
		Name            string        `json:"name"`
		Kind            SourceKind    `json:"kind"`
		BaseURL         string        `json:"base_url,omitempty"`
		SpecURL         string        `json:"spec_url,omitempty"`
		AuthMode        AuthMode      `json:"auth_mode"`
		DefaultAudience string        `json:"default_audience,omitempty"`
		RequiredScopes  []string      `json:"required_scopes,omitempty"`
		Plugin          *PluginConfig `json:"plugin,omitempty"`
	}

	// PluginConfig describes how to reach an MCP source. Command/Args/Env
	// launch a local stdio plugin (mcp_plugin); URL targets a remote
	// streamable-HTTP server (mcp_remote).
	PluginConfig struct {
		Command        string            `json:"command,omitempty"`
		Args           []string          `json:"args,omitempty"`
		Env            map[string]string `json:"env,omitempty"`
		URL            string            `json:"url,omitempty"`
		ConnectTimeout time.Duration     `json:"connect_timeout,omitempty"`
	}

	// SourceSyncedPayload records an inventory refresh outcome.
	SourceSyncedPayload struct {
		InventoryHash string    `json:"inventory_hash"`
		ToolCount     int       `json:"tool_count"`
		Health        Health    `json:"health"`
		At            time.Time `json:"at"`
	}
)

// NewSource returns an empty source shell ready for replay or registration.
func NewSource(id string) *Source {
	return &Source{ID: id, Health: HealthUnknown}
}

// AggregateType implements eventstore.Aggregate.
func (s *Source) AggregateType() string { return eventstore.AggregateSource }

// AggregateID implements eventstore.Aggregate.
func (s *Source) AggregateID() string { return s.ID }

// Version returns the number of events folded into the aggregate.
func (s *Source) Version() int64 { return s.version }

// Register creates the source.
func (s *Source) Register(attrs SourceAttributes) ([]eventstore.Change, error) {
	if s.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "source already registered")
	}
	if err := validateSourceAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventSourceRegistered, Payload: attrs}}, nil
}

// Update replaces the source configuration.
func (s *Source) Update(attrs SourceAttributes) ([]eventstore.Change, error) {
	if s.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "source deleted")
	}
	if err := validateSourceAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventSourceUpdated, Payload: attrs}}, nil
}

// RecordSync captures the outcome of an inventory refresh.
func (s *Source) RecordSync(inventoryHash string, toolCount int, health Health) ([]eventstore.Change, error) {
	if s.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "source deleted")
	}
	return []eventstore.Change{{
		Type: EventSourceSynced,
		Payload: SourceSyncedPayload{
			InventoryHash: inventoryHash,
			ToolCount:     toolCount,
			Health:        health,
			At:            time.Now().UTC(),
		},
	}}, nil
}

// SetEnabled toggles the source. Disabled sources keep their tools but the
// resolver filters them out.
func (s *Source) SetEnabled(enabled bool) ([]eventstore.Change, error) {
	if s.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "source deleted")
	}
	if s.Enabled == enabled {
		return nil, nil
	}
	evt := EventSourceEnabled
	if !enabled {
		evt = EventSourceDisabled
	}
	return []eventstore.Change{{Type: evt, Payload: struct{}{}}}, nil
}

// Delete soft-deletes the source. Its tools are deprecated by the ingestor.
func (s *Source) Delete() ([]eventstore.Change, error) {
	if s.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventSourceDeleted, Payload: struct{}{}}}, nil
}

// Apply folds a persisted event into the aggregate.
func (s *Source) Apply(evt eventstore.Event) error {
	defer func() { s.version = evt.Sequence }()
	switch evt.Type {
	case EventSourceRegistered:
		var p SourceAttributes
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		s.Attrs = p
		s.Enabled = true
		s.Health = HealthUnknown
	case EventSourceUpdated:
		var p SourceAttributes
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		s.Attrs = p
	case EventSourceSynced:
		var p SourceSyncedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		s.InventoryHash = p.InventoryHash
		s.ToolCount = p.ToolCount
		s.Health = p.Health
		s.LastSync = p.At
	case EventSourceEnabled:
		s.Enabled = true
	case EventSourceDisabled:
		s.Enabled = false
	case EventSourceDeleted:
		s.Deleted = true
		s.Enabled = false
	}
	return nil
}

func validateSourceAttributes(attrs SourceAttributes) error {
	if attrs.Name == "" {
		return gwerrors.New(gwerrors.KindValidation, "source name is required")
	}
	switch attrs.Kind {
	case SourceOpenAPI, SourceWorkflow:
		if attrs.BaseURL == "" {
			return gwerrors.New(gwerrors.KindValidation, "base url is required for http sources")
		}
	case SourceMCPPlugin:
		if attrs.Plugin == nil || attrs.Plugin.Command == "" {
			return gwerrors.New(gwerrors.KindValidation, "plugin command is required for mcp_plugin sources")
		}
	case SourceMCPRemote:
		if attrs.Plugin == nil || attrs.Plugin.URL == "" {
			return gwerrors.New(gwerrors.KindValidation, "plugin url is required for mcp_remote sources")
		}
	default:
		return gwerrors.Newf(gwerrors.KindValidation, "unknown source kind %q", attrs.Kind)
	}
	switch attrs.AuthMode {
	case AuthPassthrough, AuthTokenExchange, AuthNone, "":
	default:
		return gwerrors.Newf(gwerrors.KindValidation, "unknown auth mode %q", attrs.AuthMode)
	}
	if attrs.AuthMode == AuthTokenExchange && attrs.DefaultAudience == "" {
		return gwerrors.New(gwerrors.KindValidation, "default audience is required for token exchange")
	}
	return nil
}
