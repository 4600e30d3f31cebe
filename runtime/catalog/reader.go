package catalog

import "context"

// Reader is the catalog read side consumed by the resolver, the execution
// pipeline, and ingestion. Implementations materialize catalog aggregates
// from committed events (see the view package) or query persisted read
// models.
type Reader interface {
	// Tool returns the tool with the given composite id, or
	// gwerrors.KindNotFound.
	Tool(ctx context.Context, id string) (*Tool, error)
	// ListTools returns every non-deleted tool.
	ListTools(ctx context.Context) ([]*Tool, error)
	// ListSourceTools returns every non-deleted tool owned by the source.
	ListSourceTools(ctx context.Context, sourceID string) ([]*Tool, error)
	// Source returns the source with the given id, or gwerrors.KindNotFound.
	Source(ctx context.Context, id string) (*Source, error)
	// ListSources returns every non-deleted source.
	ListSources(ctx context.Context) ([]*Source, error)
	// Group returns the group with the given id, or gwerrors.KindNotFound.
	Group(ctx context.Context, id string) (*Group, error)
	// ListGroups returns every non-deleted group.
	ListGroups(ctx context.Context) ([]*Group, error)
	// ListPolicies returns every non-deleted policy.
	ListPolicies(ctx context.Context) ([]*Policy, error)
}
