// Package view materializes catalog aggregates in memory by folding
// committed events from the projection bus. The resolver and execution
// pipeline read from this view so access checks and tool lookups never touch
// the store on the hot path.
//
// The view is eventually consistent with the store: it reflects every batch
// the local process has published plus whatever Warm loaded at startup.
// Cross-replica changes arrive through the invalidation channel, which simply
// re-folds the affected aggregate.
package view

import (
	"context"
	"sort"
	"sync"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// Catalog is an in-memory catalog read model. It implements both
// catalog.Reader and eventstore.Projector.
type Catalog struct {
	mu       sync.RWMutex
	tools    map[string]*catalog.Tool
	sources  map[string]*catalog.Source
	groups   map[string]*catalog.Group
	policies map[string]*catalog.Policy
}

// New returns an empty catalog view.
func New() *Catalog {
	return &Catalog{
		tools:    make(map[string]*catalog.Tool),
		sources:  make(map[string]*catalog.Source),
		groups:   make(map[string]*catalog.Group),
		policies: make(map[string]*catalog.Policy),
	}
}

// Name implements eventstore.Projector.
func (c *Catalog) Name() string { return "catalog-view" }

// AggregateTypes implements eventstore.Projector.
func (c *Catalog) AggregateTypes() []string {
	return []string{
		eventstore.AggregateSource,
		eventstore.AggregateSourceTool,
		eventstore.AggregateToolGroup,
		eventstore.AggregateAccessPolicy,
	}
}

// ApplyEvent folds a committed catalog event into the held aggregate. Events
// replayed more than once are harmless: folding is keyed by sequence and
// aggregate Apply methods tolerate re-application of state-setting events.
func (c *Catalog) ApplyEvent(_ context.Context, evt eventstore.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.AggregateType {
	case eventstore.AggregateSourceTool:
		tool, ok := c.tools[evt.AggregateID]
		if !ok {
			tool = catalog.NewTool(evt.AggregateID)
			c.tools[evt.AggregateID] = tool
		}
		if evt.Sequence <= tool.Version() {
			return nil
		}
		return tool.Apply(evt)
	case eventstore.AggregateSource:
		src, ok := c.sources[evt.AggregateID]
		if !ok {
			src = catalog.NewSource(evt.AggregateID)
			c.sources[evt.AggregateID] = src
		}
		if evt.Sequence <= src.Version() {
			return nil
		}
		return src.Apply(evt)
	case eventstore.AggregateToolGroup:
		grp, ok := c.groups[evt.AggregateID]
		if !ok {
			grp = catalog.NewGroup(evt.AggregateID)
			c.groups[evt.AggregateID] = grp
		}
		if evt.Sequence <= grp.Version() {
			return nil
		}
		return grp.Apply(evt)
	case eventstore.AggregateAccessPolicy:
		pol, ok := c.policies[evt.AggregateID]
		if !ok {
			pol = catalog.NewPolicy(evt.AggregateID)
			c.policies[evt.AggregateID] = pol
		}
		if evt.Sequence <= pol.Version() {
			return nil
		}
		return pol.Apply(evt)
	}
	return nil
}

// Warm replays the streams of the given aggregate ids from the store. The
// gateway calls this at startup with ids enumerated from the persisted read
// models.
func (c *Catalog) Warm(ctx context.Context, store eventstore.Store, aggregateType string, ids []string) error {
	for _, id := range ids {
		events, err := store.Load(ctx, aggregateType, id)
		if err != nil {
			if err == eventstore.ErrNotFound {
				continue
			}
			return err
		}
		for _, evt := range events {
			if err := c.ApplyEvent(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tool implements catalog.Reader.
func (c *Catalog) Tool(_ context.Context, id string) (*catalog.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[id]
	if !ok || tool.Status == catalog.ToolDeleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "tool %s not found", id)
	}
	return cloneTool(tool), nil
}

// ListTools implements catalog.Reader.
func (c *Catalog) ListTools(_ context.Context) ([]*catalog.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*catalog.Tool, 0, len(c.tools))
	for _, tool := range c.tools {
		if tool.Status == catalog.ToolDeleted {
			continue
		}
		out = append(out, cloneTool(tool))
	}
	sortToolsByID(out)
	return out, nil
}

// ListSourceTools implements catalog.Reader.
func (c *Catalog) ListSourceTools(_ context.Context, sourceID string) ([]*catalog.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*catalog.Tool
	for _, tool := range c.tools {
		if tool.SourceID != sourceID || tool.Status == catalog.ToolDeleted {
			continue
		}
		out = append(out, cloneTool(tool))
	}
	sortToolsByID(out)
	return out, nil
}

// Source implements catalog.Reader.
func (c *Catalog) Source(_ context.Context, id string) (*catalog.Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[id]
	if !ok || src.Deleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "source %s not found", id)
	}
	cp := *src
	return &cp, nil
}

// ListSources implements catalog.Reader.
func (c *Catalog) ListSources(_ context.Context) ([]*catalog.Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*catalog.Source, 0, len(c.sources))
	for _, src := range c.sources {
		if src.Deleted {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Group implements catalog.Reader.
func (c *Catalog) Group(_ context.Context, id string) (*catalog.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	grp, ok := c.groups[id]
	if !ok || grp.Deleted {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "group %s not found", id)
	}
	cp := *grp
	return &cp, nil
}

// ListGroups implements catalog.Reader.
func (c *Catalog) ListGroups(_ context.Context) ([]*catalog.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*catalog.Group, 0, len(c.groups))
	for _, grp := range c.groups {
		if grp.Deleted {
			continue
		}
		cp := *grp
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPolicies implements catalog.Reader.
func (c *Catalog) ListPolicies(_ context.Context) ([]*catalog.Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*catalog.Policy, 0, len(c.policies))
	for _, pol := range c.policies {
		if pol.Deleted {
			continue
		}
		cp := *pol
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneTool(tool *catalog.Tool) *catalog.Tool {
	cp := *tool
	cp.Tags = append([]string(nil), tool.Tags...)
	cp.LabelIDs = append([]string(nil), tool.LabelIDs...)
	return &cp
}

func sortToolsByID(tools []*catalog.Tool) {
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
}
