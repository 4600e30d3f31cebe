package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

const (
	defaultManifestTTL = 30 * time.Minute
	defaultAccessTTL   = 5 * time.Minute
)

type (
	// Resolver evaluates claim-based access policies and computes cached tool
	// group manifests. Caches are advisory: a miss or expiry recomputes from
	// the reader, and invalidation messages broadcast by writers drop entries
	// on every replica.
	Resolver struct {
		reader      Reader
		manifestTTL time.Duration
		accessTTL   time.Duration

		manifests ttlCache // group id -> []string tool ids
		access    ttlCache // claims fingerprint -> []string group ids
	}

	// ResolverOptions configures the resolver.
	ResolverOptions struct {
		// Reader is the catalog read side. Required.
		Reader Reader
		// ManifestTTL bounds group manifest cache entries. Defaults to 30m.
		ManifestTTL time.Duration
		// AccessTTL bounds access cache entries. Defaults to 5m.
		AccessTTL time.Duration
	}

	ttlCache struct {
		mu      sync.RWMutex
		entries map[string]ttlEntry
	}

	ttlEntry struct {
		value   []string
		expires time.Time
	}
)

// NewResolver builds a resolver over the catalog read side.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Reader == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "catalog reader is required")
	}
	manifestTTL := opts.ManifestTTL
	if manifestTTL <= 0 {
		manifestTTL = defaultManifestTTL
	}
	accessTTL := opts.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	return &Resolver{
		reader:      opts.Reader,
		manifestTTL: manifestTTL,
		accessTTL:   accessTTL,
		manifests:   ttlCache{entries: make(map[string]ttlEntry)},
		access:      ttlCache{entries: make(map[string]ttlEntry)},
	}, nil
}

// AccessibleTools resolves the set of tools the caller may execute: the union
// of the memberships of every group granted by a matching policy, filtered to
// enabled, active tools on enabled sources.
func (r *Resolver) AccessibleTools(ctx context.Context, claims auth.Claims) ([]*Tool, error) {
	groupIDs, err := r.allowedGroups(ctx, claims)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []*Tool
	for _, groupID := range groupIDs {
		manifest, err := r.GroupManifest(ctx, groupID)
		if err != nil {
			if gwerrors.IsKind(err, gwerrors.KindNotFound) {
				continue
			}
			return nil, err
		}
		for _, toolID := range manifest {
			if _, dup := seen[toolID]; dup {
				continue
			}
			seen[toolID] = struct{}{}
			tool, err := r.callableTool(ctx, toolID)
			if err != nil {
				continue
			}
			out = append(out, tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Authorize reports whether the caller may execute the given tool. It
// returns gwerrors.KindForbidden when no matching policy grants a group
// containing the tool.
func (r *Resolver) Authorize(ctx context.Context, claims auth.Claims, toolID string) error {
	groupIDs, err := r.allowedGroups(ctx, claims)
	if err != nil {
		return err
	}
	for _, groupID := range groupIDs {
		manifest, err := r.GroupManifest(ctx, groupID)
		if err != nil {
			continue
		}
		for _, id := range manifest {
			if id == toolID {
				return nil
			}
		}
	}
	return gwerrors.Newf(gwerrors.KindForbidden, "access policies deny tool %s", toolID)
}

// GroupManifest returns the resolved member tool ids of a group, from cache
// when fresh.
func (r *Resolver) GroupManifest(ctx context.Context, groupID string) ([]string, error) {
	if cached, ok := r.manifests.get(groupID); ok {
		return cached, nil
	}
	group, err := r.reader.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	tools, err := r.reader.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	members := group.Members(tools)
	sort.Strings(members)
	r.manifests.put(groupID, members, r.manifestTTL)
	return members, nil
}

// InvalidateGroup drops the cached manifest for a group.
func (r *Resolver) InvalidateGroup(groupID string) {
	r.manifests.drop(groupID)
}

// InvalidateTools drops every cached manifest. Called when a tool's
// enablement or a source inventory changes, since any group selector may
// match the affected tools.
func (r *Resolver) InvalidateTools() {
	r.manifests.clear()
}

// InvalidateAccess drops every access cache entry. Called on any policy
// change.
func (r *Resolver) InvalidateAccess() {
	r.access.clear()
}

func (r *Resolver) allowedGroups(ctx context.Context, claims auth.Claims) ([]string, error) {
	policies, err := r.reader.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	// Only claim paths named by a policy participate in the cache key, so
	// volatile claims (iat, jti) do not fragment the cache.
	paths := make([]string, 0, len(policies))
	for _, p := range policies {
		for _, m := range p.Attrs.Matchers {
			paths = append(paths, m.ClaimPath)
		}
	}
	key := claims.Fingerprint(paths)
	if cached, ok := r.access.get(key); ok {
		return cached, nil
	}

	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Attrs.Priority > policies[j].Attrs.Priority
	})
	seen := make(map[string]struct{})
	var groupIDs []string
	for _, policy := range policies {
		if !policy.Matches(claims) {
			continue
		}
		for _, groupID := range policy.Attrs.AllowedGroupIDs {
			if _, dup := seen[groupID]; dup {
				continue
			}
			seen[groupID] = struct{}{}
			groupIDs = append(groupIDs, groupID)
		}
	}
	r.access.put(key, groupIDs, r.accessTTL)
	return groupIDs, nil
}

func (r *Resolver) callableTool(ctx context.Context, toolID string) (*Tool, error) {
	tool, err := r.reader.Tool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if !tool.Callable() {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "tool %s not callable", toolID)
	}
	source, err := r.reader.Source(ctx, tool.SourceID)
	if err != nil {
		return nil, err
	}
	if !source.Enabled {
		return nil, gwerrors.Newf(gwerrors.KindNotFound, "source %s disabled", source.ID)
	}
	return tool, nil
}

func (c *ttlCache) get(key string) ([]string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) put(key string, value []string, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = ttlEntry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *ttlCache) drop(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]ttlEntry)
	c.mu.Unlock()
}
