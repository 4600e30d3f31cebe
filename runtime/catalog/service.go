package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

type (
	// Invalidator receives cache invalidation hints after catalog writes. The
	// resolver implements it directly; a broadcast notifier fans the same
	// hints to other replicas.
	Invalidator interface {
		// InvalidateGroup drops one group manifest.
		InvalidateGroup(groupID string)
		// InvalidateTools drops every group manifest.
		InvalidateTools()
		// InvalidateAccess drops every cached access decision.
		InvalidateAccess()
	}

	// Service is the catalog control plane: source registration and refresh,
	// tool curation, group and policy management. Every write goes through the
	// repository so the view and any persisted read models stay consistent,
	// then fans an invalidation hint to the attached invalidators.
	Service struct {
		repo         *eventstore.Repository
		reader       Reader
		ingestor     *Ingestor
		invalidators []Invalidator
	}

	// ServiceOptions configures the catalog service.
	ServiceOptions struct {
		// Repository commits catalog events. Required.
		Repository *eventstore.Repository
		// Reader is the catalog read side. Required.
		Reader Reader
		// Ingestor refreshes source inventories. Required.
		Ingestor *Ingestor
		// Invalidators receive cache hints after writes. Optional.
		Invalidators []Invalidator
	}

	// ToolFilter narrows tool listings.
	ToolFilter struct {
		// SourceID restricts to one source.
		SourceID string
		// Query substring-matches tool name and description, case-insensitive.
		Query string
		// IncludeDeprecated keeps deprecated tools in the listing.
		IncludeDeprecated bool
	}
)

// NewService builds the catalog control plane.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Repository == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "repository is required")
	}
	if opts.Reader == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "catalog reader is required")
	}
	if opts.Ingestor == nil {
		return nil, gwerrors.New(gwerrors.KindInternal, "ingestor is required")
	}
	return &Service{
		repo:         opts.Repository,
		reader:       opts.Reader,
		ingestor:     opts.Ingestor,
		invalidators: opts.Invalidators,
	}, nil
}

// RegisterSource creates a source and runs the initial inventory sync. The
// source is registered even when the first sync fails; it stays unhealthy
// until a later refresh succeeds.
func (s *Service) RegisterSource(ctx context.Context, attrs SourceAttributes, meta eventstore.Metadata) (*Source, *RefreshResult, error) {
	id := uuid.NewString()
	source := NewSource(id)
	if _, err := s.repo.Execute(ctx, source, true, meta, func() ([]eventstore.Change, error) {
		return source.Register(attrs)
	}); err != nil {
		return nil, nil, err
	}
	result, err := s.ingestor.Refresh(ctx, id, meta)
	if err != nil {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "initial source sync failed"},
			log.KV{K: "source_id", V: id},
		)
		s.invalidateTools()
		registered, rerr := s.reader.Source(ctx, id)
		if rerr != nil {
			return nil, nil, rerr
		}
		return registered, nil, nil
	}
	s.invalidateTools()
	registered, err := s.reader.Source(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return registered, result, nil
}

// UpdateSource replaces the source configuration.
func (s *Service) UpdateSource(ctx context.Context, id string, attrs SourceAttributes, meta eventstore.Metadata) error {
	source := NewSource(id)
	_, err := s.repo.Execute(ctx, source, false, meta, func() ([]eventstore.Change, error) {
		return source.Update(attrs)
	})
	if err != nil {
		return err
	}
	s.invalidateTools()
	return nil
}

// RefreshSource re-syncs the source inventory.
func (s *Service) RefreshSource(ctx context.Context, id string, meta eventstore.Metadata) (*RefreshResult, error) {
	result, err := s.ingestor.Refresh(ctx, id, meta)
	if err != nil {
		return nil, err
	}
	if len(result.Discovered)+len(result.Updated)+len(result.Deprecated)+len(result.Restored) > 0 {
		s.invalidateTools()
	}
	return result, nil
}

// SetSourceEnabled toggles a source. Disabling takes the source's tools out
// of every manifest without touching tool state.
func (s *Service) SetSourceEnabled(ctx context.Context, id string, enabled bool, meta eventstore.Metadata) error {
	source := NewSource(id)
	events, err := s.repo.Execute(ctx, source, false, meta, func() ([]eventstore.Change, error) {
		return source.SetEnabled(enabled)
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.invalidateTools()
	}
	return nil
}

// DeleteSource soft-deletes the source and deprecates its tools.
func (s *Service) DeleteSource(ctx context.Context, id string, meta eventstore.Metadata) error {
	source := NewSource(id)
	if _, err := s.repo.Execute(ctx, source, false, meta, func() ([]eventstore.Change, error) {
		return source.Delete()
	}); err != nil {
		return err
	}
	if err := s.ingestor.DeprecateAll(ctx, id, meta); err != nil {
		return err
	}
	s.invalidateTools()
	return nil
}

// Source returns one source.
func (s *Service) Source(ctx context.Context, id string) (*Source, error) {
	return s.reader.Source(ctx, id)
}

// ListSources returns every registered source.
func (s *Service) ListSources(ctx context.Context) ([]*Source, error) {
	return s.reader.ListSources(ctx)
}

// Tool returns one tool by composite id.
func (s *Service) Tool(ctx context.Context, id string) (*Tool, error) {
	return s.reader.Tool(ctx, id)
}

// ListTools returns tools matching the filter, sorted by id.
func (s *Service) ListTools(ctx context.Context, filter ToolFilter) ([]*Tool, error) {
	var (
		tools []*Tool
		err   error
	)
	if filter.SourceID != "" {
		tools, err = s.reader.ListSourceTools(ctx, filter.SourceID)
	} else {
		tools, err = s.reader.ListTools(ctx)
	}
	if err != nil {
		return nil, err
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	out := tools[:0]
	for _, tool := range tools {
		if !filter.IncludeDeprecated && tool.Status == ToolDeprecated {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(tool.Name), query) &&
			!strings.Contains(strings.ToLower(tool.Description), query) {
			continue
		}
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetToolEnabled toggles admin enablement of one tool.
func (s *Service) SetToolEnabled(ctx context.Context, id string, enabled bool, meta eventstore.Metadata) error {
	tool := NewTool(id)
	events, err := s.repo.Execute(ctx, tool, false, meta, func() ([]eventstore.Change, error) {
		return tool.SetEnabled(enabled)
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.invalidateTools()
	}
	return nil
}

// DeleteTool removes a tool permanently. Subsequent inventory syncs of its
// source may rediscover the operation under the same id.
func (s *Service) DeleteTool(ctx context.Context, id string, meta eventstore.Metadata) error {
	tool := NewTool(id)
	events, err := s.repo.Execute(ctx, tool, false, meta, func() ([]eventstore.Change, error) {
		return tool.Delete()
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		s.invalidateTools()
	}
	return nil
}

// CreateGroup creates a tool group.
func (s *Service) CreateGroup(ctx context.Context, attrs GroupAttributes, meta eventstore.Metadata) (*Group, error) {
	id := uuid.NewString()
	group := NewGroup(id)
	if _, err := s.repo.Execute(ctx, group, true, meta, func() ([]eventstore.Change, error) {
		return group.Create(attrs)
	}); err != nil {
		return nil, err
	}
	return s.reader.Group(ctx, id)
}

// UpdateGroup replaces a group's configuration and drops its cached manifest.
func (s *Service) UpdateGroup(ctx context.Context, id string, attrs GroupAttributes, meta eventstore.Metadata) error {
	group := NewGroup(id)
	if _, err := s.repo.Execute(ctx, group, false, meta, func() ([]eventstore.Change, error) {
		return group.Update(attrs)
	}); err != nil {
		return err
	}
	s.invalidateGroup(id)
	return nil
}

// DeleteGroup soft-deletes a group. Policies referencing it simply grant
// nothing through it afterwards.
func (s *Service) DeleteGroup(ctx context.Context, id string, meta eventstore.Metadata) error {
	group := NewGroup(id)
	if _, err := s.repo.Execute(ctx, group, false, meta, func() ([]eventstore.Change, error) {
		return group.Delete()
	}); err != nil {
		return err
	}
	s.invalidateGroup(id)
	s.invalidateAccess()
	return nil
}

// Group returns one group.
func (s *Service) Group(ctx context.Context, id string) (*Group, error) {
	return s.reader.Group(ctx, id)
}

// ListGroups returns every group.
func (s *Service) ListGroups(ctx context.Context) ([]*Group, error) {
	return s.reader.ListGroups(ctx)
}

// CreatePolicy creates an access policy.
func (s *Service) CreatePolicy(ctx context.Context, attrs PolicyAttributes, meta eventstore.Metadata) (*Policy, error) {
	for _, groupID := range attrs.AllowedGroupIDs {
		if _, err := s.reader.Group(ctx, groupID); err != nil {
			return nil, gwerrors.Newf(gwerrors.KindValidation, "allowed group %s does not exist", groupID)
		}
	}
	id := uuid.NewString()
	policy := NewPolicy(id)
	if _, err := s.repo.Execute(ctx, policy, true, meta, func() ([]eventstore.Change, error) {
		return policy.Create(attrs)
	}); err != nil {
		return nil, err
	}
	s.invalidateAccess()
	return s.readPolicy(ctx, id)
}

// UpdatePolicy replaces a policy's configuration.
func (s *Service) UpdatePolicy(ctx context.Context, id string, attrs PolicyAttributes, meta eventstore.Metadata) error {
	for _, groupID := range attrs.AllowedGroupIDs {
		if _, err := s.reader.Group(ctx, groupID); err != nil {
			return gwerrors.Newf(gwerrors.KindValidation, "allowed group %s does not exist", groupID)
		}
	}
	policy := NewPolicy(id)
	if _, err := s.repo.Execute(ctx, policy, false, meta, func() ([]eventstore.Change, error) {
		return policy.Update(attrs)
	}); err != nil {
		return err
	}
	s.invalidateAccess()
	return nil
}

// DeletePolicy soft-deletes a policy.
func (s *Service) DeletePolicy(ctx context.Context, id string, meta eventstore.Metadata) error {
	policy := NewPolicy(id)
	if _, err := s.repo.Execute(ctx, policy, false, meta, func() ([]eventstore.Change, error) {
		return policy.Delete()
	}); err != nil {
		return err
	}
	s.invalidateAccess()
	return nil
}

// ListPolicies returns every policy sorted by descending priority.
func (s *Service) ListPolicies(ctx context.Context) ([]*Policy, error) {
	policies, err := s.reader.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Attrs.Priority > policies[j].Attrs.Priority
	})
	return policies, nil
}

func (s *Service) readPolicy(ctx context.Context, id string) (*Policy, error) {
	policies, err := s.reader.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, gwerrors.Newf(gwerrors.KindNotFound, "policy %s not found", id)
}

func (s *Service) invalidateGroup(id string) {
	for _, inv := range s.invalidators {
		inv.InvalidateGroup(id)
	}
}

func (s *Service) invalidateTools() {
	for _, inv := range s.invalidators {
		inv.InvalidateTools()
	}
}

func (s *Service) invalidateAccess() {
	for _, inv := range s.invalidators {
		inv.InvalidateAccess()
	}
}
