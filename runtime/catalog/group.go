package catalog

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// SelectorField names the tool descriptor field a selector matches on.
type SelectorField string

const (
	SelectByName   SelectorField = "name"
	SelectByTag    SelectorField = "tag"
	SelectBySource SelectorField = "source"
)

// Event type identifiers for the tool group stream.
const (
	EventGroupCreated = "tool_group.created"
	EventGroupUpdated = "tool_group.updated"
	EventGroupDeleted = "tool_group.deleted"
)

type (
	// Group is the Tool Group aggregate: a curated set assembled from
	// selectors, explicit includes, and explicit excludes.
	Group struct {
		ID      string
		Attrs   GroupAttributes
		Deleted bool

		version int64
	}

	// GroupAttributes is the mutable group configuration.
	GroupAttributes struct {
		Name        string     `json:"name"`
		Description string     `json:"description,omitempty"`
		Selectors   []Selector `json:"selectors,omitempty"`
		Include     []string   `json:"include,omitempty"`
		Exclude     []string   `json:"exclude,omitempty"`
	}

	// Selector picks tools by pattern. Pattern is a wildcard expression
	// ("weather_*") unless Regex is set, in which case it is a Go regular
	// expression matched in full.
	Selector struct {
		Field   SelectorField `json:"field"`
		Pattern string        `json:"pattern"`
		Regex   bool          `json:"regex,omitempty"`
	}
)

// NewGroup returns an empty group shell ready for replay or creation.
func NewGroup(id string) *Group {
	return &Group{ID: id}
}

// AggregateType implements eventstore.Aggregate.
func (g *Group) AggregateType() string { return eventstore.AggregateToolGroup }

// AggregateID implements eventstore.Aggregate.
func (g *Group) AggregateID() string { return g.ID }

// Version returns the number of events folded into the aggregate.
func (g *Group) Version() int64 { return g.version }

// Create initializes the group.
func (g *Group) Create(attrs GroupAttributes) ([]eventstore.Change, error) {
	if g.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "group already exists")
	}
	if err := validateGroupAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventGroupCreated, Payload: attrs}}, nil
}

// Update replaces the group configuration.
func (g *Group) Update(attrs GroupAttributes) ([]eventstore.Change, error) {
	if g.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "group deleted")
	}
	if err := validateGroupAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventGroupUpdated, Payload: attrs}}, nil
}

// Delete soft-deletes the group.
func (g *Group) Delete() ([]eventstore.Change, error) {
	if g.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventGroupDeleted, Payload: struct{}{}}}, nil
}

// Apply folds a persisted event into the aggregate.
func (g *Group) Apply(evt eventstore.Event) error {
	defer func() { g.version = evt.Sequence }()
	switch evt.Type {
	case EventGroupCreated, EventGroupUpdated:
		var p GroupAttributes
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		g.Attrs = p
	case EventGroupDeleted:
		g.Deleted = true
	}
	return nil
}

// Members computes group membership over the given tool descriptors:
// start empty, add enabled tools matching any selector, add explicit
// includes, then remove explicit excludes. Tools that are disabled or not
// active never enter through selectors; explicit includes are still filtered
// to callable tools by the resolver.
func (g *Group) Members(tools []*Tool) []string {
	members := make(map[string]struct{})
	for _, tool := range tools {
		if tool == nil || !tool.Callable() {
			continue
		}
		for _, sel := range g.Attrs.Selectors {
			if sel.Matches(tool) {
				members[tool.ID] = struct{}{}
				break
			}
		}
	}
	for _, id := range g.Attrs.Include {
		members[id] = struct{}{}
	}
	for _, id := range g.Attrs.Exclude {
		delete(members, id)
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Matches reports whether the selector picks the tool.
func (s Selector) Matches(tool *Tool) bool {
	switch s.Field {
	case SelectByName:
		return s.matchValue(tool.Name)
	case SelectBySource:
		return s.matchValue(tool.SourceID) || s.matchValue(tool.SourceName)
	case SelectByTag:
		for _, tag := range tool.Tags {
			if s.matchValue(tag) {
				return true
			}
		}
	}
	return false
}

func (s Selector) matchValue(value string) bool {
	if s.Regex {
		re, err := regexp.Compile("^(?:" + s.Pattern + ")$")
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	ok, err := path.Match(s.Pattern, value)
	return err == nil && ok
}

func validateGroupAttributes(attrs GroupAttributes) error {
	if attrs.Name == "" {
		return gwerrors.New(gwerrors.KindValidation, "group name is required")
	}
	for _, sel := range attrs.Selectors {
		switch sel.Field {
		case SelectByName, SelectByTag, SelectBySource:
		default:
			return gwerrors.Newf(gwerrors.KindValidation, "unknown selector field %q", sel.Field)
		}
		if strings.TrimSpace(sel.Pattern) == "" {
			return gwerrors.New(gwerrors.KindValidation, "selector pattern is required")
		}
		if sel.Regex {
			if _, err := regexp.Compile(sel.Pattern); err != nil {
				return gwerrors.Newf(gwerrors.KindValidation, "invalid selector regex %q: %v", sel.Pattern, err)
			}
		}
	}
	return nil
}
