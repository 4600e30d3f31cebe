package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// MatcherOp is a claim comparison operator.
type MatcherOp string

const (
	OpEquals     MatcherOp = "equals"
	OpContains   MatcherOp = "contains"
	OpStartsWith MatcherOp = "starts_with"
	OpRegex      MatcherOp = "regex"
	OpIn         MatcherOp = "in"
)

// Event type identifiers for the access policy stream.
const (
	EventPolicyCreated = "access_policy.created"
	EventPolicyUpdated = "access_policy.updated"
	EventPolicyDeleted = "access_policy.deleted"
)

type (
	// Policy is the Access Policy aggregate: an ordered set of claim matchers
	// that, when all satisfied, grant membership in one or more tool groups.
	// Policies are evaluated with OR across policies, AND within a policy,
	// ordered by descending priority.
	Policy struct {
		ID      string
		Attrs   PolicyAttributes
		Deleted bool

		version int64
	}

	// PolicyAttributes is the mutable policy configuration.
	PolicyAttributes struct {
		Name            string         `json:"name"`
		Description     string         `json:"description,omitempty"`
		Matchers        []ClaimMatcher `json:"matchers"`
		AllowedGroupIDs []string       `json:"allowed_group_ids"`
		Priority        int            `json:"priority"`
		Active          bool           `json:"active"`
	}

	// ClaimMatcher compares a value extracted by a dotted claim path against
	// an expected value using the named operator.
	ClaimMatcher struct {
		ClaimPath string    `json:"claim_path"`
		Op        MatcherOp `json:"op"`
		Value     string    `json:"value,omitempty"`
		Values    []string  `json:"values,omitempty"`
	}
)

// NewPolicy returns an empty policy shell ready for replay or creation.
func NewPolicy(id string) *Policy {
	return &Policy{ID: id}
}

// AggregateType implements eventstore.Aggregate.
func (p *Policy) AggregateType() string { return eventstore.AggregateAccessPolicy }

// AggregateID implements eventstore.Aggregate.
func (p *Policy) AggregateID() string { return p.ID }

// Version returns the number of events folded into the aggregate.
func (p *Policy) Version() int64 { return p.version }

// Create initializes the policy.
func (p *Policy) Create(attrs PolicyAttributes) ([]eventstore.Change, error) {
	if p.version > 0 {
		return nil, gwerrors.New(gwerrors.KindInvalidState, "policy already exists")
	}
	if err := validatePolicyAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventPolicyCreated, Payload: attrs}}, nil
}

// Update replaces the policy configuration.
func (p *Policy) Update(attrs PolicyAttributes) ([]eventstore.Change, error) {
	if p.Deleted {
		return nil, gwerrors.New(gwerrors.KindNotFound, "policy deleted")
	}
	if err := validatePolicyAttributes(attrs); err != nil {
		return nil, err
	}
	return []eventstore.Change{{Type: EventPolicyUpdated, Payload: attrs}}, nil
}

// Delete soft-deletes the policy.
func (p *Policy) Delete() ([]eventstore.Change, error) {
	if p.Deleted {
		return nil, nil
	}
	return []eventstore.Change{{Type: EventPolicyDeleted, Payload: struct{}{}}}, nil
}

// Apply folds a persisted event into the aggregate.
func (p *Policy) Apply(evt eventstore.Event) error {
	defer func() { p.version = evt.Sequence }()
	switch evt.Type {
	case EventPolicyCreated, EventPolicyUpdated:
		var attrs PolicyAttributes
		if err := json.Unmarshal(evt.Payload, &attrs); err != nil {
			return fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
		p.Attrs = attrs
	case EventPolicyDeleted:
		p.Deleted = true
	}
	return nil
}

// Matches evaluates every matcher with AND over the caller's claims.
func (p *Policy) Matches(claims auth.Claims) bool {
	if !p.Attrs.Active || p.Deleted || len(p.Attrs.Matchers) == 0 {
		return false
	}
	for _, m := range p.Attrs.Matchers {
		if !m.Matches(claims) {
			return false
		}
	}
	return true
}

// Matches evaluates one matcher against the claim set. Multi-valued claims
// (role lists, space-separated scopes) satisfy the matcher when any element
// does.
func (m ClaimMatcher) Matches(claims auth.Claims) bool {
	values := claims.Strings(m.ClaimPath)
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if m.matchOne(v) {
			return true
		}
	}
	return false
}

func (m ClaimMatcher) matchOne(value string) bool {
	switch m.Op {
	case OpEquals:
		return value == m.Value
	case OpContains:
		return strings.Contains(value, m.Value)
	case OpStartsWith:
		return strings.HasPrefix(value, m.Value)
	case OpRegex:
		re, err := regexp.Compile(m.Value)
		return err == nil && re.MatchString(value)
	case OpIn:
		for _, candidate := range m.Values {
			if value == candidate {
				return true
			}
		}
	}
	return false
}

func validatePolicyAttributes(attrs PolicyAttributes) error {
	if attrs.Name == "" {
		return gwerrors.New(gwerrors.KindValidation, "policy name is required")
	}
	if len(attrs.Matchers) == 0 {
		return gwerrors.New(gwerrors.KindValidation, "at least one matcher is required")
	}
	if len(attrs.AllowedGroupIDs) == 0 {
		return gwerrors.New(gwerrors.KindValidation, "at least one allowed group is required")
	}
	for _, m := range attrs.Matchers {
		if m.ClaimPath == "" {
			return gwerrors.New(gwerrors.KindValidation, "matcher claim path is required")
		}
		switch m.Op {
		case OpEquals, OpContains, OpStartsWith:
			if m.Value == "" {
				return gwerrors.Newf(gwerrors.KindValidation, "matcher %s requires a value", m.Op)
			}
		case OpRegex:
			if _, err := regexp.Compile(m.Value); err != nil {
				return gwerrors.Newf(gwerrors.KindValidation, "invalid matcher regex %q: %v", m.Value, err)
			}
		case OpIn:
			if len(m.Values) == 0 {
				return gwerrors.New(gwerrors.KindValidation, "matcher in requires values")
			}
		default:
			return gwerrors.Newf(gwerrors.KindValidation, "unknown matcher operator %q", m.Op)
		}
	}
	return nil
}
