// Package toolnames maps composite catalog tool ids to provider-safe function
// names. Providers restrict tool names to [a-zA-Z0-9_-] and 64 characters;
// composite ids ("{source_id}:{operation_id}") violate both, so each request
// builds a bidirectional map and translates names at the provider boundary.
package toolnames

import (
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

// Map translates between canonical tool ids and provider-visible names for a
// single request.
type Map struct {
	toProvider  map[string]string
	toCanonical map[string]string
}

// Build derives provider-safe names for every tool definition. Two canonical
// ids that sanitize to the same provider name abort the request rather than
// silently misrouting tool calls.
func Build(defs []model.ToolDefinition) (*Map, error) {
	m := &Map{
		toProvider:  make(map[string]string, len(defs)),
		toCanonical: make(map[string]string, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := Sanitize(def.Name)
		if prev, ok := m.toCanonical[sanitized]; ok && prev != def.Name {
			return nil, gwerrors.Newf(gwerrors.KindValidation,
				"tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		m.toProvider[def.Name] = sanitized
		m.toCanonical[sanitized] = def.Name
	}
	return m, nil
}

// Provider returns the provider-visible name for a canonical id. Unknown ids
// are sanitized on the fly so transcript replay never sends an invalid name.
func (m *Map) Provider(canonical string) string {
	if m != nil {
		if name, ok := m.toProvider[canonical]; ok {
			return name
		}
	}
	return Sanitize(canonical)
}

// Canonical returns the canonical id for a provider-visible name. A name the
// model hallucinated passes through unchanged; the execution pipeline rejects
// it as an unknown tool and the model recovers on the next turn.
func (m *Map) Canonical(provider string) string {
	if m != nil {
		if id, ok := m.toCanonical[provider]; ok {
			return id
		}
	}
	return provider
}

// Sanitize replaces every rune outside [a-zA-Z0-9_-] with '_' and truncates
// to the 64-character provider limit.
func Sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 64 {
		out = out[:64]
	}
	return string(out)
}
