// Package auth holds the gateway's identity boundary: JWT verification
// against the identity provider's JWKS, claim extraction for access
// evaluation, and RFC 8693 token exchange for delegated tool execution.
package auth

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Claims is the verified claim set extracted from a caller's token. Values
// are the decoded JSON shapes (strings, numbers, bools, slices, nested maps).
type Claims map[string]any

// Subject returns the "sub" claim.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Lookup resolves a dotted claim path ("realm_access.roles") against the
// claim set. It returns the value and whether the path resolved.
func (c Claims) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Strings resolves a claim path to a list of strings. Scalar values yield a
// single-element list; space-separated strings (the OAuth "scope" claim
// form) are split.
func (c Claims) Strings(path string) []string {
	val, ok := c.Lookup(path)
	if !ok {
		return nil
	}
	return stringify(val)
}

// Roles returns the caller's roles from the common claim locations.
func (c Claims) Roles() []string {
	for _, path := range []string{"roles", "realm_access.roles"} {
		if out := c.Strings(path); len(out) > 0 {
			return out
		}
	}
	return nil
}

// Scopes returns the caller's OAuth scopes.
func (c Claims) Scopes() []string {
	for _, path := range []string{"scope", "scp"} {
		if out := c.Strings(path); len(out) > 0 {
			return out
		}
	}
	return nil
}

// Fingerprint computes a stable string over the named claim paths only. The
// access cache keys on this value so unrelated claims (iat, jti) do not churn
// cache entries.
func (c Claims) Fingerprint(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var b strings.Builder
	b.WriteString(c.Subject())
	for _, path := range sorted {
		b.WriteByte('|')
		b.WriteString(path)
		b.WriteByte('=')
		vals := c.Strings(path)
		sort.Strings(vals)
		b.WriteString(strings.Join(vals, ","))
	}
	return b.String()
}

func stringify(val any) []string {
	switch v := val.(type) {
	case string:
		if strings.ContainsRune(v, ' ') {
			return strings.Fields(v)
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, scalarString(item))
		}
		return out
	case bool:
		return []string{strconv.FormatBool(v)}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	default:
		return []string{fmt.Sprint(v)}
	}
}

func scalarString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
