package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/eventstore"
)

type (
	toolView struct {
		ID             string             `json:"id"`
		SourceID       string             `json:"source_id"`
		SourceName     string             `json:"source_name,omitempty"`
		Name           string             `json:"name"`
		Description    string             `json:"description,omitempty"`
		Definition     catalog.Definition `json:"definition"`
		Tags           []string           `json:"tags,omitempty"`
		Enabled        bool               `json:"enabled"`
		Status         string             `json:"status"`
		DefinitionHash string             `json:"definition_hash"`
	}

	sourceView struct {
		ID        string                   `json:"id"`
		Attrs     catalog.SourceAttributes `json:"attrs"`
		Health    string                   `json:"health"`
		LastSync  *time.Time               `json:"last_sync,omitempty"`
		ToolCount int                      `json:"tool_count"`
		Enabled   bool                     `json:"enabled"`
	}

	groupView struct {
		ID    string                  `json:"id"`
		Attrs catalog.GroupAttributes `json:"attrs"`
	}

	policyView struct {
		ID    string                   `json:"id"`
		Attrs catalog.PolicyAttributes `json:"attrs"`
	}

	refreshView struct {
		SourceID   string   `json:"source_id"`
		Discovered []string `json:"discovered,omitempty"`
		Updated    []string `json:"updated,omitempty"`
		Deprecated []string `json:"deprecated,omitempty"`
		Restored   []string `json:"restored,omitempty"`
		ToolCount  int      `json:"tool_count"`
		Health     string   `json:"health"`
	}
)

func (g *Gateway) meta(r *http.Request) eventstore.Metadata {
	return eventstore.Metadata{UserID: requestClaims(r).Subject()}
}

// Tools

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.catalog.ListTools(r.Context(), catalog.ToolFilter{})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toolViews(tools))
}

func (g *Gateway) handleSearchTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tools, err := g.catalog.ListTools(r.Context(), catalog.ToolFilter{
		Query:    q.Get("q"),
		SourceID: q.Get("source_id"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tags := q.Get("tags"); tags != "" {
		tools = filterByTags(tools, strings.Split(tags, ","))
	}
	respondJSON(w, http.StatusOK, toolViews(tools))
}

func (g *Gateway) handleGetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := g.catalog.Tool(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toolToView(tool))
}

func (g *Gateway) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := g.catalog.DeleteTool(r.Context(), chi.URLParam(r, "id"), g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleSetToolEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.catalog.SetToolEnabled(r.Context(), chi.URLParam(r, "id"), enabled, g.meta(r)); err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

// Sources

func (g *Gateway) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := g.catalog.ListSources(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		views = append(views, sourceToView(src))
	}
	respondJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var attrs catalog.SourceAttributes
	if err := decodeBody(r, &attrs); err != nil {
		respondError(w, r, err)
		return
	}
	source, refresh, err := g.catalog.RegisterSource(r.Context(), attrs, g.meta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, struct {
		Source  sourceView   `json:"source"`
		Refresh *refreshView `json:"refresh,omitempty"`
	}{Source: sourceToView(source), Refresh: refreshToView(refresh)})
}

func (g *Gateway) handleRefreshSource(w http.ResponseWriter, r *http.Request) {
	result, err := g.catalog.RefreshSource(r.Context(), chi.URLParam(r, "id"), g.meta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, refreshToView(result))
}

func (g *Gateway) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := g.catalog.DeleteSource(r.Context(), chi.URLParam(r, "id"), g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Groups

func (g *Gateway) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := g.catalog.ListGroups(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, grp := range groups {
		views = append(views, groupView{ID: grp.ID, Attrs: grp.Attrs})
	}
	respondJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := g.catalog.Group(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, groupView{ID: group.ID, Attrs: group.Attrs})
}

func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var attrs catalog.GroupAttributes
	if err := decodeBody(r, &attrs); err != nil {
		respondError(w, r, err)
		return
	}
	group, err := g.catalog.CreateGroup(r.Context(), attrs, g.meta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, groupView{ID: group.ID, Attrs: group.Attrs})
}

func (g *Gateway) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var attrs catalog.GroupAttributes
	if err := decodeBody(r, &attrs); err != nil {
		respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := g.catalog.UpdateGroup(r.Context(), id, attrs, g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, groupView{ID: id, Attrs: attrs})
}

func (g *Gateway) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := g.catalog.DeleteGroup(r.Context(), chi.URLParam(r, "id"), g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Policies

func (g *Gateway) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := g.catalog.ListPolicies(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	views := make([]policyView, 0, len(policies))
	for _, pol := range policies {
		views = append(views, policyView{ID: pol.ID, Attrs: pol.Attrs})
	}
	respondJSON(w, http.StatusOK, views)
}

func (g *Gateway) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var attrs catalog.PolicyAttributes
	if err := decodeBody(r, &attrs); err != nil {
		respondError(w, r, err)
		return
	}
	policy, err := g.catalog.CreatePolicy(r.Context(), attrs, g.meta(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, policyView{ID: policy.ID, Attrs: policy.Attrs})
}

func (g *Gateway) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var attrs catalog.PolicyAttributes
	if err := decodeBody(r, &attrs); err != nil {
		respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := g.catalog.UpdatePolicy(r.Context(), id, attrs, g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, policyView{ID: id, Attrs: attrs})
}

func (g *Gateway) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := g.catalog.DeletePolicy(r.Context(), chi.URLParam(r, "id"), g.meta(r)); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func toolViews(tools []*catalog.Tool) []toolView {
	views := make([]toolView, 0, len(tools))
	for _, tool := range tools {
		views = append(views, toolToView(tool))
	}
	return views
}

func toolToView(tool *catalog.Tool) toolView {
	return toolView{
		ID:             tool.ID,
		SourceID:       tool.SourceID,
		SourceName:     tool.SourceName,
		Name:           tool.Name,
		Description:    tool.Description,
		Definition:     tool.Definition,
		Tags:           tool.Tags,
		Enabled:        tool.Enabled,
		Status:         string(tool.Status),
		DefinitionHash: tool.DefinitionHash,
	}
}

func sourceToView(src *catalog.Source) sourceView {
	view := sourceView{
		ID:        src.ID,
		Attrs:     src.Attrs,
		Health:    string(src.Health),
		ToolCount: src.ToolCount,
		Enabled:   src.Enabled,
	}
	if !src.LastSync.IsZero() {
		sync := src.LastSync
		view.LastSync = &sync
	}
	return view
}

func refreshToView(result *catalog.RefreshResult) *refreshView {
	if result == nil {
		return nil
	}
	return &refreshView{
		SourceID:   result.SourceID,
		Discovered: result.Discovered,
		Updated:    result.Updated,
		Deprecated: result.Deprecated,
		Restored:   result.Restored,
		ToolCount:  result.ToolCount,
		Health:     string(result.Health),
	}
}

func filterByTags(tools []*catalog.Tool, want []string) []*catalog.Tool {
	kept := tools[:0:0]
	for _, tool := range tools {
		if hasAllTags(tool.Tags, want) {
			kept = append(kept, tool)
		}
	}
	return kept
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
