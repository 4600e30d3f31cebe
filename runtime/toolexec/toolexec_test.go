package toolexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

type fakeReader struct {
	tools   map[string]*catalog.Tool
	sources map[string]*catalog.Source
}

func (f *fakeReader) Tool(_ context.Context, id string) (*catalog.Tool, error) {
	if tool, ok := f.tools[id]; ok {
		return tool, nil
	}
	return nil, gwerrors.Newf(gwerrors.KindNotFound, "tool %s not found", id)
}

func (f *fakeReader) ListTools(context.Context) ([]*catalog.Tool, error) { return nil, nil }

func (f *fakeReader) ListSourceTools(context.Context, string) ([]*catalog.Tool, error) {
	return nil, nil
}

func (f *fakeReader) Source(_ context.Context, id string) (*catalog.Source, error) {
	if source, ok := f.sources[id]; ok {
		return source, nil
	}
	return nil, gwerrors.Newf(gwerrors.KindNotFound, "source %s not found", id)
}

func (f *fakeReader) ListSources(context.Context) ([]*catalog.Source, error) { return nil, nil }
func (f *fakeReader) Group(context.Context, string) (*catalog.Group, error)  { return nil, nil }
func (f *fakeReader) ListGroups(context.Context) ([]*catalog.Group, error)   { return nil, nil }
func (f *fakeReader) ListPolicies(context.Context) ([]*catalog.Policy, error) {
	return nil, nil
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, auth.Claims, string) error { return nil }

type denyAll struct{}

func (denyAll) Authorize(context.Context, auth.Claims, string) error {
	return gwerrors.New(gwerrors.KindForbidden, "access policies deny tool")
}

type fakeExchanger struct {
	token    string
	err      error
	audience string
}

func (f *fakeExchanger) Exchange(_ context.Context, _, _, audience string, _ []string) (string, error) {
	f.audience = audience
	return f.token, f.err
}

func crmTool(sourceID string, mode catalog.ExecutionMode) *catalog.Tool {
	tool := catalog.NewTool(catalog.ToolID(sourceID, "search_contacts"))
	discovered, err := tool.Discover(sourceID, "crm", catalog.Definition{
		Name:        "search_contacts",
		Description: "Search CRM contacts",
		InputSchema: catalog.InputSchema{
			Type: "object",
			Properties: map[string]catalog.PropertySchema{
				"org":   {Type: "string", Location: "path"},
				"query": {Type: "string", Location: "query"},
				"limit": {Type: "integer", Location: "body"},
			},
			Required: []string{"org", "query"},
		},
		Profile:      catalog.ExecutionProfile{Mode: mode, Timeout: 2 * time.Second},
		HTTPMethod:   http.MethodPost,
		PathTemplate: "/orgs/{org}/contacts",
	}, nil)
	if err != nil {
		panic(err)
	}
	for i, change := range discovered {
		payload, _ := json.Marshal(change.Payload)
		_ = tool.Apply(eventFor(tool, int64(i+1), change.Type, payload))
	}
	return tool
}

func crmSource(id string, mode catalog.AuthMode, baseURL string) *catalog.Source {
	return &catalog.Source{
		ID: id,
		Attrs: catalog.SourceAttributes{
			Name:            "crm",
			Kind:            catalog.SourceOpenAPI,
			BaseURL:         baseURL,
			AuthMode:        mode,
			DefaultAudience: "crm-api",
		},
		Enabled: true,
	}
}

func newTestPipeline(t *testing.T, reader *fakeReader, authz Authorizer, exch TokenExchanger) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Options{
		Catalog:    reader,
		Authorizer: authz,
		Exchanger:  exch,
		HTTP:       NewHTTPTransport(HTTPTransportOptions{}),
	})
	require.NoError(t, err)
	return p
}

func TestExecuteHTTPHappyPath(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("query")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contacts":[{"name":"Ada"}]}`))
	}))
	defer srv.Close()

	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthPassthrough, srv.URL)},
	}
	p := newTestPipeline(t, reader, allowAll{}, nil)

	result, err := p.Execute(context.Background(), Request{
		ToolID:      tool.ID,
		Arguments:   json.RawMessage(`{"org":"acme","query":"ada","limit":5}`),
		Claims:      auth.Claims{"sub": "user-1"},
		CallerToken: "caller-token",
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, http.StatusOK, result.UpstreamStatus)
	assert.JSONEq(t, `{"contacts":[{"name":"Ada"}]}`, string(result.Result))
	assert.Equal(t, "/orgs/acme/contacts", gotPath)
	assert.Equal(t, "ada", gotQuery)
	assert.Equal(t, "Bearer caller-token", gotAuth)
	assert.Equal(t, float64(5), gotBody["limit"])
	assert.GreaterOrEqual(t, result.ExecutionTimeMS, int64(0))
}

func TestExecuteValidatesArguments(t *testing.T) {
	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthNone, "http://unused")},
	}
	p := newTestPipeline(t, reader, allowAll{}, nil)

	// Missing required "query".
	_, err := p.Execute(context.Background(), Request{
		ToolID:    tool.ID,
		Arguments: json.RawMessage(`{"org":"acme"}`),
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))

	// Wrong type for "limit".
	_, err = p.Execute(context.Background(), Request{
		ToolID:    tool.ID,
		Arguments: json.RawMessage(`{"org":"acme","query":"ada","limit":"five"}`),
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))

	// SkipValidation lets trusted callers through; dispatch then fails on the
	// unreachable base URL and is shaped into a failed result.
	result, err := p.Execute(context.Background(), Request{
		ToolID:         tool.ID,
		Arguments:      json.RawMessage(`{"org":"acme","query":"ada"}`),
		SkipValidation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExecuteDeniedTool(t *testing.T) {
	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthNone, "http://unused")},
	}
	p := newTestPipeline(t, reader, denyAll{}, nil)

	_, err := p.Execute(context.Background(), Request{ToolID: tool.ID})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindForbidden))
}

func TestExecuteUnknownAndDisabledTools(t *testing.T) {
	tool := crmTool("src1", catalog.ExecuteHTTP)
	changes, err := tool.SetEnabled(false)
	require.NoError(t, err)
	for _, change := range changes {
		payload, _ := json.Marshal(change.Payload)
		require.NoError(t, tool.Apply(eventFor(tool, tool.Version()+1, change.Type, payload)))
	}

	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthNone, "http://unused")},
	}
	p := newTestPipeline(t, reader, allowAll{}, nil)

	_, err = p.Execute(context.Background(), Request{ToolID: "src1:nope"})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))

	_, err = p.Execute(context.Background(), Request{ToolID: tool.ID})
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindNotFound))
}

func TestExecuteTokenExchange(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthTokenExchange, srv.URL)},
	}
	exch := &fakeExchanger{token: "exchanged-token"}
	p := newTestPipeline(t, reader, allowAll{}, exch)

	result, err := p.Execute(context.Background(), Request{
		ToolID:      tool.ID,
		Arguments:   json.RawMessage(`{"org":"acme","query":"ada"}`),
		Claims:      auth.Claims{"sub": "user-1"},
		CallerToken: "caller-token",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "Bearer exchanged-token", gotAuth)
	assert.Equal(t, "crm-api", exch.audience)
}

func TestExecuteExchangeFailure(t *testing.T) {
	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthTokenExchange, "http://unused")},
	}
	exch := &fakeExchanger{err: gwerrors.New(gwerrors.KindTokenExchange, "rejected")}
	p := newTestPipeline(t, reader, allowAll{}, exch)

	_, err := p.Execute(context.Background(), Request{
		ToolID:    tool.ID,
		Arguments: json.RawMessage(`{"org":"acme","query":"ada"}`),
	})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindTokenExchange))
}

func TestExecuteUpstreamFailureShapedAsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"downstream exploded"}`))
	}))
	defer srv.Close()

	tool := crmTool("src1", catalog.ExecuteHTTP)
	reader := &fakeReader{
		tools:   map[string]*catalog.Tool{tool.ID: tool},
		sources: map[string]*catalog.Source{"src1": crmSource("src1", catalog.AuthNone, srv.URL)},
	}
	p := newTestPipeline(t, reader, allowAll{}, nil)

	result, err := p.Execute(context.Background(), Request{
		ToolID:    tool.ID,
		Arguments: json.RawMessage(`{"org":"acme","query":"ada"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, http.StatusBadGateway, result.UpstreamStatus)
	assert.Contains(t, result.Error, "502")
	assert.JSONEq(t, `{"error":"downstream exploded"}`, string(result.Result))
}

// eventFor fabricates a persisted event for replaying fixture aggregates.
func eventFor(agg eventstore.Aggregate, seq int64, typ string, payload json.RawMessage) eventstore.Event {
	return eventstore.Event{
		AggregateType: agg.AggregateType(),
		AggregateID:   agg.AggregateID(),
		Sequence:      seq,
		Type:          typ,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}
