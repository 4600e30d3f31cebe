package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/config"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/catalog/view"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/eventstore/inmem"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/orchestrator"
)

type staticVerifier struct {
	tokens map[string]auth.Claims
}

func (v *staticVerifier) Verify(_ context.Context, raw string) (auth.Claims, error) {
	claims, ok := v.tokens[raw]
	if !ok {
		return nil, gwerrors.New(gwerrors.KindUnauthorized, "invalid token")
	}
	return claims, nil
}

type echoClient struct{}

func (echoClient) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{Content: "Hello!", StopReason: "stop"}, nil
}

func (echoClient) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

type staticModels struct{}

func (staticModels) Client(string) (model.Client, error) { return echoClient{}, nil }

type staticLister struct {
	rows []ConversationSummary
}

func (l *staticLister) ListByUser(context.Context, string, int) ([]ConversationSummary, error) {
	return l.rows, nil
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()

	cat := view.New()
	repo, err := eventstore.NewRepository(inmem.New(), eventstore.NewProjectionBus(cat))
	require.NoError(t, err)

	ingestor, err := catalog.NewIngestor(catalog.IngestorOptions{Repository: repo, Reader: cat})
	require.NoError(t, err)
	svc, err := catalog.NewService(catalog.ServiceOptions{Repository: repo, Reader: cat, Ingestor: ingestor})
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Options{Repository: repo, Models: staticModels{}})
	require.NoError(t, err)

	gw, err := New(Options{
		Orchestrator:  orch,
		Catalog:       svc,
		Conversations: &staticLister{},
		Verifier: &staticVerifier{tokens: map[string]auth.Claims{
			"user-token":  {"sub": "user-1"},
			"admin-token": {"sub": "admin-1", "roles": []any{"admin"}},
		}},
		Config: cfg,
	})
	require.NoError(t, err)
	return gw
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMissingCredentialsRejected(t *testing.T) {
	handler := newTestGateway(t, nil).Handler()
	rec := doJSON(t, handler, http.MethodGet, "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionCookieAccepted(t *testing.T) {
	handler := newTestGateway(t, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.AddCookie(&http.Cookie{Name: "agentgate_session", Value: "user-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoleRequiredForCatalogWrites(t *testing.T) {
	handler := newTestGateway(t, nil).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/groups", "user-token", catalog.GroupAttributes{Name: "ops"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/groups", "admin-token", catalog.GroupAttributes{Name: "ops"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created groupView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "ops", created.Attrs.Name)

	rec = doJSON(t, handler, http.MethodGet, "/groups", "user-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []groupView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
}

func TestRateLimitExhaustion(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.RequestsPerMinute = 2
	handler := newTestGateway(t, cfg).Handler()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/conversations", "user-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doJSON(t, handler, http.MethodGet, "/conversations", "user-token", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(gwerrors.KindRateLimited), body.Kind)
	assert.True(t, body.Retryable)
}

func TestChatSendStreamsServerSentEvents(t *testing.T) {
	server := httptest.NewServer(newTestGateway(t, nil).Handler())
	defer server.Close()

	body := strings.NewReader(`{"message": "hi there"}`)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/chat/send", body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var eventNames []string
	var conversationID string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventNames = append(eventNames, name)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && conversationID == "" {
			var envelope struct {
				ConversationID string `json:"conversation_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &envelope))
			conversationID = envelope.ConversationID
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []string{"stream_started", "content_chunk", "content_complete"}, eventNames)
	require.NotEmpty(t, conversationID)

	// The completed turn is visible on the control plane.
	handlerReq, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/conversations/%s", server.URL, conversationID), nil)
	require.NoError(t, err)
	handlerReq.Header.Set("Authorization", "Bearer user-token")
	detailResp, err := http.DefaultClient.Do(handlerReq)
	require.NoError(t, err)
	defer detailResp.Body.Close()
	require.Equal(t, http.StatusOK, detailResp.StatusCode)

	var detail conversationDetail
	require.NoError(t, json.NewDecoder(detailResp.Body).Decode(&detail))
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "user", detail.Messages[0].Role)
	assert.Equal(t, "hi there", detail.Messages[0].Content)
	assert.Equal(t, "assistant", detail.Messages[1].Role)
	assert.Equal(t, "Hello!", detail.Messages[1].Content)
}

func TestConversationLifecycle(t *testing.T) {
	server := httptest.NewServer(newTestGateway(t, nil).Handler())
	defer server.Close()

	conversationID := openConversation(t, server.URL, "user-token")

	do := func(method, path string, body string) *http.Response {
		var reader *strings.Reader
		if body == "" {
			reader = strings.NewReader("")
		} else {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequest(method, server.URL+path, reader)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer user-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPut, "/conversations/"+conversationID+"/rename", `{"title": "My chat"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodGet, "/conversations/"+conversationID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail conversationDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, "My chat", detail.Title)

	resp = do(http.MethodPost, "/conversations/"+conversationID+"/clear", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodDelete, "/conversations/"+conversationID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(http.MethodGet, "/conversations/"+conversationID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelUnknownStream(t *testing.T) {
	handler := newTestGateway(t, nil).Handler()
	rec := doJSON(t, handler, http.MethodPost, "/chat/cancel/req_missing", "user-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(gwerrors.KindNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(gwerrors.KindValidation))
	assert.Equal(t, http.StatusConflict, statusFor(gwerrors.KindConcurrencyConflict))
	assert.Equal(t, http.StatusUnauthorized, statusFor(gwerrors.KindUnauthorized))
	assert.Equal(t, http.StatusForbidden, statusFor(gwerrors.KindForbidden))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(gwerrors.KindRateLimited))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(gwerrors.KindTimeout))
	assert.Equal(t, http.StatusBadGateway, statusFor(gwerrors.KindUpstream))
	assert.Equal(t, http.StatusInternalServerError, statusFor(gwerrors.KindInternal))
}

// openConversation runs one chat turn and returns the new conversation id.
func openConversation(t *testing.T, baseURL, token string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/chat/send", strings.NewReader(`{"message": "hello"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			var envelope struct {
				ConversationID string `json:"conversation_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &envelope))
			require.NotEmpty(t, envelope.ConversationID)
			// Drain the stream so the session closes cleanly.
			for scanner.Scan() {
			}
			return envelope.ConversationID
		}
	}
	t.Fatal("no event received")
	return ""
}
