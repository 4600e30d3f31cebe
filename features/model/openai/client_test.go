package openai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type fakeChat struct {
	lastParams sdk.ChatCompletionNewParams
	resp       *sdk.ChatCompletion
	err        error
}

func (f *fakeChat) New(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.lastParams = params
	return f.resp, f.err
}

func (f *fakeChat) NewStreaming(_ context.Context, params sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	f.lastParams = params
	return nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)

	_, err = New(Options{Chat: &fakeChat{}})
	require.Error(t, err)

	c, err := New(Options{Chat: &fakeChat{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestCompleteTranslatesResponse(t *testing.T) {
	chat := &fakeChat{
		resp: &sdk.ChatCompletion{
			Choices: []sdk.ChatCompletionChoice{{
				FinishReason: "tool_calls",
				Message: sdk.ChatCompletionMessage{
					Content: "Looking that up.",
					ToolCalls: []sdk.ChatCompletionMessageToolCall{{
						ID: "call_1",
						Function: sdk.ChatCompletionMessageToolCallFunction{
							Name:      "crm_search_contacts",
							Arguments: `{"query":"acme"}`,
						},
					}},
				},
			}},
			Usage: sdk.CompletionUsage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
		},
	}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o", MaxTokens: 256})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "You are helpful."},
			{Role: model.RoleUser, Content: "Find acme contacts."},
		},
		Tools: []model.ToolDefinition{{
			Name:        "crm:search_contacts",
			Description: "Search CRM contacts",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Looking that up.", resp.Content)
	assert.Equal(t, "tool_calls", resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "crm:search_contacts", resp.ToolCalls[0].Name)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"acme"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 30, resp.Usage.TotalTokens)

	// Tool names sent to the provider are sanitized.
	require.Len(t, chat.lastParams.Tools, 1)
	assert.Equal(t, "crm_search_contacts", chat.lastParams.Tools[0].Function.Name)
	assert.Equal(t, "gpt-4o", string(chat.lastParams.Model))
	assert.Equal(t, int64(256), chat.lastParams.MaxCompletionTokens.Value)
}

func TestCompleteEncodesToolHistory(t *testing.T) {
	chat := &fakeChat{resp: &sdk.ChatCompletion{}}
	c, err := New(Options{Chat: chat, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "Find acme contacts."},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{
				ID: "call_1", Name: "crm:search_contacts", Arguments: []byte(`{"query":"acme"}`),
			}}},
			{Role: model.RoleTool, ToolCallID: "call_1", Content: `{"contacts":[]}`},
		},
		Tools: []model.ToolDefinition{{Name: "crm:search_contacts"}},
	})
	require.NoError(t, err)
	require.Len(t, chat.lastParams.Messages, 3)

	assistant := chat.lastParams.Messages[1].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "crm_search_contacts", assistant.ToolCalls[0].Function.Name)
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := New(Options{Chat: &fakeChat{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{})
	require.Error(t, err)
	assert.True(t, gwerrors.IsKind(err, gwerrors.KindValidation))
}

func TestMapError(t *testing.T) {
	throttled := mapError(&sdk.Error{StatusCode: http.StatusTooManyRequests})
	assert.True(t, gwerrors.IsKind(throttled, gwerrors.KindRateLimited))
	assert.True(t, gwerrors.Retryable(throttled))

	upstream := mapError(&sdk.Error{StatusCode: http.StatusBadGateway})
	assert.True(t, gwerrors.IsKind(upstream, gwerrors.KindUpstream))
	assert.True(t, gwerrors.Retryable(upstream))

	terminal := mapError(&sdk.Error{StatusCode: http.StatusBadRequest})
	assert.True(t, gwerrors.IsKind(terminal, gwerrors.KindUpstream))
	assert.False(t, gwerrors.Retryable(terminal))

	network := mapError(errors.New("connection reset"))
	assert.True(t, gwerrors.Retryable(network))
}
