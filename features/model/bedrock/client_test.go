package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type fakeRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = params
	return f.output, f.err
}

func (f *fakeRuntime) ConverseStream(_ context.Context, _ *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, f.err
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0"})
	require.Error(t, err)

	_, err = New(Options{Runtime: &fakeRuntime{}})
	require.Error(t, err)

	c, err := New(Options{Runtime: &fakeRuntime{}, DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0"})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestCompleteTranslatesResponse(t *testing.T) {
	input := any(map[string]any{"query": "acme"})
	rt := &fakeRuntime{
		output: &bedrockruntime.ConverseOutput{
			StopReason: brtypes.StopReasonToolUse,
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role: brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "Searching."},
						&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
							Name:      aws.String("crm_search_contacts"),
							ToolUseId: aws.String("toolu_1"),
							Input:     document.NewLazyDocument(&input),
						}},
					},
				},
			},
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(40),
				OutputTokens: aws.Int32(12),
				TotalTokens:  aws.Int32(52),
			},
		},
	}
	c, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "You are helpful."},
			{Role: model.RoleUser, Content: "Find acme contacts."},
		},
		Tools: []model.ToolDefinition{{
			Name:        "crm:search_contacts",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Searching.", resp.Content)
	assert.Equal(t, string(brtypes.StopReasonToolUse), resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "crm:search_contacts", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"acme"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 52, resp.Usage.TotalTokens)

	require.NotNil(t, rt.lastInput)
	require.Len(t, rt.lastInput.System, 1)
	require.Len(t, rt.lastInput.Messages, 1)
	require.NotNil(t, rt.lastInput.ToolConfig)
	require.Len(t, rt.lastInput.ToolConfig.Tools, 1)
	spec, ok := rt.lastInput.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "crm_search_contacts", aws.ToString(spec.Value.Name))
	require.NotNil(t, rt.lastInput.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(rt.lastInput.InferenceConfig.MaxTokens))
}

func TestCompleteEncodesToolResultAsUserTurn(t *testing.T) {
	rt := &fakeRuntime{output: &bedrockruntime.ConverseOutput{}}
	c, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0"})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "Find acme contacts."},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{
				ID: "toolu_1", Name: "crm:search_contacts", Arguments: []byte(`{"query":"acme"}`),
			}}},
			{Role: model.RoleTool, ToolCallID: "toolu_1", Content: `{"contacts":[]}`},
		},
		Tools: []model.ToolDefinition{{Name: "crm:search_contacts"}},
	})
	require.NoError(t, err)
	require.Len(t, rt.lastInput.Messages, 3)

	last := rt.lastInput.Messages[2]
	assert.Equal(t, brtypes.ConversationRoleUser, last.Role)
	require.Len(t, last.Content, 1)
	_, ok := last.Content[0].(*brtypes.ContentBlockMemberToolResult)
	assert.True(t, ok)
}

func TestMapError(t *testing.T) {
	throttled := mapError("converse", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})
	assert.True(t, gwerrors.IsKind(throttled, gwerrors.KindRateLimited))
	assert.True(t, gwerrors.Retryable(throttled))

	terminal := mapError("converse", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"})
	assert.True(t, gwerrors.IsKind(terminal, gwerrors.KindUpstream))
	assert.False(t, gwerrors.Retryable(terminal))
}
