// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API. It translates normalized requests into
// github.com/openai/openai-go calls and maps responses and streaming chunks
// back into the generic model structures.
package openai

import (
	"context"
	"errors"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/agentgate/agentgate/features/model/toolnames"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type (
	// ChatService captures the subset of the openai-go client used by the
	// adapter. It is satisfied by *sdk.ChatCompletionService so tests can pass
	// a mock.
	ChatService interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat is the completions service. Required.
		Chat ChatService
		// DefaultModel is used when a request names no model. Required.
		DefaultModel string
		// MaxTokens caps completions when a request sets none.
		MaxTokens int
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         ChatService
		defaultModel string
		maxTokens    int
	}
)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai chat service is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:         opts.Chat,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a client with the default openai-go HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &client.Chat.Completions, DefaultModel: defaultModel})
}

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, names, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, mapError(err)
	}
	return translateResponse(resp, names), nil
}

// Stream issues a streaming chat completion and adapts SSE chunks into
// model.Chunks. Tool calls are accumulated and emitted whole once their
// argument fragments complete.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, names, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, mapError(err)
	}
	return newStreamer(ctx, stream, names), nil
}

func (c *Client) encodeRequest(req model.Request) (sdk.ChatCompletionNewParams, *toolnames.Map, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, nil, gwerrors.New(gwerrors.KindValidation, "messages are required")
	}
	names, err := toolnames.Build(req.Tools)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: encodeMessages(req.Messages, names),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ChatCompletionToolParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, sdk.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        names.Provider(def.Name),
					Description: sdk.String(def.Description),
					Parameters:  shared.FunctionParameters(model.SchemaObject(def.InputSchema)),
				},
			})
		}
		params.Tools = tools
	}
	return params, names, nil
}

func encodeMessages(msgs []model.Message, names *toolnames.Map) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			assistant := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{
					OfString: sdk.String(m.Content),
				}
			}
			for _, call := range m.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      names.Provider(call.Name),
						Arguments: string(call.Arguments),
					},
				})
			}
			if m.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func translateResponse(resp *sdk.ChatCompletion, names *toolnames.Map) model.Response {
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      names.Canonical(call.Function.Name),
			Arguments: []byte(call.Function.Arguments),
		})
	}
	return out
}

// mapError converts openai-go errors into gwerrors kinds so callers can make
// retry decisions without inspecting SDK types.
func mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return gwerrors.Wrap(gwerrors.KindRateLimited, "openai chat completion", err).WithRetryable()
		case apierr.StatusCode >= http.StatusInternalServerError:
			return gwerrors.Wrap(gwerrors.KindUpstream, "openai chat completion", err).WithRetryable()
		default:
			return gwerrors.Wrap(gwerrors.KindUpstream, "openai chat completion", err)
		}
	}
	return gwerrors.Wrap(gwerrors.KindUpstream, "openai chat completion", err).WithRetryable()
}
