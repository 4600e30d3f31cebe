// Package anthropic provides a model.Client backed by the Anthropic Messages
// API. It translates normalized requests into anthropic-sdk-go calls and maps
// responses (text, tool use, usage) back into the generic model structures.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentgate/agentgate/features/model/toolnames"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so tests can pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Messages is the SDK message service. Required.
		Messages MessagesClient
		// DefaultModel is used when a request names no model. Required.
		DefaultModel string
		// MaxTokens caps completions when a request sets none. Anthropic
		// requires an explicit cap; defaults to 4096.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
	}
)

// New builds an Anthropic-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: opts.Messages, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client with the default Anthropic HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, names, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, mapError(err)
	}
	return translateResponse(msg, names), nil
}

// Stream invokes Messages.NewStreaming and adapts the event stream into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, names, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, mapError(err)
	}
	return newStreamer(ctx, stream, names), nil
}

func (c *Client) encodeRequest(req model.Request) (sdk.MessageNewParams, *toolnames.Map, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, nil, gwerrors.New(gwerrors.KindValidation, "messages are required")
	}
	names, err := toolnames.Build(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	conversation, system, err := encodeMessages(req.Messages, names)
	if err != nil {
		return sdk.MessageNewParams{}, nil, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]sdk.ToolUnionParam, 0, len(req.Tools))
		for _, def := range req.Tools {
			schema := sdk.ToolInputSchemaParam{ExtraFields: model.SchemaObject(def.InputSchema)}
			u := sdk.ToolUnionParamOfTool(schema, names.Provider(def.Name))
			if u.OfTool != nil && def.Description != "" {
				u.OfTool.Description = sdk.String(def.Description)
			}
			tools = append(tools, u)
		}
		params.Tools = tools
	}
	return params, names, nil
}

// encodeMessages splits the normalized history into the Anthropic system
// blocks and conversation turns. Tool results become tool_result blocks on a
// user turn; assistant tool calls become tool_use blocks.
func encodeMessages(msgs []model.Message, names *toolnames.Map) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input any
				if len(call.Arguments) > 0 {
					input = call.Arguments
				} else {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, names.Provider(call.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, gwerrors.New(gwerrors.KindValidation, "tool message missing tool call id")
			}
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			return nil, nil, gwerrors.Newf(gwerrors.KindValidation, "unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, gwerrors.New(gwerrors.KindValidation, "at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func translateResponse(msg *sdk.Message, names *toolnames.Map) model.Response {
	resp := model.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      names.Canonical(block.Name),
				Arguments: block.Input,
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}

// mapError converts SDK errors into gwerrors kinds.
func mapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return gwerrors.Wrap(gwerrors.KindRateLimited, "anthropic messages", err).WithRetryable()
		case apierr.StatusCode >= http.StatusInternalServerError:
			return gwerrors.Wrap(gwerrors.KindUpstream, "anthropic messages", err).WithRetryable()
		default:
			return gwerrors.Wrap(gwerrors.KindUpstream, "anthropic messages", err)
		}
	}
	return gwerrors.Wrap(gwerrors.KindUpstream, fmt.Sprintf("anthropic messages: %v", err), err).WithRetryable()
}
