// Package bedrock provides a model.Client backed by the AWS Bedrock Converse
// API. It splits system from conversational messages, encodes tool schemas
// into Bedrock's ToolConfiguration, and translates Converse responses (text
// and tool_use blocks) back into the generic model structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/agentgate/agentgate/features/model/toolnames"
	"github.com/agentgate/agentgate/runtime/gwerrors"
	"github.com/agentgate/agentgate/runtime/model"
)

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client used by
	// the adapter. It matches *bedrockruntime.Client so tests can pass a mock.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is used when a request names no model. Required.
		DefaultModel string
		// MaxTokens caps completions when a request sets none. Zero lets
		// Bedrock apply its own default.
		MaxTokens int
	}

	// Client implements model.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
	}

	requestParts struct {
		modelID    string
		messages   []brtypes.Message
		system     []brtypes.SystemContentBlock
		toolConfig *brtypes.ToolConfiguration
		names      *toolnames.Map
	}
)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return model.Response{}, mapError("converse", err)
	}
	return translateResponse(output, parts.names), nil
}

// Stream invokes ConverseStream and adapts events into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	parts, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(parts.modelID),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, mapError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, stream, parts.names), nil
}

func (c *Client) encodeRequest(req model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, gwerrors.New(gwerrors.KindValidation, "messages are required")
	}
	names, err := toolnames.Build(req.Tools)
	if err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, err := encodeTools(req.Tools, names)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:    modelID,
		messages:   messages,
		system:     system,
		toolConfig: toolConfig,
		names:      names,
	}, nil
}

func (c *Client) inferenceConfig(req model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeTools(defs []model.ToolDefinition, names *toolnames.Map) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := any(model.SchemaObject(def.InputSchema))
		spec := brtypes.ToolSpecification{
			Name:        aws.String(names.Provider(def.Name)),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(&schema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

// encodeMessages splits the normalized history into Bedrock system blocks and
// conversation turns. Tool results become toolResult blocks on user turns;
// assistant tool calls become toolUse blocks.
func encodeMessages(msgs []model.Message, names *toolnames.Map) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(names.Provider(call.Name)),
					Input: rawDocument(call.Arguments),
				}
				if call.ID != "" {
					tb.ToolUseId = aws.String(toolnames.Sanitize(call.ID))
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, gwerrors.New(gwerrors.KindValidation, "tool message missing tool call id")
			}
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(toolnames.Sanitize(m.ToolCallID)),
				Content: []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: m.Content},
				},
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		default:
			return nil, nil, gwerrors.Newf(gwerrors.KindValidation, "unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, gwerrors.New(gwerrors.KindValidation, "at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, names *toolnames.Map) model.Response {
	resp := model.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				call := model.ToolCall{Arguments: decodeDocument(v.Value.Input)}
				if v.Value.Name != nil {
					call.Name = names.Canonical(*v.Value.Name)
				}
				if v.Value.ToolUseId != nil {
					call.ID = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, call)
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	return resp
}

func rawDocument(raw json.RawMessage) document.Interface {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// mapError converts SDK errors into gwerrors kinds. Throttling and 5xx
// responses are retryable; everything else is terminal for the turn.
func mapError(operation string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return gwerrors.Wrap(gwerrors.KindRateLimited, "bedrock "+operation, err).WithRetryable()
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == http.StatusTooManyRequests:
			return gwerrors.Wrap(gwerrors.KindRateLimited, "bedrock "+operation, err).WithRetryable()
		case respErr.HTTPStatusCode() >= http.StatusInternalServerError:
			return gwerrors.Wrap(gwerrors.KindUpstream, "bedrock "+operation, err).WithRetryable()
		}
	}
	return gwerrors.Wrap(gwerrors.KindUpstream, "bedrock "+operation, err)
}
