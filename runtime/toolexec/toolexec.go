// Package toolexec implements the tool execution pipeline: descriptor lookup,
// argument schema validation, delegated-identity token acquisition and
// transport dispatch. It is the only code that holds and delegates the
// caller's credential.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// Status is the unified outcome of a dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const defaultToolTimeout = 30 * time.Second

type (
	// Request carries one tool invocation through the pipeline.
	Request struct {
		// ToolID is the composite "{source_id}:{operation_id}" id.
		ToolID string
		// Arguments is the JSON object produced by the model.
		Arguments json.RawMessage
		// Claims are the caller's verified token claims.
		Claims auth.Claims
		// CallerToken is the caller's raw bearer credential, delegated
		// upstream according to the source's auth mode.
		CallerToken string
		// SkipValidation bypasses schema validation. Used by trusted
		// internal callers only.
		SkipValidation bool
	}

	// Result is the unified dispatch outcome fed back to the model loop.
	Result struct {
		ToolID          string          `json:"tool_id"`
		Status          Status          `json:"status"`
		Result          json.RawMessage `json:"result,omitempty"`
		Error           string          `json:"error,omitempty"`
		UpstreamStatus  int             `json:"upstream_status,omitempty"`
		ExecutionTimeMS int64           `json:"execution_time_ms"`
	}

	// Authorizer decides tool visibility for a caller. Satisfied by
	// *catalog.Resolver.
	Authorizer interface {
		Authorize(ctx context.Context, claims auth.Claims, toolID string) error
	}

	// TokenExchanger trades the caller token for an audience-scoped one.
	// Satisfied by *auth.Exchanger.
	TokenExchanger interface {
		Exchange(ctx context.Context, subject, subjectToken, audience string, requestedScopes []string) (string, error)
	}

	// Options configures the pipeline.
	Options struct {
		// Catalog resolves tool and source descriptors. Required.
		Catalog catalog.Reader
		// Authorizer enforces access policies. Required.
		Authorizer Authorizer
		// Exchanger performs RFC 8693 exchange for token_exchange sources.
		// Optional; sources requiring exchange fail without it.
		Exchanger TokenExchanger
		// HTTP dispatches openapi/workflow tools. Required.
		HTTP *HTTPTransport
		// Plugins dispatches mcp_plugin/mcp_remote tools. Optional.
		Plugins *PluginManager
		// DefaultTimeout bounds dispatches whose profile sets none.
		DefaultTimeout time.Duration
	}

	// Pipeline executes tool calls.
	Pipeline struct {
		catalog        catalog.Reader
		authorizer     Authorizer
		exchanger      TokenExchanger
		http           *HTTPTransport
		plugins        *PluginManager
		defaultTimeout time.Duration
		schemas        *schemaCache
	}
)

// NewPipeline builds the execution pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog reader is required")
	}
	if opts.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if opts.HTTP == nil {
		return nil, errors.New("http transport is required")
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &Pipeline{
		catalog:        opts.Catalog,
		authorizer:     opts.Authorizer,
		exchanger:      opts.Exchanger,
		http:           opts.HTTP,
		plugins:        opts.Plugins,
		defaultTimeout: timeout,
		schemas:        newSchemaCache(),
	}, nil
}

// Execute runs the pipeline phases in order. Lookup, authorization,
// validation and token acquisition failures return an error; once dispatch
// starts, upstream failures are shaped into a failed Result instead so the
// model loop can react to them.
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	tool, source, err := p.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	args, err := p.decodeArguments(req, tool)
	if err != nil {
		return nil, err
	}

	bearer, err := p.acquireCredential(ctx, req, tool, source)
	if err != nil {
		return nil, err
	}

	timeout := tool.Definition.Profile.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	start := time.Now()
	result, err := p.dispatch(ctx, tool, source, args, bearer, timeout)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		log.Error(ctx, err,
			log.KV{K: "tool_id", V: tool.ID},
			log.KV{K: "source_id", V: source.ID},
			log.KV{K: "elapsed_ms", V: elapsed},
		)
		return &Result{
			ToolID:          tool.ID,
			Status:          StatusFailed,
			Error:           err.Error(),
			ExecutionTimeMS: elapsed,
		}, nil
	}
	result.ToolID = tool.ID
	result.ExecutionTimeMS = elapsed
	return result, nil
}

func (p *Pipeline) lookup(ctx context.Context, req Request) (*catalog.Tool, *catalog.Source, error) {
	if req.ToolID == "" {
		return nil, nil, gwerrors.New(gwerrors.KindValidation, "tool id is required")
	}
	tool, err := p.catalog.Tool(ctx, req.ToolID)
	if err != nil {
		return nil, nil, err
	}
	if !tool.Callable() {
		return nil, nil, gwerrors.Newf(gwerrors.KindNotFound, "tool %s is disabled", req.ToolID)
	}
	if err := p.authorizer.Authorize(ctx, req.Claims, req.ToolID); err != nil {
		return nil, nil, err
	}
	source, err := p.catalog.Source(ctx, tool.SourceID)
	if err != nil {
		return nil, nil, err
	}
	if !source.Enabled {
		return nil, nil, gwerrors.Newf(gwerrors.KindNotFound, "source %s is disabled", source.ID)
	}
	return tool, source, nil
}

func (p *Pipeline) decodeArguments(req Request, tool *catalog.Tool) (map[string]any, error) {
	raw := req.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindValidation, "arguments must be a JSON object", err)
	}
	if !req.SkipValidation {
		if err := p.schemas.validate(tool, args); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// acquireCredential returns the bearer to attach upstream: the exchanged
// token for token_exchange sources, the caller's own token for passthrough,
// and nothing for unauthenticated sources.
func (p *Pipeline) acquireCredential(ctx context.Context, req Request, tool *catalog.Tool, source *catalog.Source) (string, error) {
	switch source.Attrs.AuthMode {
	case catalog.AuthNone:
		return "", nil
	case catalog.AuthPassthrough:
		return req.CallerToken, nil
	case catalog.AuthTokenExchange:
		audience := tool.Definition.Profile.RequiredAudience
		if audience == "" {
			audience = source.Attrs.DefaultAudience
		}
		if audience == "" {
			// No audience means the source never configured delegation.
			return req.CallerToken, nil
		}
		if p.exchanger == nil {
			return "", gwerrors.New(gwerrors.KindTokenExchange, "token exchange is not configured")
		}
		return p.exchanger.Exchange(ctx, req.Claims.Subject(), req.CallerToken, audience, source.Attrs.RequiredScopes)
	default:
		return "", gwerrors.Newf(gwerrors.KindInternal, "unknown auth mode %q", source.Attrs.AuthMode)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, tool *catalog.Tool, source *catalog.Source, args map[string]any, bearer string, timeout time.Duration) (*Result, error) {
	switch tool.Definition.Profile.Mode {
	case catalog.ExecuteHTTP:
		return p.http.Dispatch(ctx, tool, source, args, bearer, timeout)
	case catalog.ExecutePlugin:
		if p.plugins == nil {
			return nil, gwerrors.New(gwerrors.KindInternal, "plugin transport is not configured")
		}
		return p.plugins.Dispatch(ctx, tool, source, args, timeout)
	default:
		return nil, gwerrors.Newf(gwerrors.KindInternal, "unknown execution mode %q", tool.Definition.Profile.Mode)
	}
}
