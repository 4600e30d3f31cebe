package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

const maxResponseBody = 8 << 20

// HTTPTransport dispatches openapi/workflow tools. It is stateless; one
// instance serves all sources concurrently.
type HTTPTransport struct {
	client *http.Client
}

// HTTPTransportOptions configures the HTTP dispatcher.
type HTTPTransportOptions struct {
	// Client overrides the default HTTP client. Per-call timeouts come from
	// the tool profile, so the client itself carries none.
	Client *http.Client
}

// NewHTTPTransport builds the HTTP dispatcher.
func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client}
}

// Dispatch builds the upstream request from the tool definition, sends it
// and shapes the response. Arguments are routed by their schema location:
// path parameters substitute {param} placeholders, query parameters join the
// URL, everything else travels in the JSON body.
func (t *HTTPTransport) Dispatch(ctx context.Context, tool *catalog.Tool, source *catalog.Source, args map[string]any, bearer string, timeout time.Duration) (*Result, error) {
	def := tool.Definition
	if source.Attrs.BaseURL == "" {
		return nil, gwerrors.Newf(gwerrors.KindInternal, "source %s has no base url", source.ID)
	}

	target, body, err := buildRequestParts(source.Attrs.BaseURL, def, args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := def.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternal, "encode request body", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "build upstream request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, gwerrors.Wrap(gwerrors.KindTimeout, fmt.Sprintf("dispatch %s exceeded %s", tool.ID, timeout), err)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "dispatch "+tool.ID, err).WithRetryable()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "read upstream response", err)
	}

	result := &Result{UpstreamStatus: resp.StatusCode}
	payload := shapeBody(raw)
	if def.ResponseMapping != "" {
		payload = selectField(payload, def.ResponseMapping)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = StatusCompleted
		result.Result = payload
	} else {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("upstream returned %d", resp.StatusCode)
		result.Result = payload
	}
	return result, nil
}

func buildRequestParts(baseURL string, def catalog.Definition, args map[string]any) (string, map[string]any, error) {
	path := def.PathTemplate
	query := url.Values{}
	var body map[string]any

	for name, value := range args {
		loc := ""
		if prop, ok := def.InputSchema.Properties[name]; ok {
			loc = prop.Location
		}
		switch loc {
		case "path":
			placeholder := "{" + name + "}"
			if !strings.Contains(path, placeholder) {
				return "", nil, gwerrors.Newf(gwerrors.KindValidation, "path template has no placeholder for %q", name)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(argString(value)))
		case "query":
			query.Set(name, argString(value))
		default:
			if body == nil {
				body = make(map[string]any)
			}
			body[name] = value
		}
	}
	if i := strings.Index(path, "{"); i >= 0 {
		return "", nil, gwerrors.Newf(gwerrors.KindValidation, "path template %q has unbound parameters", def.PathTemplate)
	}

	target := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target, body, nil
}

func argString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return strings.Trim(string(raw), `"`)
	}
}

// shapeBody returns the response as JSON: parsed bodies pass through, plain
// text is wrapped in a JSON string.
func shapeBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return json.RawMessage(quoted)
}

// selectField resolves a dotted path into the payload. A missing field
// returns the whole payload unchanged.
func selectField(payload json.RawMessage, path string) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return payload
		}
		next, ok := obj[seg]
		if !ok {
			return payload
		}
		cur = next
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return payload
	}
	return json.RawMessage(raw)
}
