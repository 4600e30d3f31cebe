package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// transportState tracks a plugin transport's lifecycle.
type transportState string

const (
	stateUninitialized transportState = "uninitialized"
	stateConnecting    transportState = "connecting"
	stateReady         transportState = "ready"
	stateDegraded      transportState = "degraded"
	stateClosed        transportState = "closed"
)

const (
	defaultPingInterval     = 30 * time.Second
	defaultConnectTimeout   = 15 * time.Second
	degradedStrikeThreshold = 3
)

type (
	// PluginManager owns the long-lived MCP transports, one per source. A
	// transport is launched on first use, reused across calls and revived
	// lazily after liveness failures mark it degraded.
	PluginManager struct {
		mu         sync.Mutex
		transports map[string]*pluginTransport

		pingInterval   time.Duration
		connectTimeout time.Duration
	}

	// PluginManagerOptions configures the manager.
	PluginManagerOptions struct {
		// PingInterval is the liveness probe cadence. Defaults to 30s.
		PingInterval time.Duration
		// ConnectTimeout bounds transport connect and initialize. Defaults
		// to 15s; a source's plugin config may override per source.
		ConnectTimeout time.Duration
	}

	pluginTransport struct {
		sourceID string
		cfg      catalog.PluginConfig
		connect  time.Duration

		mu      sync.Mutex
		client  *mcpclient.Client
		state   transportState
		strikes int

		stopPing chan struct{}
	}
)

// NewPluginManager builds the plugin transport manager.
func NewPluginManager(opts PluginManagerOptions) *PluginManager {
	ping := opts.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	return &PluginManager{
		transports:     make(map[string]*pluginTransport),
		pingInterval:   ping,
		connectTimeout: connect,
	}
}

// ListPluginTools connects to the source's plugin and normalizes its
// tools/list inventory. It implements the catalog's plugin lister.
func (m *PluginManager) ListPluginTools(ctx context.Context, source *catalog.Source) ([]catalog.Definition, error) {
	t, err := m.transportFor(source)
	if err != nil {
		return nil, err
	}
	result, err := t.listTools(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "list plugin tools for "+source.ID, err).WithRetryable()
	}
	defs := make([]catalog.Definition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		defs = append(defs, normalizePluginTool(tool))
	}
	return defs, nil
}

// Dispatch sends a tools/call through the source's transport and shapes the
// content-part envelope into a Result.
func (m *PluginManager) Dispatch(ctx context.Context, tool *catalog.Tool, source *catalog.Source, args map[string]any, timeout time.Duration) (*Result, error) {
	t, err := m.transportFor(source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := tool.Definition.PluginTool
	if name == "" {
		name = tool.Definition.Name
	}
	resp, err := t.callTool(ctx, name, args)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.Wrap(gwerrors.KindTimeout, fmt.Sprintf("dispatch %s exceeded %s", tool.ID, timeout), err)
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "dispatch "+tool.ID, err).WithRetryable()
	}

	content, err := encodeContentParts(resp.Content)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "decode plugin result for "+tool.ID, err)
	}
	result := &Result{Result: content}
	if resp.IsError {
		result.Status = StatusFailed
		result.Error = firstText(resp.Content)
		if result.Error == "" {
			result.Error = "plugin reported an error"
		}
	} else {
		result.Status = StatusCompleted
	}
	return result, nil
}

// Close shuts down every transport. Used on gateway shutdown and when a
// source is deleted.
func (m *PluginManager) Close() {
	m.mu.Lock()
	transports := make([]*pluginTransport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.transports = make(map[string]*pluginTransport)
	m.mu.Unlock()

	for _, t := range transports {
		t.close()
	}
}

// CloseSource shuts down the transport for one source, if any.
func (m *PluginManager) CloseSource(sourceID string) {
	m.mu.Lock()
	t := m.transports[sourceID]
	delete(m.transports, sourceID)
	m.mu.Unlock()
	if t != nil {
		t.close()
	}
}

func (m *PluginManager) transportFor(source *catalog.Source) (*pluginTransport, error) {
	if source.Attrs.Plugin == nil {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "source %s has no plugin configuration", source.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transports[source.ID]; ok {
		return t, nil
	}
	connect := source.Attrs.Plugin.ConnectTimeout
	if connect <= 0 {
		connect = m.connectTimeout
	}
	t := &pluginTransport{
		sourceID: source.ID,
		cfg:      *source.Attrs.Plugin,
		connect:  connect,
		state:    stateUninitialized,
		stopPing: make(chan struct{}),
	}
	m.transports[source.ID] = t
	go t.livenessLoop(m.pingInterval)
	return t, nil
}

// ensureConnected launches or revives the transport. The transport mutex
// serializes connect and reconnect; tools/call itself runs outside the lock.
func (t *pluginTransport) ensureConnected(ctx context.Context) (*mcpclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateReady:
		return t.client, nil
	case stateClosed:
		return nil, gwerrors.Newf(gwerrors.KindInvalidState, "plugin transport for source %s is closed", t.sourceID)
	case stateDegraded:
		// Lazy reconnect: drop the dead client and fall through to spawn.
		t.teardownLocked()
	}

	t.state = stateConnecting
	client, err := t.spawnLocked(ctx)
	if err != nil {
		t.state = stateUninitialized
		return nil, err
	}
	t.client = client
	t.state = stateReady
	t.strikes = 0
	return client, nil
}

func (t *pluginTransport) spawnLocked(ctx context.Context) (*mcpclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, t.connect)
	defer cancel()

	var (
		c   *mcpclient.Client
		err error
	)
	if t.cfg.Command != "" {
		c, err = mcpclient.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	} else if t.cfg.URL != "" {
		c, err = mcpclient.NewStreamableHttpClient(t.cfg.URL)
	} else {
		return nil, gwerrors.Newf(gwerrors.KindValidation, "plugin config for source %s has neither command nor url", t.sourceID)
	}
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "create plugin client for "+t.sourceID, err).WithRetryable()
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "start plugin for "+t.sourceID, err).WithRetryable()
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentgate", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "initialize plugin for "+t.sourceID, err).WithRetryable()
	}
	return c, nil
}

func (t *pluginTransport) listTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	client, err := t.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.recordFailure()
		return nil, err
	}
	t.recordSuccess()
	return result, nil
}

// callTool invokes tools/call, retrying once after a reconnect when the
// transport appears to have died under us.
func (t *pluginTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	client, err := t.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := client.CallTool(ctx, req)
	if err == nil {
		t.recordSuccess()
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// One respawn attempt on connection loss.
	t.markDegraded()
	client, rerr := t.ensureConnected(ctx)
	if rerr != nil {
		return nil, err
	}
	resp, err = client.CallTool(ctx, req)
	if err != nil {
		t.recordFailure()
		return nil, err
	}
	t.recordSuccess()
	return resp, nil
}

func (t *pluginTransport) livenessLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopPing:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		client := t.client
		ready := t.state == stateReady
		t.mu.Unlock()
		if !ready {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := client.ListTools(ctx, mcp.ListToolsRequest{})
		cancel()
		if err != nil {
			t.recordFailure()
			continue
		}
		t.recordSuccess()
	}
}

func (t *pluginTransport) recordSuccess() {
	t.mu.Lock()
	t.strikes = 0
	t.mu.Unlock()
}

func (t *pluginTransport) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateReady {
		return
	}
	t.strikes++
	if t.strikes >= degradedStrikeThreshold {
		log.Info(context.Background(),
			log.KV{K: "msg", V: "plugin transport degraded"},
			log.KV{K: "source_id", V: t.sourceID},
			log.KV{K: "strikes", V: t.strikes},
		)
		t.teardownLocked()
		t.state = stateDegraded
	}
}

func (t *pluginTransport) markDegraded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateReady {
		t.teardownLocked()
		t.state = stateDegraded
	}
}

func (t *pluginTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return
	}
	close(t.stopPing)
	t.teardownLocked()
	t.state = stateClosed
}

func (t *pluginTransport) teardownLocked() {
	if t.client != nil {
		_ = t.client.Close()
		t.client = nil
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// normalizePluginTool lowers an MCP tool descriptor into the catalog's
// normalized definition form.
func normalizePluginTool(tool mcp.Tool) catalog.Definition {
	def := catalog.Definition{
		Name:        tool.Name,
		Description: tool.Description,
		Profile:     catalog.ExecutionProfile{Mode: catalog.ExecutePlugin},
		PluginTool:  tool.Name,
	}
	schema := catalog.InputSchema{Type: tool.InputSchema.Type}
	if schema.Type == "" {
		schema.Type = "object"
	}
	if len(tool.InputSchema.Properties) > 0 {
		schema.Properties = make(map[string]catalog.PropertySchema, len(tool.InputSchema.Properties))
		for name, raw := range tool.InputSchema.Properties {
			prop, ok := raw.(map[string]any)
			if !ok {
				schema.Properties[name] = catalog.PropertySchema{}
				continue
			}
			ps := catalog.PropertySchema{}
			if s, ok := prop["type"].(string); ok {
				ps.Type = s
			}
			if s, ok := prop["description"].(string); ok {
				ps.Description = s
			}
			if enum, ok := prop["enum"].([]any); ok {
				for _, e := range enum {
					if s, ok := e.(string); ok {
						ps.Enum = append(ps.Enum, s)
					}
				}
			}
			schema.Properties[name] = ps
		}
	}
	schema.Required = append(schema.Required, tool.InputSchema.Required...)
	def.InputSchema = schema
	return def
}

// encodeContentParts serializes the MCP content envelope as a JSON array so
// the model loop receives ordered parts.
func encodeContentParts(content []mcp.Content) (json.RawMessage, error) {
	parts := make([]map[string]any, 0, len(content))
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok {
			parts = append(parts, map[string]any{"type": "text", "text": text.Text})
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		parts = append(parts, generic)
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
