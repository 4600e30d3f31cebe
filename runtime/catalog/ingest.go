package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

type (
	// PluginLister fetches the tool inventory of an MCP source. The execution
	// pipeline's plugin manager implements it over a live transport.
	PluginLister interface {
		ListPluginTools(ctx context.Context, source *Source) ([]Definition, error)
	}

	// Ingestor refreshes source inventories: fetch the descriptor, normalize
	// operations into tool definitions, and reconcile the source's tool
	// aggregates with discovered/updated/deprecated/restored events.
	Ingestor struct {
		repo           *eventstore.Repository
		reader         Reader
		httpClient     *http.Client
		plugins        PluginLister
		defaultTimeout time.Duration
	}

	// IngestorOptions configures the ingestor.
	IngestorOptions struct {
		// Repository commits catalog aggregate events. Required.
		Repository *eventstore.Repository
		// Reader enumerates the source's current tools. Required.
		Reader Reader
		// HTTPClient fetches OpenAPI documents. Defaults to a 30s-timeout client.
		HTTPClient *http.Client
		// Plugins lists tools of MCP sources. Required for mcp_* kinds.
		Plugins PluginLister
		// DefaultToolTimeout is stamped on tools whose source declares none.
		DefaultToolTimeout time.Duration
	}

	// RefreshResult summarizes an inventory sync.
	RefreshResult struct {
		SourceID   string
		Discovered []string
		Updated    []string
		Deprecated []string
		Restored   []string
		ToolCount  int
		Health     Health
	}
)

// NewIngestor builds an ingestor.
func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if opts.Reader == nil {
		return nil, fmt.Errorf("catalog reader is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.DefaultToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ingestor{
		repo:           opts.Repository,
		reader:         opts.Reader,
		httpClient:     httpClient,
		plugins:        opts.Plugins,
		defaultTimeout: timeout,
	}, nil
}

// Refresh syncs one source's inventory. Fetch failures mark the source
// unhealthy without touching its tools; a successful sync reconciles every
// tool and records the new inventory hash on the source.
func (i *Ingestor) Refresh(ctx context.Context, sourceID string, meta eventstore.Metadata) (*RefreshResult, error) {
	source, err := i.reader.Source(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	defs, err := i.fetchDefinitions(ctx, source)
	if err != nil {
		log.Error(ctx, err,
			log.KV{K: "msg", V: "source inventory fetch failed"},
			log.KV{K: "source_id", V: sourceID},
		)
		if _, recErr := i.recordSync(ctx, sourceID, source.InventoryHash, source.ToolCount, HealthUnhealthy, meta); recErr != nil {
			return nil, recErr
		}
		return nil, gwerrors.Wrap(gwerrors.KindUpstream, "fetch source inventory", err)
	}

	result := &RefreshResult{SourceID: sourceID, Health: HealthHealthy}
	present := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		def := def
		if def.Profile.Timeout <= 0 {
			def.Profile.Timeout = i.defaultTimeout
		}
		if source.Attrs.AuthMode == AuthTokenExchange && def.Profile.RequiredAudience == "" {
			def.Profile.RequiredAudience = source.Attrs.DefaultAudience
		}
		toolID := ToolID(sourceID, def.Name)
		present[toolID] = struct{}{}

		tool := NewTool(toolID)
		events, err := i.repo.Execute(ctx, tool, true, meta, func() ([]eventstore.Change, error) {
			if tool.Version() == 0 {
				return tool.Discover(sourceID, source.Attrs.Name, def, []string{string(source.Attrs.Kind)})
			}
			return tool.Refresh(def)
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile tool %s: %w", toolID, err)
		}
		for _, evt := range events {
			switch evt.Type {
			case EventToolDiscovered:
				result.Discovered = append(result.Discovered, toolID)
			case EventToolUpdated:
				result.Updated = append(result.Updated, toolID)
			case EventToolRestored:
				result.Restored = append(result.Restored, toolID)
			}
		}
	}

	// Tools previously present and now missing are deprecated; they remain
	// queryable for audit but leave every group manifest.
	existing, err := i.reader.ListSourceTools(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	for _, tool := range existing {
		if _, ok := present[tool.ID]; ok {
			continue
		}
		agg := NewTool(tool.ID)
		events, err := i.repo.Execute(ctx, agg, false, meta, func() ([]eventstore.Change, error) {
			return agg.Deprecate()
		})
		if err != nil {
			return nil, fmt.Errorf("deprecate tool %s: %w", tool.ID, err)
		}
		if len(events) > 0 {
			result.Deprecated = append(result.Deprecated, tool.ID)
		}
	}

	result.ToolCount = len(defs)
	inventoryHash := hashInventory(defs)
	if _, err := i.recordSync(ctx, sourceID, inventoryHash, len(defs), HealthHealthy, meta); err != nil {
		return nil, err
	}
	log.Info(ctx,
		log.KV{K: "msg", V: "source inventory refreshed"},
		log.KV{K: "source_id", V: sourceID},
		log.KV{K: "tools", V: len(defs)},
		log.KV{K: "discovered", V: len(result.Discovered)},
		log.KV{K: "updated", V: len(result.Updated)},
		log.KV{K: "deprecated", V: len(result.Deprecated)},
		log.KV{K: "restored", V: len(result.Restored)},
	)
	return result, nil
}

// DeprecateAll marks every tool of a source deprecated. Called when the
// source is deleted.
func (i *Ingestor) DeprecateAll(ctx context.Context, sourceID string, meta eventstore.Metadata) error {
	tools, err := i.reader.ListSourceTools(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, tool := range tools {
		agg := NewTool(tool.ID)
		if _, err := i.repo.Execute(ctx, agg, false, meta, func() ([]eventstore.Change, error) {
			return agg.Deprecate()
		}); err != nil {
			return fmt.Errorf("deprecate tool %s: %w", tool.ID, err)
		}
	}
	return nil
}

func (i *Ingestor) fetchDefinitions(ctx context.Context, source *Source) ([]Definition, error) {
	switch source.Attrs.Kind {
	case SourceOpenAPI, SourceWorkflow:
		return i.fetchOpenAPI(ctx, source)
	case SourceMCPPlugin, SourceMCPRemote:
		if i.plugins == nil {
			return nil, fmt.Errorf("no plugin lister configured")
		}
		return i.plugins.ListPluginTools(ctx, source)
	default:
		return nil, fmt.Errorf("unknown source kind %q", source.Attrs.Kind)
	}
}

func (i *Ingestor) fetchOpenAPI(ctx context.Context, source *Source) ([]Definition, error) {
	specURL := source.Attrs.SpecURL
	if specURL == "" {
		specURL = strings.TrimSuffix(source.Attrs.BaseURL, "/") + "/openapi.json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build spec request: %w", err)
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch spec %s: %w", specURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch spec %s: status %d", specURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read spec body: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode openapi document: %w", err)
	}
	return NormalizeOpenAPI(doc, i.defaultTimeout)
}

func (i *Ingestor) recordSync(ctx context.Context, sourceID, inventoryHash string, toolCount int, health Health, meta eventstore.Metadata) ([]eventstore.Event, error) {
	source := NewSource(sourceID)
	return i.repo.Execute(ctx, source, false, meta, func() ([]eventstore.Change, error) {
		return source.RecordSync(inventoryHash, toolCount, health)
	})
}

// hashInventory fingerprints a normalized inventory by hashing the sorted
// per-tool definition hashes.
func hashInventory(defs []Definition) string {
	hashes := make([]string, 0, len(defs))
	for _, def := range defs {
		hashes = append(hashes, HashDefinition(def))
	}
	sort.Strings(hashes)
	sum := sha256.Sum256([]byte(strings.Join(hashes, "\n")))
	return hex.EncodeToString(sum[:])
}
