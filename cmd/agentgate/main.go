package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	esmongo "github.com/agentgate/agentgate/features/eventstore/mongo"
	"github.com/agentgate/agentgate/features/model/anthropic"
	"github.com/agentgate/agentgate/features/model/bedrock"
	"github.com/agentgate/agentgate/features/model/middleware"
	"github.com/agentgate/agentgate/features/model/openai"
	modelregistry "github.com/agentgate/agentgate/features/model/registry"
	pulsefeat "github.com/agentgate/agentgate/features/stream/pulse"
	clientspulse "github.com/agentgate/agentgate/features/stream/pulse/clients/pulse"
	"github.com/agentgate/agentgate/gateway"
	"github.com/agentgate/agentgate/gateway/config"
	"github.com/agentgate/agentgate/runtime/auth"
	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/catalog/view"
	"github.com/agentgate/agentgate/runtime/eventstore"
	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/orchestrator"
	"github.com/agentgate/agentgate/runtime/toolexec"
)

func main() {
	var (
		configF = flag.String("config", "agentgate.yaml", "Path to the YAML configuration file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Server.Addr}, log.KV{K: "database", V: cfg.Mongo.Database})

	if err := run(ctx, cfg); err != nil {
		log.Fatalf(ctx, err, "gateway exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Persistence.
	mongoClient, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	store, err := esmongo.New(esmongo.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	conversations, err := esmongo.NewConversationProjection(mongoClient, cfg.Mongo.Database, "conversations", 0)
	if err != nil {
		return fmt.Errorf("conversation projection: %w", err)
	}

	catalogView := view.New()
	repo, err := eventstore.NewRepository(store, eventstore.NewProjectionBus(conversations, catalogView))
	if err != nil {
		return fmt.Errorf("event repository: %w", err)
	}
	if err := warmCatalog(ctx, store, catalogView); err != nil {
		return fmt.Errorf("warm catalog view: %w", err)
	}

	// Identity boundary.
	verifier, err := auth.NewVerifier(ctx, auth.VerifierOptions{
		JWKSURL:  cfg.Auth.JWKSURL,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	var exchanger *auth.Exchanger
	if cfg.Auth.TokenURL != "" {
		exchanger, err = auth.NewExchanger(auth.ExchangerOptions{
			Endpoint:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			DefaultTTL:   time.Duration(cfg.Auth.TokenCacheDefaultTTLSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("token exchanger: %w", err)
		}
	}

	// Catalog.
	resolver, err := catalog.NewResolver(catalog.ResolverOptions{
		Reader:      catalogView,
		ManifestTTL: time.Duration(cfg.Tools.ManifestCacheTTLSeconds) * time.Second,
		AccessTTL:   time.Duration(cfg.Tools.AccessCacheTTLSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("access resolver: %w", err)
	}
	plugins := toolexec.NewPluginManager(toolexec.PluginManagerOptions{})
	defer plugins.Close()
	ingestor, err := catalog.NewIngestor(catalog.IngestorOptions{
		Repository:         repo,
		Reader:             catalogView,
		Plugins:            plugins,
		DefaultToolTimeout: cfg.ToolTimeout(),
	})
	if err != nil {
		return fmt.Errorf("ingestor: %w", err)
	}

	var redisClient *redis.Client
	invalidators := []catalog.Invalidator{resolver}
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
		pulseClient, perr := clientspulse.New(clientspulse.Options{Redis: redisClient})
		if perr != nil {
			return fmt.Errorf("pulse client: %w", perr)
		}
		broadcaster, perr := pulsefeat.NewBroadcaster(pulseClient)
		if perr != nil {
			return fmt.Errorf("invalidation broadcaster: %w", perr)
		}
		invalidators = append(invalidators, broadcaster)
		listener, perr := pulsefeat.NewListener(pulsefeat.ListenerOptions{
			Client:   pulseClient,
			SinkName: "agentgate-" + hostname(),
			Targets:  []catalog.Invalidator{resolver},
		})
		if perr != nil {
			return fmt.Errorf("invalidation listener: %w", perr)
		}
		go func() {
			if lerr := listener.Run(ctx); lerr != nil && ctx.Err() == nil {
				log.Error(ctx, lerr)
			}
		}()
	}

	catalogSvc, err := catalog.NewService(catalog.ServiceOptions{
		Repository:   repo,
		Reader:       catalogView,
		Ingestor:     ingestor,
		Invalidators: invalidators,
	})
	if err != nil {
		return fmt.Errorf("catalog service: %w", err)
	}

	// Execution pipeline.
	pipelineOpts := toolexec.Options{
		Catalog:        catalogView,
		Authorizer:     resolver,
		HTTP:           toolexec.NewHTTPTransport(toolexec.HTTPTransportOptions{}),
		Plugins:        plugins,
		DefaultTimeout: cfg.ToolTimeout(),
	}
	if exchanger != nil {
		pipelineOpts.Exchanger = exchanger
	}
	pipeline, err := toolexec.NewPipeline(pipelineOpts)
	if err != nil {
		return fmt.Errorf("tool pipeline: %w", err)
	}

	// Models.
	models, err := buildModels(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Repository: repo,
		Access:     resolver,
		Executor:   pipeline,
		Models:     models,
		Config: orchestrator.Config{
			MaxContextMessages:       cfg.Agent.MaxContextMessages,
			MaxIterations:            cfg.Agent.MaxIterations,
			MaxToolCallsPerIteration: cfg.Agent.MaxToolCallsPerIteration,
			TurnTimeout:              cfg.TurnTimeout(),
			StopOnError:              cfg.Agent.StopOnError,
		},
	})
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Orchestrator:  orch,
		Catalog:       catalogSvc,
		Conversations: &conversationLister{projection: conversations},
		Verifier:      verifier,
		Pingers:       []health.Pinger{store},
		Config:        cfg,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           log.HTTP(ctx)(gw.Handler()),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", cfg.Server.Addr)
		errc <- server.ListenAndServe()
	}()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Printf(ctx, "received %s, shutting down", sig)
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	return server.Shutdown(shutdownCtx)
}

// warmCatalog folds persisted catalog streams into the in-memory view.
func warmCatalog(ctx context.Context, store *esmongo.Store, cat *view.Catalog) error {
	for _, aggregateType := range cat.AggregateTypes() {
		if aggregateType == eventstore.AggregateConversation {
			continue
		}
		ids, err := store.AggregateIDs(ctx, aggregateType)
		if err != nil {
			return err
		}
		if err := cat.Warm(ctx, store, aggregateType, ids); err != nil {
			return err
		}
	}
	return nil
}

func buildModels(ctx context.Context, cfg *config.Config, rdb *redis.Client) (*modelregistry.Registry, error) {
	reg := modelregistry.New()
	// Replicated map shared by all limited models; joined lazily so
	// deployments without limits never touch Redis here.
	var limiterMap *rmap.Map
	for _, m := range cfg.Models {
		var (
			client model.Client
			err    error
		)
		switch m.Provider {
		case "openai":
			client, err = openai.NewFromAPIKey(m.APIKey, m.Name)
		case "anthropic":
			client, err = anthropic.NewFromAPIKey(m.APIKey, m.Name)
		case "bedrock":
			var awsCfg aws.Config
			awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(m.Region))
			if err == nil {
				client, err = bedrock.New(bedrock.Options{
					Runtime:      bedrockruntime.NewFromConfig(awsCfg),
					DefaultModel: m.Name,
				})
			}
		default:
			return nil, fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		if m.TokensPerMinute > 0 {
			if limiterMap == nil && rdb != nil {
				limiterMap, err = rmap.Join(ctx, "model-rate-limits", rdb)
				if err != nil {
					return nil, fmt.Errorf("join rate limit map: %w", err)
				}
			}
			limiter := middleware.NewAdaptiveRateLimiter(ctx, limiterMap, m.ID, m.TokensPerMinute, m.MaxTokensPerMinute)
			client = limiter.Middleware()(client)
		}
		if err := reg.Register(m.ID, client); err != nil {
			return nil, err
		}
	}
	if id := cfg.DefaultModel(); id != "" {
		if err := reg.SetDefault(id); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// conversationLister adapts the Mongo read model to the gateway listing.
type conversationLister struct {
	projection *esmongo.ConversationProjection
}

func (l *conversationLister) ListByUser(ctx context.Context, userID string, limit int) ([]gateway.ConversationSummary, error) {
	rows, err := l.projection.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summary := gateway.ConversationSummary{
			ID:           row.ID,
			Title:        row.Title,
			Status:       row.Status,
			AgentDefID:   row.AgentDefID,
			MessageCount: row.MessageCount,
			UpdatedAt:    row.UpdatedAt.Format(time.RFC3339),
		}
		if !row.LastMessageAt.IsZero() {
			summary.LastMessageAt = row.LastMessageAt.Format(time.RFC3339)
		}
		out = append(out, summary)
	}
	return out, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "replica"
	}
	return name
}
