package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/config"
	"replybot/pkg/conversation"
	"replybot/pkg/dispatch"
	"replybot/pkg/gateway"
	"replybot/pkg/normalize"
	"replybot/pkg/pipeline"
	"replybot/pkg/provider"
	provideropenai "replybot/pkg/provider/openai"
	providertypes "replybot/pkg/provider/types"
	"replybot/pkg/reply"
	"replybot/pkg/retrieval"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 2 * time.Second

// runtime is everything one process needs to run the pipeline.
type runtime struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	normalizer   *normalize.Normalizer
	orchestrator *pipeline.Orchestrator
	provider     provider.Client
	closers      []io.Closer
	log          *slog.Logger
}

// buildRuntime wires the pipeline from configuration. Optional collaborators
// that are missing or unreachable degrade the pipeline instead of failing it.
func buildRuntime(ctx context.Context, cfg *config.Config, sender dispatch.Sender, log *slog.Logger) (*runtime, error) {
	rt := &runtime{
		cfg: cfg,
		bus: bus.NewMessageBusWithSize(cfg.Gateway.QueueSize),
		log: log,
	}

	rt.normalizer = normalize.New(cfg.Pipeline.DefaultCountryCode,
		normalize.WithShapes(append(normalize.DefaultShapes(), normalize.BridgeShape())...),
		normalize.WithLogger(log),
	)

	client, err := provider.New(cfg)
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		log.Warn("No generation provider configured, every reply uses the fallback text")
	case err != nil:
		log.Error("Generation provider unavailable, every reply uses the fallback text", "provider", cfg.Generation.Provider, "error", err)
	default:
		rt.provider = client
	}

	var completer provider.Completer
	if rt.provider != nil {
		completer = rt.provider
	}
	generator, err := reply.NewGenerator(completer, reply.Options{
		FallbackText: cfg.Pipeline.FallbackReplyText,
		SystemPrompt: cfg.Generation.SystemPrompt,
		Sampling: providertypes.SamplingConfig{
			Model:       cfg.Generation.Model,
			Temperature: cfg.Generation.Temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
		},
		Timeout:           cfg.Pipeline.GenerationTimeout(),
		ContextCharBudget: cfg.Pipeline.ContextCharBudget,
		HistoryTurns:      max(0, cfg.Pipeline.MaxConversationTurns),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configure reply generator: %w", err)
	}

	searcher := rt.buildSearcher()
	retriever := retrieval.NewRetriever(searcher, retrieval.Options{
		TopK:    cfg.Pipeline.TopK,
		Timeout: cfg.Pipeline.RetrievalTimeout(),
	}, log)

	rdb := rt.connectRedis(ctx)
	conversations := conversation.New(conversation.Options{
		MaxTurns: cfg.Pipeline.MaxConversationTurns,
		MaxKeys:  cfg.Pipeline.MaxConversationKeys,
		TTL:      time.Duration(cfg.Cache.Redis.TTLHours) * time.Hour,
	}, rdb, log)

	dedupe, err := rt.buildDedupe(rdb)
	if err != nil {
		rt.Close()
		return nil, err
	}

	dispatcher := dispatch.New(sender, dispatch.Options{
		MaxAttempts:    cfg.Pipeline.MaxDeliveryAttempts,
		Backoff:        dispatch.Backoff{Base: cfg.Pipeline.BackoffBase(), Cap: cfg.Pipeline.BackoffCap()},
		AttemptTimeout: cfg.Pipeline.DeliveryTimeout(),
		RatePerSecond:  cfg.Pipeline.SendRatePerSecond,
		Dedupe:         dedupe,
	}, log)

	rt.orchestrator, err = pipeline.New(pipeline.Deps{
		Normalizer:    rt.normalizer,
		Retriever:     retriever,
		Generator:     generator,
		Conversations: conversations,
		Dispatcher:    dispatcher,
		Bus:           rt.bus,
	}, pipeline.Options{
		Timeout:             cfg.Pipeline.PipelineTimeout(),
		RecordFallbackTurns: cfg.Pipeline.RecordFallbackTurns,
	}, log)
	if err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// buildSearcher returns nil when retrieval is not configured; the retriever
// then reports every lookup as degraded.
func (rt *runtime) buildSearcher() retrieval.Searcher {
	qcfg := rt.cfg.Retrieval.Qdrant
	if strings.TrimSpace(qcfg.Collection) == "" {
		rt.log.Info("Retrieval disabled, no qdrant collection configured")
		return nil
	}

	sdk, err := provideropenai.NewSDKClient(rt.cfg.Providers.OpenAI)
	if err != nil {
		rt.log.Warn("Retrieval disabled, embeddings client unavailable", "error", err)
		return nil
	}

	searcher, err := retrieval.NewQdrantSearcher(retrieval.QdrantOptions{
		Host:       qcfg.Host,
		Port:       qcfg.Port,
		APIKey:     envValue(qcfg.APIKeyEnv),
		UseTLS:     qcfg.UseTLS,
		Collection: qcfg.Collection,
		TextField:  qcfg.TextField,
	}, retrieval.NewOpenAIEmbedder(sdk, rt.cfg.Retrieval.EmbeddingModel), rt.log)
	if err != nil {
		rt.log.Warn("Retrieval disabled, qdrant client unavailable", "error", err)
		return nil
	}

	rt.closers = append(rt.closers, searcher)
	return searcher
}

// connectRedis returns a client only when an address is set and answers PING.
func (rt *runtime) connectRedis(ctx context.Context) *redis.Client {
	rcfg := rt.cfg.Cache.Redis
	if strings.TrimSpace(rcfg.Addr) == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     rcfg.Addr,
		Password: envValue(rcfg.PasswordEnv),
		DB:       rcfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rt.log.Warn("Redis unreachable, using in-process state", "addr", rcfg.Addr, "error", err)
		_ = rdb.Close()
		return nil
	}

	rt.closers = append(rt.closers, rdb)
	return rdb
}

func (rt *runtime) buildDedupe(rdb *redis.Client) (dispatch.DedupeStore, error) {
	retention := rt.cfg.Pipeline.DedupeRetention()

	switch rt.cfg.Dedupe.Backend {
	case "sqlite":
		store, err := dispatch.NewSQLiteDedupe(rt.cfg.Dedupe.SQLitePath, retention)
		if err != nil {
			return nil, fmt.Errorf("open sqlite dedupe store: %w", err)
		}
		rt.closers = append(rt.closers, store)
		return store, nil
	case "redis":
		if rdb == nil {
			rt.log.Warn("Redis dedupe requested but redis is unreachable, using in-process dedupe")
			return dispatch.NewMemoryDedupe(retention), nil
		}
		return dispatch.NewRedisDedupe(rdb, retention), nil
	default:
		return dispatch.NewMemoryDedupe(retention), nil
	}
}

// Close releases network clients and files in reverse order of creation.
func (rt *runtime) Close() {
	rt.bus.Close()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.log.Warn("Failed to close resource", "error", err)
		}
	}
	rt.closers = nil
}

// healthChecker returns the provider as a readiness probe, or nil.
func (rt *runtime) healthChecker() gateway.HealthChecker {
	if rt.provider == nil {
		return nil
	}
	return rt.provider
}

func envValue(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

var _ dispatch.Sender = (*channel.Router)(nil)
