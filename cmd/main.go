package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"

	"chat-orchestrator/handler"
	"chat-orchestrator/internal/cache"
	"chat-orchestrator/internal/cache/redisstore"
	"chat-orchestrator/internal/config"
	"chat-orchestrator/internal/conversation"
	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/integrations/openai"
	"chat-orchestrator/internal/integrations/paramstore"
	"chat-orchestrator/internal/integrations/searxng"
	"chat-orchestrator/internal/integrations/tavily"
	"chat-orchestrator/internal/metrics"
	"chat-orchestrator/internal/repository"
	"chat-orchestrator/internal/retrieval"
	"chat-orchestrator/internal/usecase"
	"chat-orchestrator/internal/vectorstore/memory"
	"chat-orchestrator/internal/vectorstore/qdrant"
	"chat-orchestrator/internal/websearch"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal(logger, "failed to load AWS config", err)
	}

	// ---- Metrics ----
	m := metrics.New(prometheus.NewRegistry())
	if cfg.Metrics.Addr != "" {
		go serveMetrics(logger, cfg.Metrics.Addr, m.Handler())
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal(logger, "failed to create SSM client", err)
	}

	openaiClient, err := openai.NewClient(ssmClient, cfg.AWS.ParamPrefix, cfg.Generation.Model,
		openai.WithBaseURL(cfg.Generation.BaseURL),
		openai.WithEmbeddingModel(cfg.Generation.EmbeddingModel),
	)
	if err != nil {
		fatal(logger, "failed to create OpenAI client", err)
	}

	store, err := newTurnStore(ctx, cfg, awsCfg)
	if err != nil {
		fatal(logger, "failed to create conversation store", err)
	}
	writer, err := conversation.NewWriter(store, conversation.Settings{
		Timeout:     cfg.Conversation.Timeout,
		MaxAttempts: cfg.Conversation.MaxAttempts,
		BaseBackoff: cfg.Conversation.BaseBackoff,
		MaxBackoff:  cfg.Conversation.MaxBackoff,
	}, conversation.WithLogger(logger), conversation.WithRecorder(m))
	if err != nil {
		fatal(logger, "failed to create conversation writer", err)
	}

	responseCache, err := newResponseCache(ctx, cfg.Cache, logger, m)
	if err != nil {
		fatal(logger, "failed to create response cache", err)
	}

	deps := usecase.Dependencies{
		Cache:     responseCache,
		Generator: openaiClient,
		Writer:    writer,
	}
	if deps.Retriever, err = newRetriever(cfg.Retrieval, openaiClient, logger); err != nil {
		fatal(logger, "failed to create retriever", err)
	}
	if deps.Augmenter, err = newAugmenter(cfg, ssmClient, logger, m); err != nil {
		fatal(logger, "failed to create web augmenter", err)
	}

	// ---- Coordinator ----
	opts := []usecase.Option{usecase.WithLogger(logger), usecase.WithRecorder(m)}
	if cfg.Orchestrator.Moderation {
		opts = append(opts, usecase.WithModerator(openaiClient))
	}
	coordinator, err := usecase.NewCoordinator(deps, usecase.Settings{
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
		ModelVersion: cfg.Generation.Model + "/" + cfg.Generation.ConfigVersion,
		Generation: domain.GenerationOptions{
			Temperature: cfg.Generation.Temperature,
			TopP:        cfg.Generation.TopP,
			MaxTokens:   cfg.Generation.MaxTokens,
			Stop:        cfg.Generation.Stop,
			Stream:      cfg.Orchestrator.Stream,
		},
		Retry: usecase.RetrySettings{
			Attempts:    cfg.Generation.Attempts,
			BaseBackoff: cfg.Generation.BaseBackoff,
			MaxBackoff:  cfg.Generation.MaxBackoff,
		},
		TopK:              cfg.Retrieval.TopK,
		ContextBudget:     cfg.Orchestrator.ContextBudget,
		MaxMessageLen:     cfg.Orchestrator.MaxMessageLen,
		RetrievalTimeout:  cfg.Retrieval.Timeout,
		SearchTimeout:     cfg.Search.Timeout,
		GenerationTimeout: cfg.Generation.Timeout,
		CacheTTL:          cfg.Cache.TTL,
		DegradedTTL:       cfg.Cache.DegradedTTL,
		RequiredScope:     cfg.Orchestrator.RequiredScope,
	}, opts...)
	if err != nil {
		fatal(logger, "failed to create coordinator", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(coordinator, handler.WithLogger(logger))
	if err != nil {
		fatal(logger, "failed to create handler", err)
	}

	lambda.StartWithOptions(h.Handle, lambda.WithEnableSIGTERM(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
		defer cancel()
		if err := writer.Close(flushCtx); err != nil {
			logger.Warn("pending turns not flushed before shutdown", "pending", writer.Pending(), "err", err)
		}
	}))
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newTurnStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (conversation.Store, error) {
	switch cfg.Conversation.Backend {
	case config.BackendDynamoDB:
		return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.AWS.StateTable,
			repository.WithRetention(cfg.Conversation.Retention))
	case config.BackendPostgres:
		db, err := repository.OpenPostgres(ctx, cfg.Conversation.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, db, repository.DialectPostgres)
	case config.BackendSQLite:
		db, err := repository.OpenSQLite(ctx, cfg.Conversation.SQLitePath)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, db, repository.DialectSQLite)
	default:
		return nil, fmt.Errorf("unknown conversation backend %q", cfg.Conversation.Backend)
	}
}

func migrated(ctx context.Context, db *sql.DB, dialect repository.Dialect) (*repository.SQLStore, error) {
	store, err := repository.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newResponseCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger, m *metrics.Metrics) (*cache.Cache, error) {
	opts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithRecorder(m),
		cache.WithClaimTiming(cfg.ClaimTTL, 0),
	}
	switch cfg.Backend {
	case config.BackendRedis:
		rs, err := redisstore.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return cache.New(rs, append(opts, cache.WithClaimer(rs))...)
	default:
		backend, err := cache.NewMemoryBackend(cfg.Capacity)
		if err != nil {
			return nil, err
		}
		return cache.New(backend, opts...)
	}
}

// newRetriever returns a nil interface when retrieval is disabled so the
// coordinator leaves the vector source out entirely.
func newRetriever(cfg config.RetrievalConfig, embedder *openai.Client, logger *slog.Logger) (usecase.ContextRetriever, error) {
	var store retrieval.Store
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		s, err := memory.New(embedder)
		if err != nil {
			return nil, err
		}
		store = s
	case config.BackendQdrant:
		s, err := qdrant.New(qdrant.Config{
			URL:        cfg.QdrantURL,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			Collection: cfg.Collection,
			Timeout:    cfg.Timeout,
		}, embedder)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", cfg.Backend)
	}
	return retrieval.New(store, retrieval.WithMinScore(cfg.MinScore), retrieval.WithLogger(logger))
}

func newAugmenter(cfg *config.Config, keys *paramstore.Client, logger *slog.Logger, m *metrics.Metrics) (usecase.WebAugmenter, error) {
	var provider websearch.Provider
	switch cfg.Search.Provider {
	case config.BackendNone, "":
		return nil, nil
	case config.ProviderSearxNG:
		p, err := searxng.NewClient(cfg.Search.SearxNGURL,
			searxng.WithEngines(cfg.Search.Engines),
			searxng.WithLanguage(cfg.Search.Language),
		)
		if err != nil {
			return nil, err
		}
		provider = p
	case config.ProviderTavily:
		p, err := tavily.NewClient(keys, strings.TrimRight(cfg.AWS.ParamPrefix, "/")+"/"+cfg.Search.TavilyKeyName)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.Search.Provider)
	}

	if cfg.Search.CacheSize > 0 {
		cached, err := websearch.NewCachedProvider(provider, cfg.Search.CacheSize, cfg.Search.CacheTTL)
		if err != nil {
			return nil, err
		}
		provider = cached
	}
	return websearch.New(provider, websearch.Settings{
		Threshold:  cfg.Breaker.Threshold,
		Cooldown:   cfg.Breaker.Cooldown,
		Timeout:    cfg.Search.Timeout,
		MaxResults: cfg.Search.MaxResults,
	}, websearch.WithLogger(logger), websearch.WithStateRecorder(m))
}

func serveMetrics(logger *slog.Logger, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener stopped", "addr", addr, "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
