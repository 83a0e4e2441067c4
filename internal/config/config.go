// Package config loads the orchestrator configuration.
//
// Load order, later wins:
//  1. built-in defaults
//  2. optional YAML file
//  3. environment variables (a local .env is loaded first if present)
//
// The returned Config is treated as immutable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in configuration.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendQdrant   = "qdrant"
	BackendNone     = "none"
	ProviderSearxNG = "searxng"
	ProviderTavily  = "tavily"
)

type Config struct {
	AWS          AWSConfig          `yaml:"aws"`
	Generation   GenerationConfig   `yaml:"generation"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Search       SearchConfig       `yaml:"search"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Cache        CacheConfig        `yaml:"cache"`
	Conversation ConversationConfig `yaml:"conversation"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type AWSConfig struct {
	// StateTable is the DynamoDB table for conversation turns.
	StateTable  string `yaml:"state_table"`
	// ParamPrefix prefixes SSM parameter names holding secrets.
	ParamPrefix string `yaml:"param_prefix"`
}

type GenerationConfig struct {
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	BaseURL        string        `yaml:"base_url"`
	Temperature    float64       `yaml:"temperature"`
	TopP           float64       `yaml:"top_p"`
	MaxTokens      int           `yaml:"max_tokens"`
	Stop           []string      `yaml:"stop"`
	Timeout        time.Duration `yaml:"timeout"`
	Attempts       int           `yaml:"attempts"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// ConfigVersion is folded into request fingerprints. Bump it to
	// invalidate cached answers after a prompt or model change.
	ConfigVersion  string        `yaml:"config_version"`
}

type RetrievalConfig struct {
	Backend    string        `yaml:"backend"`
	QdrantURL  string        `yaml:"qdrant_url"`
	Collection string        `yaml:"collection"`
	TopK       int           `yaml:"top_k"`
	MinScore   float64       `yaml:"min_score"`
	Timeout    time.Duration `yaml:"timeout"`
}

type SearchConfig struct {
	Provider      string        `yaml:"provider"`
	SearxNGURL    string        `yaml:"searxng_url"`
	Engines       string        `yaml:"engines"`
	Language      string        `yaml:"language"`
	TavilyKeyName string        `yaml:"tavily_key_name"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxResults    int           `yaml:"max_results"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type BreakerConfig struct {
	Threshold uint32        `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type CacheConfig struct {
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
	Capacity    int           `yaml:"capacity"`
	TTL         time.Duration `yaml:"ttl"`
	DegradedTTL time.Duration `yaml:"degraded_ttl"`
	ClaimTTL    time.Duration `yaml:"claim_ttl"`
}

type ConversationConfig struct {
	Backend     string        `yaml:"backend"`
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Retention   time.Duration `yaml:"retention"`
}

type OrchestratorConfig struct {
	// ContextBudget caps the merged context in characters.
	ContextBudget int    `yaml:"context_budget"`
	MaxMessageLen int    `yaml:"max_message_length"`
	SystemPrompt  string `yaml:"system_prompt"`
	RequiredScope string `yaml:"required_scope"`
	Moderation    bool   `yaml:"moderation"`
	Stream        bool   `yaml:"stream"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Generation: GenerationConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			BaseURL:        "https://api.openai.com",
			Temperature:    0.7,
			TopP:           0.9,
			MaxTokens:      1024,
			Timeout:        60 * time.Second,
			Attempts:       3,
			BaseBackoff:    200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			ConfigVersion:  "v1",
		},
		Retrieval: RetrievalConfig{
			Backend:    BackendNone,
			Collection: "documents",
			TopK:       5,
			MinScore:   0.5,
			Timeout:    2 * time.Second,
		},
		Search: SearchConfig{
			Provider:      BackendNone,
			Engines:       "google,wikipedia,arxiv",
			Language:      "en",
			TavilyKeyName: "tavily-api-key",
			Timeout:       8 * time.Second,
			MaxResults:    5,
			CacheSize:     512,
			CacheTTL:      300 * time.Second,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  60 * time.Second,
		},
		Cache: CacheConfig{
			Backend:     BackendMemory,
			Capacity:    1024,
			TTL:         120 * time.Second,
			DegradedTTL: 30 * time.Second,
			ClaimTTL:    2 * time.Minute,
		},
		Conversation: ConversationConfig{
			Backend:     BackendDynamoDB,
			SQLitePath:  "conversations.db",
			Timeout:     3 * time.Second,
			MaxAttempts: 5,
			BaseBackoff: 250 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			Retention:   30 * 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			ContextBudget: 4096,
			MaxMessageLen: 4000,
			SystemPrompt:  "You are a helpful assistant. Answer using the numbered context when it is relevant and say so when it is not.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	g := c.Generation
	check(strings.TrimSpace(g.Model) != "", "generation.model must not be empty")
	check(g.Temperature >= 0 && g.Temperature <= 2, "generation.temperature must be within [0, 2], got %v", g.Temperature)
	check(g.TopP > 0 && g.TopP <= 1, "generation.top_p must be within (0, 1], got %v", g.TopP)
	check(g.MaxTokens > 0, "generation.max_tokens must be positive")
	check(g.Attempts >= 1, "generation.attempts must be at least 1")
	check(g.Timeout > 0, "generation.timeout must be positive")
	check(g.MaxBackoff >= g.BaseBackoff, "generation.max_backoff must not be below base_backoff")

	r := c.Retrieval
	check(oneOf(r.Backend, BackendMemory, BackendQdrant, BackendNone), "retrieval.backend %q is not supported", r.Backend)
	check(r.Backend != BackendQdrant || r.QdrantURL != "", "retrieval.qdrant_url is required for the qdrant backend")
	check(r.TopK > 0, "retrieval.top_k must be positive")
	check(r.MinScore >= 0 && r.MinScore <= 1, "retrieval.min_score must be within [0, 1]")
	check(r.Timeout > 0, "retrieval.timeout must be positive")

	s := c.Search
	check(oneOf(s.Provider, ProviderSearxNG, ProviderTavily, BackendNone), "search.provider %q is not supported", s.Provider)
	check(s.Provider != ProviderSearxNG || s.SearxNGURL != "", "search.searxng_url is required for the searxng provider")
	check(s.Timeout > 0, "search.timeout must be positive")
	check(s.MaxResults > 0, "search.max_results must be positive")

	check(c.Breaker.Threshold > 0, "breaker.threshold must be positive")
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive")

	ca := c.Cache
	check(oneOf(ca.Backend, BackendMemory, BackendRedis), "cache.backend %q is not supported", ca.Backend)
	check(ca.Backend != BackendRedis || ca.RedisURL != "", "cache.redis_url is required for the redis backend")
	check(ca.Capacity > 0, "cache.capacity must be positive")
	check(ca.TTL > 0, "cache.ttl must be positive")
	check(ca.DegradedTTL > 0 && ca.DegradedTTL <= ca.TTL, "cache.degraded_ttl must be positive and not exceed cache.ttl")

	cv := c.Conversation
	check(oneOf(cv.Backend, BackendDynamoDB, BackendPostgres, BackendSQLite), "conversation.backend %q is not supported", cv.Backend)
	check(cv.Backend != BackendDynamoDB || c.AWS.StateTable != "", "aws.state_table is required for the dynamodb backend")
	check(cv.Backend != BackendPostgres || cv.DatabaseURL != "", "conversation.database_url is required for the postgres backend")
	check(cv.Backend != BackendSQLite || cv.SQLitePath != "", "conversation.sqlite_path is required for the sqlite backend")
	check(cv.MaxAttempts > 0, "conversation.max_attempts must be positive")

	check(c.Orchestrator.ContextBudget > 0, "orchestrator.context_budget must be positive")
	check(c.Orchestrator.MaxMessageLen > 0, "orchestrator.max_message_length must be positive")
	check(oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"), "log.level %q is not supported", c.Log.Level)
	check(oneOf(c.Log.Format, "json", "text"), "log.format %q is not supported", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(string) (string, bool)

// applyEnv overlays environment variables. Unset and empty variables keep the
// current value; malformed values are errors.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("STATE_TABLE", &cfg.AWS.StateTable)
	e.str("PARAM_PREFIX", &cfg.AWS.ParamPrefix)

	e.str("OPENAI_MODEL", &cfg.Generation.Model)
	e.str("OPENAI_EMBEDDING_MODEL", &cfg.Generation.EmbeddingModel)
	e.str("OPENAI_BASE_URL", &cfg.Generation.BaseURL)
	e.float("GENERATION_TEMPERATURE", &cfg.Generation.Temperature)
	e.float("GENERATION_TOP_P", &cfg.Generation.TopP)
	e.int("GENERATION_MAX_TOKENS", &cfg.Generation.MaxTokens)
	e.list("GENERATION_STOP", &cfg.Generation.Stop)
	e.duration("GENERATION_TIMEOUT", &cfg.Generation.Timeout)
	e.int("GENERATION_ATTEMPTS", &cfg.Generation.Attempts)
	e.str("MODEL_CONFIG_VERSION", &cfg.Generation.ConfigVersion)

	e.str("VECTOR_BACKEND", &cfg.Retrieval.Backend)
	e.str("QDRANT_URL", &cfg.Retrieval.QdrantURL)
	e.str("QDRANT_COLLECTION", &cfg.Retrieval.Collection)
	e.int("RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
	e.float("RETRIEVAL_MIN_SCORE", &cfg.Retrieval.MinScore)
	e.duration("RETRIEVAL_TIMEOUT", &cfg.Retrieval.Timeout)

	e.str("SEARCH_PROVIDER", &cfg.Search.Provider)
	e.str("SEARXNG_URL", &cfg.Search.SearxNGURL)
	e.str("SEARCH_ENGINES", &cfg.Search.Engines)
	e.duration("SEARCH_TIMEOUT", &cfg.Search.Timeout)
	e.int("SEARCH_MAX_RESULTS", &cfg.Search.MaxResults)
	e.duration("SEARCH_CACHE_TTL", &cfg.Search.CacheTTL)

	e.uint32("BREAKER_THRESHOLD", &cfg.Breaker.Threshold)
	e.duration("BREAKER_COOLDOWN", &cfg.Breaker.Cooldown)

	e.str("CACHE_BACKEND", &cfg.Cache.Backend)
	e.str("REDIS_URL", &cfg.Cache.RedisURL)
	e.int("CACHE_CAPACITY", &cfg.Cache.Capacity)
	e.duration("CACHE_TTL", &cfg.Cache.TTL)
	e.duration("CACHE_DEGRADED_TTL", &cfg.Cache.DegradedTTL)

	e.str("CONVERSATION_BACKEND", &cfg.Conversation.Backend)
	e.str("DATABASE_URL", &cfg.Conversation.DatabaseURL)
	e.str("SQLITE_PATH", &cfg.Conversation.SQLitePath)
	e.duration("PERSIST_TIMEOUT", &cfg.Conversation.Timeout)
	e.int("PERSIST_MAX_ATTEMPTS", &cfg.Conversation.MaxAttempts)

	e.int("CONTEXT_BUDGET", &cfg.Orchestrator.ContextBudget)
	e.int("MAX_MESSAGE_LENGTH", &cfg.Orchestrator.MaxMessageLen)
	e.str("REQUIRED_SCOPE", &cfg.Orchestrator.RequiredScope)
	e.bool("MODERATION_ENABLED", &cfg.Orchestrator.Moderation)
	e.bool("STREAM_GENERATION", &cfg.Orchestrator.Stream)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)
	e.str("METRICS_ADDR", &cfg.Metrics.Addr)

	if len(e.errs) > 0 {
		return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
	}
	return nil
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint32(key string, dst *uint32) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
