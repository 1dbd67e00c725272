// Package cache provides a semantic response cache for text and chat
// operations. Lookups try an exact key match first, then embedding
// similarity above the configured threshold.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/lanternhq/modelgate/internal/models"

	"github.com/botirk38/semanticcache"
	semanticoptions "github.com/botirk38/semanticcache/options"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// TierExact marks a hit on the exact prompt key.
	TierExact = "semantic_exact"
	// TierSimilar marks a hit via embedding similarity.
	TierSimilar = "semantic_similar"

	defaultSemanticThreshold = 0.99
	defaultCapacity          = 1000

	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds prompt cache settings.
type Config struct {
	Enabled           bool    `yaml:"enabled"`
	Backend           string  `yaml:"backend"`
	RedisURL          string  `yaml:"redis_url"`
	Capacity          int     `yaml:"capacity"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	EmbeddingModel    string  `yaml:"embedding_model"`
	SemanticThreshold float64 `yaml:"semantic_threshold"`
}

// PromptCache caches normalized results keyed by prompt text. It satisfies
// the gateway's ResponseCache dependency.
type PromptCache struct {
	client    *redis.Client
	semantic  *semanticcache.SemanticCache[string, models.NormalizedResult]
	threshold float32
}

// New creates a prompt cache from config. A disabled config or a missing
// embedding key yields (nil, nil) so callers can wire the cache
// unconditionally.
func New(cfg Config) (*PromptCache, error) {
	if !cfg.Enabled || cfg.OpenAIAPIKey == "" {
		fiberlog.Info("PromptCache: disabled")
		return nil, nil
	}

	threshold := cfg.SemanticThreshold
	if threshold <= 0 || threshold > 1 {
		fiberlog.Warnf("PromptCache: invalid threshold %.2f, using default %.2f", cfg.SemanticThreshold, defaultSemanticThreshold)
		threshold = defaultSemanticThreshold
	}

	embedModel := cfg.EmbeddingModel
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}

	pc := &PromptCache{threshold: float32(threshold)}

	var err error
	switch backend {
	case BackendMemory:
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = defaultCapacity
		}
		fiberlog.Debugf("PromptCache: in-memory LRU backend, capacity=%d", capacity)
		pc.semantic, err = semanticcache.New(
			semanticoptions.WithOpenAIProvider[string, models.NormalizedResult](cfg.OpenAIAPIKey, embedModel),
			semanticoptions.WithLRUBackend[string, models.NormalizedResult](capacity),
		)

	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis URL not set for redis cache backend")
		}
		redisOpts, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", parseErr)
		}
		pc.client = redis.NewClient(redisOpts)
		fiberlog.Debugf("PromptCache: redis backend at %s", redisOpts.Addr)
		pc.semantic, err = semanticcache.New(
			semanticoptions.WithOpenAIProvider[string, models.NormalizedResult](cfg.OpenAIAPIKey, embedModel),
			semanticoptions.WithRedisBackend[string, models.NormalizedResult](cfg.RedisURL, 0),
		)

	default:
		return nil, fmt.Errorf("unsupported cache backend: %s (supported: %s, %s)", backend, BackendRedis, BackendMemory)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create semantic cache: %w", err)
	}

	fiberlog.Infof("PromptCache: initialized (backend=%s, threshold=%.2f)", backend, threshold)
	return pc, nil
}

// Lookup returns a cached result for the key, reporting which tier matched.
func (pc *PromptCache) Lookup(ctx context.Context, key, requestID string) (*models.NormalizedResult, string, bool) {
	if hit, found, err := pc.semantic.Get(ctx, key); found && err == nil {
		fiberlog.Debugf("[%s] PromptCache: exact hit", requestID)
		return &hit, TierExact, true
	} else if err != nil {
		fiberlog.Errorf("[%s] PromptCache: exact lookup failed: %v", requestID, err)
	}

	if match, err := pc.semantic.Lookup(ctx, key, pc.threshold); err == nil && match != nil {
		fiberlog.Debugf("[%s] PromptCache: similarity hit", requestID)
		return &match.Value, TierSimilar, true
	} else if err != nil {
		fiberlog.Errorf("[%s] PromptCache: similarity lookup failed: %v", requestID, err)
	}

	return nil, "", false
}

// StoreAsync writes the result in the background. Cache write failures are
// logged and swallowed; they must never fail the request that produced the
// result.
func (pc *PromptCache) StoreAsync(ctx context.Context, key, requestID string, result models.NormalizedResult) {
	go func() {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := pc.semantic.Set(storeCtx, key, key, result); err != nil {
			fiberlog.Errorf("[%s] PromptCache: store failed: %v", requestID, err)
		}
	}()
}

// Ping verifies the redis backend is reachable. Memory-backed caches always
// report healthy.
func (pc *PromptCache) Ping(ctx context.Context) error {
	if pc.client == nil {
		return nil
	}
	return pc.client.Ping(ctx).Err()
}

// Close releases the redis connection, if any.
func (pc *PromptCache) Close() error {
	if pc.client == nil {
		return nil
	}
	return pc.client.Close()
}
