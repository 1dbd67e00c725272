// Package gateway is the public entry point of the routing core. Every
// operation runs the same pipeline: validate, select candidates, break ties,
// then execute the fallback chain against provider adapters.
package gateway

import (
	"context"
	"fmt"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/fallback"
	"github.com/lanternhq/modelgate/internal/services/registry"
	"github.com/lanternhq/modelgate/internal/services/selector"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// defaultMaxInputBytes bounds request payload size before any provider is
// consulted; oversized input is a caller problem, not a routing problem.
const defaultMaxInputBytes = 1 << 20

// ResponseCache stores completed text/chat results keyed by prompt. The
// cache layer owns its tiering (exact vs semantic); the gateway only asks
// yes or no.
type ResponseCache interface {
	Lookup(ctx context.Context, key, requestID string) (*models.NormalizedResult, string, bool)
	StoreAsync(ctx context.Context, key, requestID string, result models.NormalizedResult)
}

// Gateway wires selector, load balancer and fallback orchestrator behind
// the four generate operations and their streaming variants.
type Gateway struct {
	selector      *selector.Selector
	fallback      *fallback.Service
	strategy      models.SelectionStrategy
	cache         ResponseCache
	maxInputBytes int
}

// Option customizes gateway construction.
type Option func(*Gateway)

// WithResponseCache enables response caching for text and chat operations.
func WithResponseCache(cache ResponseCache) Option {
	return func(g *Gateway) { g.cache = cache }
}

// WithMaxInputBytes overrides the request size ceiling.
func WithMaxInputBytes(n int) Option {
	return func(g *Gateway) { g.maxInputBytes = n }
}

// New creates a gateway using the given default selection strategy.
func New(sel *selector.Selector, fb *fallback.Service, strategy models.SelectionStrategy, opts ...Option) *Gateway {
	g := &Gateway{
		selector:      sel,
		fallback:      fb,
		strategy:      strategy,
		maxInputBytes: defaultMaxInputBytes,
	}
	if g.strategy == "" {
		g.strategy = models.StrategyPriority
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GenerateText routes a text completion request.
func (g *Gateway) GenerateText(ctx context.Context, req models.TextRequest) (*models.NormalizedResult, error) {
	requestID := newRequestID()
	if err := validateInput(req.Prompt, g.maxInputBytes); err != nil {
		return nil, err
	}

	cacheKey := cacheKey(models.CapabilityText, req.ModelHint, req.Prompt)
	if result, ok := g.cacheLookup(ctx, cacheKey, requestID, req.Options); ok {
		return result, nil
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityText,
		ModelHint:  req.ModelHint,
		PromptText: req.Prompt,
		Options:    req.Options,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	result, err := g.fallback.Execute(ctx, requestID, models.CapabilityText, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (*models.NormalizedResult, error) {
			return cand.Adapter.GenerateText(adapters.WithCaller(ctx, req.Caller), req.Prompt, req.Options, cand.Model.ProviderModelID)
		})
	if err != nil {
		return nil, err
	}
	g.cacheStore(ctx, cacheKey, requestID, req.Options, result)
	return result, nil
}

// GenerateChat routes a chat completion request.
func (g *Gateway) GenerateChat(ctx context.Context, req models.ChatRequest) (*models.NormalizedResult, error) {
	requestID := newRequestID()
	if err := validateMessages(req.Messages, g.maxInputBytes); err != nil {
		return nil, err
	}

	prompt := req.PromptText()
	cacheKey := cacheKey(models.CapabilityChat, req.ModelHint, prompt)
	if result, ok := g.cacheLookup(ctx, cacheKey, requestID, req.Options); ok {
		return result, nil
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityChat,
		ModelHint:  req.ModelHint,
		PromptText: prompt,
		Messages:   req.Messages,
		Options:    req.Options,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	result, err := g.fallback.Execute(ctx, requestID, models.CapabilityChat, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (*models.NormalizedResult, error) {
			return cand.Adapter.GenerateChat(adapters.WithCaller(ctx, req.Caller), req.Messages, req.Options, cand.Model.ProviderModelID)
		})
	if err != nil {
		return nil, err
	}
	g.cacheStore(ctx, cacheKey, requestID, req.Options, result)
	return result, nil
}

// GenerateEmbedding routes an embedding request.
func (g *Gateway) GenerateEmbedding(ctx context.Context, req models.EmbeddingRequest) (*models.NormalizedResult, error) {
	requestID := newRequestID()
	if err := validateInput(req.Input, g.maxInputBytes); err != nil {
		return nil, err
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityEmbedding,
		ModelHint:  req.ModelHint,
		PromptText: req.Input,
		Options:    req.Options,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	return g.fallback.Execute(ctx, requestID, models.CapabilityEmbedding, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (*models.NormalizedResult, error) {
			return cand.Adapter.GenerateEmbedding(adapters.WithCaller(ctx, req.Caller), req.Input, req.Options, cand.Model.ProviderModelID)
		})
}

// GenerateImage routes an image generation request.
func (g *Gateway) GenerateImage(ctx context.Context, req models.ImageRequest) (*models.NormalizedResult, error) {
	requestID := newRequestID()
	if err := validateInput(req.Prompt, g.maxInputBytes); err != nil {
		return nil, err
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityImage,
		ModelHint:  req.ModelHint,
		PromptText: req.Prompt,
		Options:    req.Options,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	return g.fallback.Execute(ctx, requestID, models.CapabilityImage, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (*models.NormalizedResult, error) {
			return cand.Adapter.GenerateImage(adapters.WithCaller(ctx, req.Caller), req.Prompt, req.Options, cand.Model.ProviderModelID)
		})
}

// StreamResult couples the chunk sequence with the provider that is serving
// it.
type StreamResult struct {
	Chunks     adapters.ChunkStream
	ProviderID string
	ModelID    string
}

// GenerateTextStream routes a streaming text request. Fallback happens only
// before the first chunk; once output has flowed the stream is committed to
// a single provider.
func (g *Gateway) GenerateTextStream(ctx context.Context, req models.TextRequest) (*StreamResult, error) {
	requestID := newRequestID()
	if err := validateInput(req.Prompt, g.maxInputBytes); err != nil {
		return nil, err
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityText,
		ModelHint:  req.ModelHint,
		PromptText: req.Prompt,
		Options:    req.Options,
		Streaming:  true,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	stream, cand, err := g.fallback.ExecuteStream(ctx, requestID, models.CapabilityText, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (adapters.ChunkStream, error) {
			return cand.Adapter.GenerateTextStream(adapters.WithCaller(ctx, req.Caller), req.Prompt, req.Options, cand.Model.ProviderModelID)
		})
	if err != nil {
		return nil, err
	}
	return &StreamResult{Chunks: stream, ProviderID: cand.Provider.ID, ModelID: cand.Model.ModelID}, nil
}

// GenerateChatStream routes a streaming chat request with the same
// pre-first-chunk fallback policy as GenerateTextStream.
func (g *Gateway) GenerateChatStream(ctx context.Context, req models.ChatRequest) (*StreamResult, error) {
	requestID := newRequestID()
	if err := validateMessages(req.Messages, g.maxInputBytes); err != nil {
		return nil, err
	}

	candidates, err := g.selector.Select(requestID, selector.Request{
		Capability: models.CapabilityChat,
		ModelHint:  req.ModelHint,
		PromptText: req.PromptText(),
		Messages:   req.Messages,
		Options:    req.Options,
		Streaming:  true,
	}, g.strategy)
	if err != nil {
		return nil, err
	}

	stream, cand, err := g.fallback.ExecuteStream(ctx, requestID, models.CapabilityChat, req.Caller, candidates, req.Options,
		func(ctx context.Context, cand registry.Candidate) (adapters.ChunkStream, error) {
			return cand.Adapter.GenerateChatStream(adapters.WithCaller(ctx, req.Caller), req.Messages, req.Options, cand.Model.ProviderModelID)
		})
	if err != nil {
		return nil, err
	}
	return &StreamResult{Chunks: stream, ProviderID: cand.Provider.ID, ModelID: cand.Model.ModelID}, nil
}

func (g *Gateway) cacheLookup(ctx context.Context, key, requestID string, opts models.GenerationOptions) (*models.NormalizedResult, bool) {
	// Explicit provider overrides bypass the cache: the caller asked for a
	// specific backend, not a previously cached answer from another one.
	if g.cache == nil || opts.ExplicitProvider != "" {
		return nil, false
	}
	result, tier, ok := g.cache.Lookup(ctx, key, requestID)
	if !ok {
		return nil, false
	}
	fiberlog.Infof("[%s] cache hit (%s): %s/%s", requestID, tier, result.ProviderID, result.ModelID)
	result.CacheTier = tier
	return result, true
}

func (g *Gateway) cacheStore(ctx context.Context, key, requestID string, opts models.GenerationOptions, result *models.NormalizedResult) {
	if g.cache == nil || opts.ExplicitProvider != "" || result == nil {
		return
	}
	g.cache.StoreAsync(ctx, key, requestID, *result)
}

func validateInput(input string, maxBytes int) error {
	if input == "" {
		return models.NewInvalidRequestError("input must not be empty", nil)
	}
	if len(input) > maxBytes {
		return models.NewInvalidRequestError(fmt.Sprintf("input of %d bytes exceeds the %d byte limit", len(input), maxBytes), nil)
	}
	return nil
}

func validateMessages(messages []models.Message, maxBytes int) error {
	if len(messages) == 0 {
		return models.NewInvalidRequestError("messages must not be empty", nil)
	}
	total := 0
	for i, m := range messages {
		if m.Content == "" {
			return models.NewInvalidRequestError(fmt.Sprintf("message %d has empty content", i), nil)
		}
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return models.NewInvalidRequestError(fmt.Sprintf("message %d has invalid role %q", i, m.Role), nil)
		}
		total += len(m.Content)
	}
	if total > maxBytes {
		return models.NewInvalidRequestError(fmt.Sprintf("conversation of %d bytes exceeds the %d byte limit", total, maxBytes), nil)
	}
	return nil
}

func cacheKey(capability models.Capability, modelHint, prompt string) string {
	return string(capability) + ":" + modelHint + ":" + prompt
}

func newRequestID() string {
	return uuid.NewString()
}
