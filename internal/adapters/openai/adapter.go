// Package openai adapts the OpenAI API (and OpenAI-compatible backends) to
// the gateway adapter contract.
package openai

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/utils/clientcache"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/shared"
)

// Config holds credentials for one OpenAI-compatible backend.
type Config struct {
	APIKey  string
	BaseURL string
}

// Adapter implements the gateway adapter contract over openai-go.
type Adapter struct {
	providerID string
	cfg        Config
	modelList  []models.ModelDescriptor
	clients    *clientcache.Cache[*openai.Client]
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates an adapter for the given provider id and model descriptors.
func New(providerID string, cfg Config, modelList []models.ModelDescriptor) *Adapter {
	return &Adapter{
		providerID: providerID,
		cfg:        cfg,
		modelList:  modelList,
		clients:    clientcache.NewCache[*openai.Client](),
	}
}

func (a *Adapter) client() (*openai.Client, error) {
	return a.clients.GetOrCreate("default", func() (*openai.Client, error) {
		if a.cfg.APIKey == "" {
			return nil, models.NewAuthenticationError(a.providerID, "API key not configured", nil)
		}
		opts := []option.RequestOption{option.WithAPIKey(a.cfg.APIKey)}
		if a.cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(a.cfg.BaseURL))
		}
		client := openai.NewClient(opts...)
		return &client, nil
	})
}

func (a *Adapter) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return adapters.MapStatusError(a.providerID, apierr.StatusCode, err)
	}
	return adapters.MapTransportError(a.providerID, err)
}

func (a *Adapter) chatParams(messages []models.Message, opts models.GenerationOptions, providerModelID string) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			converted = append(converted, openai.SystemMessage(m.Content))
		case "assistant":
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Messages: converted,
		Model:    shared.ChatModel(providerModelID),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = param.NewOpt(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = param.NewOpt(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
	}
	return params
}

// GenerateText runs a single-turn completion through the chat API.
func (a *Adapter) GenerateText(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	return a.GenerateChat(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChat runs a chat completion.
func (a *Adapter) GenerateChat(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	resp, err := client.Chat.Completions.New(ctx, a.chatParams(messages, opts, providerModelID))
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewServiceUnavailableError(a.providerID, "provider returned no choices", nil)
	}

	choice := resp.Choices[0]
	return &models.NormalizedResult{
		Content: choice.Message.Content,
		Usage: models.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

// GenerateEmbedding produces a vector embedding.
func (a *Adapter) GenerateEmbedding(ctx context.Context, input string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(input)},
		Model: openai.EmbeddingModel(providerModelID),
	})
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, models.NewServiceUnavailableError(a.providerID, "provider returned no embedding", nil)
	}

	return &models.NormalizedResult{
		Embedding: resp.Data[0].Embedding,
		Usage:     models.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

// GenerateImage produces one or more images for the prompt.
func (a *Adapter) GenerateImage(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	resp, err := client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(providerModelID),
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	images := make([]string, 0, len(resp.Data))
	for _, img := range resp.Data {
		if img.B64JSON != "" {
			images = append(images, img.B64JSON)
		} else if img.URL != "" {
			images = append(images, img.URL)
		}
	}
	if len(images) == 0 {
		return nil, models.NewServiceUnavailableError(a.providerID, "provider returned no images", nil)
	}

	return &models.NormalizedResult{Images: images}, nil
}

// GenerateTextStream streams a single-turn completion.
func (a *Adapter) GenerateTextStream(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	return a.GenerateChatStream(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChatStream streams a chat completion. Usage arrives on the final
// chunk via stream options.
func (a *Adapter) GenerateChatStream(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	params := a.chatParams(messages, opts, providerModelID)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	return &chunkStream{provider: a.providerID, inner: stream, mapErr: a.mapError}, nil
}

// Models lists the configured model descriptors.
func (a *Adapter) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	return a.modelList, nil
}

// Health probes the backend by listing models.
func (a *Adapter) Health(ctx context.Context) models.ProviderHealth {
	client, err := a.client()
	if err != nil {
		return models.ProviderHealth{Reachable: false}
	}

	start := time.Now()
	_, err = client.Models.List(ctx)
	return models.ProviderHealth{
		Reachable:       err == nil,
		LatencyEstimate: time.Since(start),
	}
}

// chunkStream adapts the SDK's SSE stream to the gateway chunk contract.
type chunkStream struct {
	provider string
	inner    *ssestream.Stream[openai.ChatCompletionChunk]
	mapErr   func(error) error
	done     bool
}

func (s *chunkStream) Recv() (models.ResultChunk, error) {
	if s.done {
		return models.ResultChunk{}, io.EOF
	}
	if !s.inner.Next() {
		s.done = true
		if err := s.inner.Err(); err != nil {
			return models.ResultChunk{}, s.mapErr(err)
		}
		return models.ResultChunk{}, io.EOF
	}

	chunk := s.inner.Current()
	out := models.ResultChunk{}
	if len(chunk.Choices) > 0 {
		out.DeltaContent = chunk.Choices[0].Delta.Content
		if chunk.Choices[0].FinishReason != "" {
			out.IsFinal = true
		}
	}
	// The usage-bearing chunk arrives last when IncludeUsage is set.
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		out.IsFinal = true
		out.Usage = &models.Usage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
	}
	return out, nil
}

func (s *chunkStream) Close() error {
	s.done = true
	return s.inner.Close()
}
