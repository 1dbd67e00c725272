// Package anthropic adapts the Anthropic Messages API to the gateway
// adapter contract. Anthropic has no embedding or image generation API, so
// those operations fail fast with a fatal error.
package anthropic

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/utils/clientcache"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 4096

// Config holds credentials for the Anthropic backend.
type Config struct {
	APIKey  string
	BaseURL string
}

// Adapter implements the gateway adapter contract over anthropic-sdk-go.
type Adapter struct {
	providerID string
	cfg        Config
	modelList  []models.ModelDescriptor
	clients    *clientcache.Cache[*anthropic.Client]
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates an adapter for the given provider id and model descriptors.
func New(providerID string, cfg Config, modelList []models.ModelDescriptor) *Adapter {
	return &Adapter{
		providerID: providerID,
		cfg:        cfg,
		modelList:  modelList,
		clients:    clientcache.NewCache[*anthropic.Client](),
	}
}

func (a *Adapter) client() (*anthropic.Client, error) {
	return a.clients.GetOrCreate("default", func() (*anthropic.Client, error) {
		if a.cfg.APIKey == "" {
			return nil, models.NewAuthenticationError(a.providerID, "API key not configured", nil)
		}
		opts := []option.RequestOption{option.WithAPIKey(a.cfg.APIKey)}
		if a.cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(a.cfg.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		return &client, nil
	})
}

func (a *Adapter) mapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return adapters.MapStatusError(a.providerID, apierr.StatusCode, err)
	}
	return adapters.MapTransportError(a.providerID, err)
}

// messageParams splits system turns into the dedicated System field; the
// Messages API rejects system roles inside the message list.
func (a *Adapter) messageParams(messages []models.Message, opts models.GenerationOptions, providerModelID string) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(providerModelID),
		MaxTokens: maxTokens,
		Messages:  converted,
		System:    system,
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	if len(opts.Stop) > 0 {
		params.StopSequences = opts.Stop
	}
	return params
}

// GenerateText runs a single-turn completion through the Messages API.
func (a *Adapter) GenerateText(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	return a.GenerateChat(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChat runs a chat completion.
func (a *Adapter) GenerateChat(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	message, err := client.Messages.New(ctx, a.messageParams(messages, opts, providerModelID))
	if err != nil {
		return nil, a.mapError(err)
	}

	var content string
	for _, block := range message.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &models.NormalizedResult{
		Content: content,
		Usage: models.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
		FinishReason: string(message.StopReason),
	}, nil
}

// GenerateEmbedding is not offered by the Anthropic API.
func (a *Adapter) GenerateEmbedding(ctx context.Context, input string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	return nil, adapters.NewNotSupportedError(a.providerID, models.CapabilityEmbedding)
}

// GenerateImage is not offered by the Anthropic API.
func (a *Adapter) GenerateImage(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	return nil, adapters.NewNotSupportedError(a.providerID, models.CapabilityImage)
}

// GenerateTextStream streams a single-turn completion.
func (a *Adapter) GenerateTextStream(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	return a.GenerateChatStream(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChatStream streams a chat completion.
func (a *Adapter) GenerateChatStream(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	client, err := a.client()
	if err != nil {
		return nil, err
	}

	stream := client.Messages.NewStreaming(ctx, a.messageParams(messages, opts, providerModelID))
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
	_, err = client.Models.List(ctx, anthropic.ModelListParams{})
	return models.ProviderHealth{
		Reachable:       err == nil,
		LatencyEstimate: time.Since(start),
	}
}

// chunkStream adapts the SDK's event stream to the gateway chunk contract.
// Input token usage arrives on message_start and output usage on
// message_delta, so both are accumulated and attached to the final chunk.
type chunkStream struct {
	provider string
	inner    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	mapErr   func(error) error
	usage    models.Usage
	done     bool
}

func (s *chunkStream) Recv() (models.ResultChunk, error) {
	if s.done {
		return models.ResultChunk{}, io.EOF
	}

	for s.inner.Next() {
		event := s.inner.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Type == "text_delta" {
				return models.ResultChunk{DeltaContent: ev.Delta.Text}, nil
			}
		case anthropic.MessageDeltaEvent:
			s.usage.OutputTokens = int(ev.Usage.OutputTokens)
		case anthropic.MessageStopEvent:
			s.done = true
			usage := s.usage
			return models.ResultChunk{IsFinal: true, Usage: &usage}, nil
		}
	}

	s.done = true
	if err := s.inner.Err(); err != nil {
		return models.ResultChunk{}, s.mapErr(err)
	}
	return models.ResultChunk{}, io.EOF
}

func (s *chunkStream) Close() error {
	s.done = true
	return s.inner.Close()
}
