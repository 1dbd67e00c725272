// Package gemini adapts the Google Gemini API to the gateway adapter
// contract.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/utils/clientcache"

	"google.golang.org/genai"
)

// Config holds credentials for the Gemini backend.
type Config struct {
	APIKey string
}

// Adapter implements the gateway adapter contract over the genai SDK.
type Adapter struct {
	providerID string
	cfg        Config
	modelList  []models.ModelDescriptor
	clients    *clientcache.Cache[*genai.Client]
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates an adapter for the given provider id and model descriptors.
func New(providerID string, cfg Config, modelList []models.ModelDescriptor) *Adapter {
	return &Adapter{
		providerID: providerID,
		cfg:        cfg,
		modelList:  modelList,
		clients:    clientcache.NewCache[*genai.Client](),
	}
}

func (a *Adapter) client(ctx context.Context) (*genai.Client, error) {
	return a.clients.GetOrCreate("default", func() (*genai.Client, error) {
		if a.cfg.APIKey == "" {
			return nil, models.NewAuthenticationError(a.providerID, "API key not configured", nil)
		}
		// Client creation uses its own context so a cached client does not
		// inherit the first request's cancellation.
		client, err := genai.NewClient(context.WithoutCancel(ctx), &genai.ClientConfig{
			APIKey:  a.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, adapters.MapTransportError(a.providerID, err)
		}
		return client, nil
	})
}

func (a *Adapter) mapError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return adapters.MapStatusError(a.providerID, apierr.Code, err)
	}
	return adapters.MapTransportError(a.providerID, err)
}

// generateConfig converts the shared options bag. System turns move into
// SystemInstruction; Gemini rejects them inside Contents.
func generateConfig(messages []models.Message, opts models.GenerationOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if opts.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*opts.TopP))
	}
	if len(opts.Stop) > 0 {
		cfg.StopSequences = opts.Stop
	}

	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

func (a *Adapter) normalize(resp *genai.GenerateContentResponse) *models.NormalizedResult {
	result := &models.NormalizedResult{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		result.Usage = models.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) > 0 {
		result.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return result
}

// GenerateText runs a single-turn completion.
func (a *Adapter) GenerateText(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	return a.GenerateChat(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChat runs a chat completion.
func (a *Adapter) GenerateChat(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}

	contents, cfg := generateConfig(messages, opts)
	resp, err := client.Models.GenerateContent(ctx, providerModelID, contents, cfg)
	if err != nil {
		return nil, a.mapError(err)
	}
	return a.normalize(resp), nil
}

// GenerateEmbedding produces a vector embedding.
func (a *Adapter) GenerateEmbedding(ctx context.Context, input string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{genai.NewContentFromText(input, genai.RoleUser)}
	resp, err := client.Models.EmbedContent(ctx, providerModelID, contents, nil)
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, models.NewServiceUnavailableError(a.providerID, "provider returned no embedding", nil)
	}

	values := resp.Embeddings[0].Values
	embedding := make([]float64, len(values))
	for i, v := range values {
		embedding[i] = float64(v)
	}
	return &models.NormalizedResult{Embedding: embedding}, nil
}

// GenerateImage produces images via the Imagen API. Image bytes are
// base64-encoded to match the normalized result contract.
func (a *Adapter) GenerateImage(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateImages(ctx, providerModelID, prompt, nil)
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, models.NewServiceUnavailableError(a.providerID, "provider returned no images", nil)
	}

	images := make([]string, 0, len(resp.GeneratedImages))
	for _, img := range resp.GeneratedImages {
		if img.Image != nil && len(img.Image.ImageBytes) > 0 {
			images = append(images, base64.StdEncoding.EncodeToString(img.Image.ImageBytes))
		}
	}
	return &models.NormalizedResult{Images: images}, nil
}

// GenerateTextStream streams a single-turn completion.
func (a *Adapter) GenerateTextStream(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	return a.GenerateChatStream(ctx, []models.Message{{Role: "user", Content: prompt}}, opts, providerModelID)
}

// GenerateChatStream streams a chat completion.
func (a *Adapter) GenerateChatStream(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}

	contents, cfg := generateConfig(messages, opts)
	seq := client.Models.GenerateContentStream(ctx, providerModelID, contents, cfg)
	next, stop := iter.Pull2(seq)
	return &chunkStream{provider: a.providerID, next: next, stop: stop, mapErr: a.mapError}, nil
}

// Models lists the configured model descriptors.
func (a *Adapter) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	return a.modelList, nil
}

// Health probes the backend by counting tokens on a trivial input.
func (a *Adapter) Health(ctx context.Context) models.ProviderHealth {
	client, err := a.client(ctx)
	if err != nil {
		return models.ProviderHealth{Reachable: false}
	}

	model := "gemini-2.0-flash"
	if len(a.modelList) > 0 {
		model = a.modelList[0].ProviderModelID
	}

	start := time.Now()
	_, err = client.Models.CountTokens(ctx, model, []*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)}, nil)
	return models.ProviderHealth{
		Reachable:       err == nil,
		LatencyEstimate: time.Since(start),
	}
}

// chunkStream adapts the pull-converted iter.Seq2 stream to the gateway
// chunk contract. Usage accumulates across chunks; the final chunk carries
// the last reported totals.
type chunkStream struct {
	provider string
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	mapErr   func(error) error
	usage    models.Usage
	done     bool
}

func (s *chunkStream) Recv() (models.ResultChunk, error) {
	if s.done {
		return models.ResultChunk{}, io.EOF
	}

	resp, err, more := s.next()
	if !more {
		s.done = true
		usage := s.usage
		return models.ResultChunk{IsFinal: true, Usage: &usage}, nil
	}
	if err != nil {
		s.done = true
		s.stop()
		return models.ResultChunk{}, s.mapErr(err)
	}

	if resp.UsageMetadata != nil {
		s.usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		s.usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return models.ResultChunk{DeltaContent: resp.Text()}, nil
}

func (s *chunkStream) Close() error {
	s.done = true
	s.stop()
	return nil
}
