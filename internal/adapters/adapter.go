package adapters

import (
	"context"

	"github.com/lanternhq/modelgate/internal/models"
)

// ChunkStream is a lazy, finite, forward-only sequence of result chunks.
// Recv returns io.EOF after the final chunk has been delivered. Streams are
// not restartable; Close releases the underlying connection and is safe to
// call more than once.
type ChunkStream interface {
	Recv() (models.ResultChunk, error)
	Close() error
}

// Adapter is the contract every backend integration satisfies. Gateway code
// depends only on this interface and never branches on provider type.
// Implementations must map all provider-native failures into the
// models.GatewayError taxonomy before returning.
type Adapter interface {
	GenerateText(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)
	GenerateChat(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)
	GenerateEmbedding(ctx context.Context, input string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)
	GenerateImage(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)

	GenerateTextStream(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (ChunkStream, error)
	GenerateChatStream(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (ChunkStream, error)

	// Models lists the model descriptors this adapter exposes.
	Models(ctx context.Context) ([]models.ModelDescriptor, error)

	// Health reports adapter-level reachability.
	Health(ctx context.Context) models.ProviderHealth
}

type callerKey struct{}

// WithCaller attaches the opaque caller token to the context. Adapters may
// use it for per-caller credential selection; the gateway never interprets it.
func WithCaller(ctx context.Context, caller models.CallerContext) context.Context {
	if caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom extracts the caller token, if any, from the context.
func CallerFrom(ctx context.Context) models.CallerContext {
	caller, _ := ctx.Value(callerKey{}).(models.CallerContext)
	return caller
}
