// Package adaptertest provides a scriptable in-memory adapter for exercising
// the gateway without network access.
package adaptertest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
)

// Adapter is a fake backend. Queue errors with FailNext or script behavior
// with the Func fields; unscripted calls succeed with a canned result.
type Adapter struct {
	Name string

	// Delay is applied before every call to simulate provider latency.
	Delay time.Duration

	// ModelList is returned by Models.
	ModelList []models.ModelDescriptor

	// Scriptable overrides. When nil the default behavior applies.
	TextFunc   func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)
	ChatFunc   func(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error)
	StreamFunc func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error)

	mu     sync.Mutex
	queued []error
	calls  atomic.Int64
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates a fake adapter answering for the given models.
func New(name string, modelList ...models.ModelDescriptor) *Adapter {
	return &Adapter{Name: name, ModelList: modelList}
}

// FailNext queues errors returned by subsequent calls, in order, before the
// adapter goes back to succeeding.
func (a *Adapter) FailNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queued = append(a.queued, errs...)
}

// Calls reports how many generate calls the adapter has served.
func (a *Adapter) Calls() int64 {
	return a.calls.Load()
}

func (a *Adapter) nextError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queued) == 0 {
		return nil
	}
	err := a.queued[0]
	a.queued = a.queued[1:]
	return err
}

func (a *Adapter) begin(ctx context.Context) error {
	a.calls.Add(1)
	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.nextError()
}

func (a *Adapter) canned(content string) *models.NormalizedResult {
	return &models.NormalizedResult{
		Content:      content,
		Usage:        models.Usage{InputTokens: 10, OutputTokens: 20},
		FinishReason: "stop",
	}
}

func (a *Adapter) GenerateText(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	if a.TextFunc != nil {
		a.calls.Add(1)
		return a.TextFunc(ctx, prompt, opts, providerModelID)
	}
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return a.canned("text from " + a.Name), nil
}

func (a *Adapter) GenerateChat(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	if a.ChatFunc != nil {
		a.calls.Add(1)
		return a.ChatFunc(ctx, messages, opts, providerModelID)
	}
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return a.canned("chat from " + a.Name), nil
}

func (a *Adapter) GenerateEmbedding(ctx context.Context, input string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return &models.NormalizedResult{
		Embedding: []float64{0.1, 0.2, 0.3},
		Usage:     models.Usage{InputTokens: 10},
	}, nil
}

func (a *Adapter) GenerateImage(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return &models.NormalizedResult{Images: []string{"data:image/png;base64,ZmFrZQ=="}}, nil
}

func (a *Adapter) GenerateTextStream(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	if a.StreamFunc != nil {
		a.calls.Add(1)
		return a.StreamFunc(ctx, prompt, opts, providerModelID)
	}
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return NewScriptedStream(
		Chunk("streamed "),
		Chunk("from "+a.Name),
		FinalChunk(models.Usage{InputTokens: 10, OutputTokens: 5}),
	), nil
}

func (a *Adapter) GenerateChatStream(ctx context.Context, messages []models.Message, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
	var prompt string
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	return a.GenerateTextStream(ctx, prompt, opts, providerModelID)
}

func (a *Adapter) Models(ctx context.Context) ([]models.ModelDescriptor, error) {
	return a.ModelList, nil
}

func (a *Adapter) Health(ctx context.Context) models.ProviderHealth {
	return models.ProviderHealth{Reachable: true, LatencyEstimate: a.Delay}
}

// Event is one step of a scripted stream: a chunk or a terminal error.
type Event struct {
	ChunkValue models.ResultChunk
	Err        error
}

// Chunk builds a content delta event.
func Chunk(delta string) Event {
	return Event{ChunkValue: models.ResultChunk{DeltaContent: delta}}
}

// FinalChunk builds the closing chunk carrying usage.
func FinalChunk(usage models.Usage) Event {
	u := usage
	return Event{ChunkValue: models.ResultChunk{IsFinal: true, Usage: &u}}
}

// ErrEvent builds a mid-stream failure event.
func ErrEvent(err error) Event {
	return Event{Err: err}
}

// ScriptedStream replays a fixed sequence of events.
type ScriptedStream struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewScriptedStream builds a stream that yields the given events in order
// and then io.EOF.
func NewScriptedStream(events ...Event) *ScriptedStream {
	return &ScriptedStream{events: events}
}

func (s *ScriptedStream) Recv() (models.ResultChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.events) == 0 {
		return models.ResultChunk{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	if ev.Err != nil {
		return models.ResultChunk{}, ev.Err
	}
	return ev.ChunkValue, nil
}

func (s *ScriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
