package fallback

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/adapters/adaptertest"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/circuitbreaker"
	"github.com/lanternhq/modelgate/internal/services/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every routing attempt for assertions.
type recordingSink struct {
	mu       sync.Mutex
	attempts []models.RoutingAttempt
}

func (s *recordingSink) RecordAttempt(attempt models.RoutingAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
}

func (s *recordingSink) outcomes() []models.AttemptOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AttemptOutcome, len(s.attempts))
	for i, a := range s.attempts {
		out[i] = a.Outcome
	}
	return out
}

func newService(sink Sink) *Service {
	s := New(sink)
	s.SetBackoff(time.Microsecond, time.Millisecond)
	return s
}

func candidate(adapter *adaptertest.Adapter, maxRetries int) registry.Candidate {
	return registry.Candidate{
		Provider: models.ProviderDescriptor{
			ID:         adapter.Name,
			Enabled:    true,
			MaxRetries: maxRetries,
		},
		Model: models.ModelDescriptor{
			ModelID:         "m",
			ProviderModelID: "m-v1",
			Capabilities:    []models.Capability{models.CapabilityChat, models.CapabilityText, models.CapabilityStreaming},
		},
		Adapter: adapter,
		Breaker: circuitbreaker.New(adapter.Name),
	}
}

func runText(ctx context.Context, c registry.Candidate) (*models.NormalizedResult, error) {
	return c.Adapter.GenerateText(ctx, "hello", models.GenerationOptions{}, c.Model.ProviderModelID)
}

func openText(ctx context.Context, c registry.Candidate) (adapters.ChunkStream, error) {
	return c.Adapter.GenerateTextStream(ctx, "hello", models.GenerationOptions{}, c.Model.ProviderModelID)
}

func TestExecuteFirstCandidateSucceeds(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	a := candidate(adaptertest.New("alpha"), 0)
	b := candidate(adaptertest.New("beta"), 0)

	result, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.ProviderID)
	assert.Equal(t, "m", result.ModelID)
	assert.Equal(t, []models.AttemptOutcome{models.OutcomeSuccess}, sink.outcomes())
	assert.EqualValues(t, 0, b.Adapter.(*adaptertest.Adapter).Calls())
}

func TestExecuteFallsOverOnRetryableFailure(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.FailNext(models.NewServiceUnavailableError("alpha", "down", nil))
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	result, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "beta", result.ProviderID)
	assert.Equal(t, []models.AttemptOutcome{
		models.OutcomeRetryableFailure,
		models.OutcomeSuccess,
	}, sink.outcomes())

	// The failure counted against alpha's breaker only.
	_, aFailures := a.Breaker.Snapshot()
	_, bFailures := b.Breaker.Snapshot()
	assert.Equal(t, 1, aFailures)
	assert.Equal(t, 0, bFailures)
}

func TestExecuteFatalErrorAbortsChain(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.FailNext(models.NewContentFilterError("alpha", "refused"))
	a := candidate(alpha, 3)
	b := candidate(adaptertest.New("beta"), 0)

	_, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindContentFilter, models.KindOf(err))

	// No retries against alpha, no attempt against beta, breaker untouched.
	assert.EqualValues(t, 1, alpha.Calls())
	assert.EqualValues(t, 0, b.Adapter.(*adaptertest.Adapter).Calls())
	_, failures := a.Breaker.Snapshot()
	assert.Equal(t, 0, failures)
	assert.Equal(t, []models.AttemptOutcome{models.OutcomeFatalFailure}, sink.outcomes())
}

func TestExecuteRetriesBeforeAdvancing(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.FailNext(
		models.NewRateLimitError("alpha", nil),
		models.NewRateLimitError("alpha", nil),
	)
	a := candidate(alpha, 2)

	result, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.ProviderID)
	assert.EqualValues(t, 3, alpha.Calls())
	assert.Equal(t, []models.AttemptOutcome{
		models.OutcomeRetryableFailure,
		models.OutcomeRetryableFailure,
		models.OutcomeSuccess,
	}, sink.outcomes())
}

func TestExecuteAllProvidersFailed(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.FailNext(models.NewServiceUnavailableError("alpha", "down", nil))
	beta := adaptertest.New("beta")
	beta.FailNext(models.NewRateLimitError("beta", nil))
	a := candidate(alpha, 0)
	b := candidate(beta, 0)

	_, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAllProvidersFailed, models.KindOf(err))

	var agg *models.AllProvidersFailedError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 2)
	assert.Equal(t, "alpha", agg.Failures[0].ProviderID)
	assert.Equal(t, models.ErrKindServiceUnavailable, agg.Failures[0].Kind)
	assert.Equal(t, "beta", agg.Failures[1].ProviderID)
	assert.Equal(t, models.ErrKindRateLimit, agg.Failures[1].Kind)
}

func TestExecuteSkipsOpenCircuit(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	a := candidate(adaptertest.New("alpha"), 0)
	for i := 0; i < 5; i++ {
		a.Breaker.RecordFailure()
	}
	b := candidate(adaptertest.New("beta"), 0)

	result, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "beta", result.ProviderID)
	assert.EqualValues(t, 0, a.Adapter.(*adaptertest.Adapter).Calls())
	assert.Equal(t, []models.AttemptOutcome{
		models.OutcomeSkippedOpen,
		models.OutcomeSuccess,
	}, sink.outcomes())
}

// openPastReset opens the candidate's breaker and moves its clock past the
// reset timeout so the next attempt is admitted as the half-open probe.
func openPastReset(t *testing.T, c registry.Candidate) {
	t.Helper()
	for i := 0; i < 5; i++ {
		c.Breaker.RecordFailure()
	}
	opened := time.Now()
	c.Breaker.SetClock(func() time.Time { return opened.Add(time.Hour) })
	require.Equal(t, circuitbreaker.Open, c.Breaker.GetState())
}

func TestFatalErrorDuringProbeReleasesSlot(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	a := candidate(alpha, 0)
	openPastReset(t, a)

	// The admitted probe ends in a fatal error, which carries no verdict on
	// provider health.
	alpha.FailNext(models.NewContentFilterError("alpha", "refused"))
	_, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, runText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindContentFilter, models.KindOf(err))
	assert.Equal(t, circuitbreaker.HalfOpen, a.Breaker.GetState())

	// The slot must be free again or the provider is stuck forever.
	result, err := svc.Execute(context.Background(), "req-2", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.ProviderID)
	assert.Equal(t, circuitbreaker.Closed, a.Breaker.GetState())
}

func TestCallerCancellationDoesNotChargeBreaker(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	ctx, cancel := context.WithCancel(context.Background())
	alpha := adaptertest.New("alpha")
	alpha.TextFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
		cancel()
		return nil, ctx.Err()
	}
	a := candidate(alpha, 2)
	b := candidate(adaptertest.New("beta"), 0)

	_, err := svc.Execute(ctx, "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.ErrorIs(t, err, context.Canceled)

	// A client disconnect says nothing about alpha's health: no retries, no
	// breaker failure, no fallback to beta.
	assert.EqualValues(t, 1, alpha.Calls())
	assert.EqualValues(t, 0, b.Adapter.(*adaptertest.Adapter).Calls())
	_, aFailures := a.Breaker.Snapshot()
	assert.Equal(t, 0, aFailures)
	assert.Equal(t, []models.AttemptOutcome{models.OutcomeCanceled}, sink.outcomes())
}

func TestCancellationDuringProbeReleasesSlot(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	ctx, cancel := context.WithCancel(context.Background())
	alpha := adaptertest.New("alpha")
	alpha.TextFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
		cancel()
		return nil, ctx.Err()
	}
	a := candidate(alpha, 0)
	openPastReset(t, a)

	_, err := svc.Execute(ctx, "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, runText)
	require.ErrorIs(t, err, context.Canceled)

	// The abandoned probe leaves the breaker half-open with the slot free.
	assert.Equal(t, circuitbreaker.HalfOpen, a.Breaker.GetState())
	assert.True(t, a.Breaker.CanExecute())
}

func TestExecuteTimeoutClassifiedAndRetryable(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	slow := adaptertest.New("slow")
	slow.Delay = 200 * time.Millisecond
	a := candidate(slow, 0)
	a.Provider.Timeout = 10 * time.Millisecond
	fast := candidate(adaptertest.New("fast"), 0)

	result, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, fast}, models.GenerationOptions{}, runText)
	require.NoError(t, err)
	assert.Equal(t, "fast", result.ProviderID)

	outcomes := sink.outcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, models.OutcomeRetryableFailure, outcomes[0])
	sink.mu.Lock()
	assert.Equal(t, models.ErrKindTimeout, sink.attempts[0].ErrorKind)
	sink.mu.Unlock()
}

func TestExecuteEmptyChain(t *testing.T) {
	svc := newService(&recordingSink{})
	_, err := svc.Execute(context.Background(), "req-1", models.CapabilityText, "",
		nil, models.GenerationOptions{}, runText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNoEligibleProvider, models.KindOf(err))
}

func TestExecuteParentCancellationStopsChain(t *testing.T) {
	svc := newService(&recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	alpha := adaptertest.New("alpha")
	alpha.TextFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (*models.NormalizedResult, error) {
		cancel()
		return nil, models.NewServiceUnavailableError("alpha", "down", nil)
	}
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	_, err := svc.Execute(ctx, "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, runText)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, b.Adapter.(*adaptertest.Adapter).Calls())
}

func drain(t *testing.T, stream adapters.ChunkStream) (string, error) {
	t.Helper()
	var content string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return content, nil
		}
		if err != nil {
			return content, err
		}
		content += chunk.DeltaContent
	}
}

func TestExecuteStreamHappyPath(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	a := candidate(adaptertest.New("alpha"), 0)

	stream, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cand.Provider.ID)

	content, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "streamed from alpha", content)
	assert.Equal(t, []models.AttemptOutcome{models.OutcomeSuccess}, sink.outcomes())
	sink.mu.Lock()
	assert.Equal(t, models.Usage{InputTokens: 10, OutputTokens: 5}, sink.attempts[0].Usage)
	sink.mu.Unlock()
}

func TestExecuteStreamFallsBackBeforeFirstChunk(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return nil, models.NewServiceUnavailableError("alpha", "down", nil)
	}
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	stream, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	assert.Equal(t, "beta", cand.Provider.ID)

	content, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "streamed from beta", content)

	_, aFailures := a.Breaker.Snapshot()
	assert.Equal(t, 1, aFailures)
}

func TestExecuteStreamErrorOnFirstRecvFallsBack(t *testing.T) {
	svc := newService(&recordingSink{})
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return adaptertest.NewScriptedStream(
			adaptertest.ErrEvent(models.NewServiceUnavailableError("alpha", "reset", nil)),
		), nil
	}
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	_, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	assert.Equal(t, "beta", cand.Provider.ID)
}

func TestExecuteStreamNoFallbackAfterPartialDelivery(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return adaptertest.NewScriptedStream(
			adaptertest.Chunk("partial "),
			adaptertest.ErrEvent(models.NewServiceUnavailableError("alpha", "reset", nil)),
		), nil
	}
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	stream, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cand.Provider.ID)

	content, err := drain(t, stream)
	require.Error(t, err)
	assert.Equal(t, "partial ", content)
	assert.Equal(t, models.ErrKindStreamInterrupted, models.KindOf(err))
	// The committed stream never falls over to beta.
	assert.EqualValues(t, 0, b.Adapter.(*adaptertest.Adapter).Calls())

	_, aFailures := a.Breaker.Snapshot()
	assert.Equal(t, 1, aFailures)
}

func TestStreamCloseBeforeFinalChunkReleasesProbe(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	a := candidate(adaptertest.New("alpha"), 0)
	openPastReset(t, a)

	stream, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	require.Equal(t, "alpha", cand.Provider.ID)

	// The caller pulls one chunk and walks away mid-stream.
	_, err = stream.Recv()
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	// Abandonment is not a verdict: the breaker stays half-open with the
	// probe slot free for the next request.
	assert.Equal(t, circuitbreaker.HalfOpen, a.Breaker.GetState())
	assert.True(t, a.Breaker.CanExecute())
	assert.Equal(t, []models.AttemptOutcome{models.OutcomeCanceled}, sink.outcomes())
}

func TestStreamFatalErrorBeforeFirstChunkReleasesProbe(t *testing.T) {
	sink := &recordingSink{}
	svc := newService(sink)
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return nil, models.NewContentFilterError("alpha", "refused")
	}
	a := candidate(alpha, 0)
	openPastReset(t, a)

	_, _, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, openText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindContentFilter, models.KindOf(err))

	assert.Equal(t, circuitbreaker.HalfOpen, a.Breaker.GetState())
	assert.True(t, a.Breaker.CanExecute())
}

func TestExecuteStreamEOFBeforeFirstChunkIsOutage(t *testing.T) {
	svc := newService(&recordingSink{})
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return adaptertest.NewScriptedStream(), nil
	}
	a := candidate(alpha, 0)
	b := candidate(adaptertest.New("beta"), 0)

	_, cand, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a, b}, models.GenerationOptions{}, openText)
	require.NoError(t, err)
	assert.Equal(t, "beta", cand.Provider.ID)
}

func TestExecuteStreamAllCandidatesFail(t *testing.T) {
	svc := newService(&recordingSink{})
	alpha := adaptertest.New("alpha")
	alpha.StreamFunc = func(ctx context.Context, prompt string, opts models.GenerationOptions, providerModelID string) (adapters.ChunkStream, error) {
		return nil, models.NewServiceUnavailableError("alpha", "down", nil)
	}
	a := candidate(alpha, 0)

	_, _, err := svc.ExecuteStream(context.Background(), "req-1", models.CapabilityText, "",
		[]registry.Candidate{a}, models.GenerationOptions{}, openText)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindAllProvidersFailed, models.KindOf(err))
}
