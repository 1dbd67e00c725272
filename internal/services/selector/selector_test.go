package selector

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters/adaptertest"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/circuitbreaker"
	"github.com/lanternhq/modelgate/internal/services/loadbalancer"
	"github.com/lanternhq/modelgate/internal/services/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStats serves fixed per-provider observations.
type stubStats struct {
	latency map[string]time.Duration
	errRate map[string]float64
}

func (s stubStats) AvgLatency(provider string) time.Duration { return s.latency[provider] }
func (s stubStats) ErrorRate(provider string) float64        { return s.errRate[provider] }

type providerSpec struct {
	id       string
	priority int
	weight   float64
	model    models.ModelDescriptor
}

func buildRegistry(t *testing.T, specs ...providerSpec) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, s := range specs {
		r.Register(models.ProviderDescriptor{
			ID:       s.id,
			Enabled:  true,
			Priority: s.priority,
			Weight:   s.weight,
		}, []models.ModelDescriptor{s.model}, adaptertest.New(s.id))
	}
	return r
}

func chatModel(id string, maxContext int, inCost, outCost float64) models.ModelDescriptor {
	return models.ModelDescriptor{
		ModelID:            id,
		ProviderModelID:    id + "-v1",
		Capabilities:       []models.Capability{models.CapabilityChat, models.CapabilityText, models.CapabilityStreaming},
		MaxContextTokens:   maxContext,
		CostPerInputToken:  inCost,
		CostPerOutputToken: outCost,
	}
}

func newSelector(r *registry.Registry, stats Stats) *Selector {
	if stats == nil {
		stats = stubStats{}
	}
	return New(r, loadbalancer.New(rand.NewSource(1)), stats)
}

func providerOrder(candidates []registry.Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Provider.ID
	}
	return out
}

func TestSelectOrdersByCost(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "pricey", priority: 1, model: chatModel("m", 8192, 0.03, 0.06)},
		providerSpec{id: "cheap", priority: 2, model: chatModel("m", 8192, 0.001, 0.002)},
		providerSpec{id: "middle", priority: 3, model: chatModel("m", 8192, 0.01, 0.02)},
	)
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hello world",
	}, models.StrategyCost)
	require.NoError(t, err)
	assert.Equal(t, []string{"cheap", "middle", "pricey"}, providerOrder(candidates))
}

func TestSelectOrdersByPerformance(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "slow", priority: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "fast", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, stubStats{latency: map[string]time.Duration{
		"slow": 900 * time.Millisecond,
		"fast": 80 * time.Millisecond,
	}})

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyPerformance)
	require.NoError(t, err)
	assert.Equal(t, []string{"fast", "slow"}, providerOrder(candidates))
}

func TestSelectOrdersByAvailability(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "flaky", priority: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "steady", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, stubStats{errRate: map[string]float64{
		"flaky":  0.4,
		"steady": 0.01,
	}})

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyAvailability)
	require.NoError(t, err)
	assert.Equal(t, []string{"steady", "flaky"}, providerOrder(candidates))
}

func TestSelectPriorityOrderingWithWeightedTies(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "tier2", priority: 2, weight: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "tier1-a", priority: 1, weight: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "tier1-b", priority: 1, weight: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyPriority)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	// Lower priority value ranks first; the tied group may appear in either
	// order, but tier2 always comes last.
	assert.Equal(t, 1, candidates[0].Provider.Priority)
	assert.Equal(t, 1, candidates[1].Provider.Priority)
	assert.Equal(t, "tier2", candidates[2].Provider.ID)
}

func TestSelectSkipsOpenCircuits(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "broken", priority: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "healthy", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	entry, _ := r.Get("broken")
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, providerOrder(candidates))
}

func TestSelectKeepsOpenCircuitPastResetTimeout(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "recovering", priority: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "healthy", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	entry, _ := r.Get("recovering")
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}
	opened := time.Now()
	entry.Breaker.SetClock(func() time.Time { return opened.Add(time.Hour) })
	sel := newSelector(r, nil)

	// Well past the reset timeout the provider must re-enter the chain so
	// the orchestrator can admit the half-open probe; selection itself must
	// not move the breaker out of Open.
	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"recovering", "healthy"}, providerOrder(candidates))

	state, _ := entry.Breaker.Snapshot()
	assert.Equal(t, circuitbreaker.Open, state)
}

func TestSelectAllCircuitsOpen(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "a", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	entry, _ := r.Get("a")
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}
	sel := newSelector(r, nil)

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNoEligibleProvider, models.KindOf(err))
}

func TestSelectNoProviderForCapability(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "a", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityImage,
		PromptText: "hi",
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNoEligibleProvider, models.KindOf(err))
}

func TestSelectContextLengthFiltering(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "small", priority: 1, model: chatModel("m", 10, 0, 0)},
		providerSpec{id: "big", priority: 2, model: chatModel("m", 100000, 0, 0)},
	)
	sel := newSelector(r, nil)

	// ~250 estimated tokens: too big for "small", fine for "big".
	prompt := strings.Repeat("word ", 200)
	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: prompt,
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, providerOrder(candidates))
}

func TestSelectAllModelsTooSmall(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "small", priority: 1, model: chatModel("m", 10, 0, 0)},
		providerSpec{id: "smaller", priority: 2, model: chatModel("n", 5, 0, 0)},
	)
	sel := newSelector(r, nil)

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		PromptText: strings.Repeat("word ", 200),
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindContextLengthExceeded, models.KindOf(err))
	// The error names the largest available window so the caller knows the
	// best case they missed.
	assert.Contains(t, err.Error(), "model m")
}

func TestSelectChatEstimateIncludesMessageOverhead(t *testing.T) {
	// Four messages of ~2 tokens each: the concatenated text alone estimates
	// at 9 tokens, but per-message formatting overhead pushes the chat
	// estimate to 24. A 20-token window must reject the conversation.
	r := buildRegistry(t,
		providerSpec{id: "small", priority: 1, model: chatModel("m", 20, 0, 0)},
	)
	sel := newSelector(r, nil)

	messages := []models.Message{
		{Role: "system", Content: "hi there"},
		{Role: "user", Content: "hi there"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "hi there"},
	}
	var prompt strings.Builder
	for _, m := range messages {
		prompt.WriteString(m.Content + "\n")
	}

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: prompt.String(),
		Messages:   messages,
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindContextLengthExceeded, models.KindOf(err))

	// Without the message history the raw text fits.
	candidates, err := sel.Select("req-2", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: prompt.String(),
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"small"}, providerOrder(candidates))
}

func TestSelectExplicitProviderOverride(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "preferred", priority: 9, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "default", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
		Options:    models.GenerationOptions{ExplicitProvider: "preferred"},
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"preferred"}, providerOrder(candidates))
}

func TestSelectExplicitProviderOpenCircuitFailsFast(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "preferred", priority: 1, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "other", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	entry, _ := r.Get("preferred")
	for i := 0; i < 5; i++ {
		entry.Breaker.RecordFailure()
	}
	sel := newSelector(r, nil)

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
		Options:    models.GenerationOptions{ExplicitProvider: "preferred"},
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNoEligibleProvider, models.KindOf(err))
	assert.Contains(t, err.Error(), "circuit open")
}

func TestSelectExplicitProviderCaseInsensitive(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "preferred", priority: 2, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "default", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	// Registered ids are lowercased at load time; the override must match
	// regardless of how the caller spells it.
	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
		Options:    models.GenerationOptions{ExplicitProvider: "Preferred"},
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"preferred"}, providerOrder(candidates))
}

func TestSelectExplicitProviderUnknown(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "a", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	_, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		PromptText: "hi",
		Options:    models.GenerationOptions{ExplicitProvider: "nope"},
	}, models.StrategyPriority)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindNoEligibleProvider, models.KindOf(err))
}

func TestSelectStreamingRequiresStreamingCapability(t *testing.T) {
	noStream := models.ModelDescriptor{
		ModelID:          "m",
		Capabilities:     []models.Capability{models.CapabilityChat},
		MaxContextTokens: 8192,
	}
	r := buildRegistry(t,
		providerSpec{id: "batch-only", priority: 1, model: noStream},
		providerSpec{id: "streamer", priority: 2, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
		Streaming:  true,
	}, models.StrategyPriority)
	require.NoError(t, err)
	assert.Equal(t, []string{"streamer"}, providerOrder(candidates))
}

func TestSelectUnknownStrategyFallsBackToPriority(t *testing.T) {
	r := buildRegistry(t,
		providerSpec{id: "second", priority: 2, model: chatModel("m", 8192, 0, 0)},
		providerSpec{id: "first", priority: 1, model: chatModel("m", 8192, 0, 0)},
	)
	sel := newSelector(r, nil)

	candidates, err := sel.Select("req-1", Request{
		Capability: models.CapabilityChat,
		ModelHint:  "m",
		PromptText: "hi",
	}, models.SelectionStrategy("round-robin"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, providerOrder(candidates))
}
