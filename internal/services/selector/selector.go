// Package selector turns a normalized request into the ordered fallback
// chain the orchestrator consumes left to right.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/loadbalancer"
	"github.com/lanternhq/modelgate/internal/services/registry"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Stats supplies the rolling observations behind the performance and
// availability strategies. The telemetry service implements it.
type Stats interface {
	AvgLatency(provider string) time.Duration
	ErrorRate(provider string) float64
}

// Request is the capability-level view of a normalized request the selector
// needs: what to route, roughly how big it is, and any caller overrides.
type Request struct {
	Capability models.Capability
	ModelHint  string
	PromptText string
	// Messages carries the chat history when present; estimation then
	// includes per-message formatting overhead instead of measuring the
	// concatenated text.
	Messages []models.Message
	Options  models.GenerationOptions
	// Streaming additionally requires the model to support chunked output.
	Streaming bool
}

// Selector ranks eligible providers for a request.
type Selector struct {
	registry *registry.Registry
	balancer *loadbalancer.LoadBalancer
	stats    Stats
}

// New creates a selector over the given registry.
func New(reg *registry.Registry, balancer *loadbalancer.LoadBalancer, stats Stats) *Selector {
	return &Selector{registry: reg, balancer: balancer, stats: stats}
}

// Select returns the full fallback chain for the request, ordered by the
// strategy. The list excludes providers whose circuit cannot admit a request
// and models whose context window cannot hold the estimated input; an Open
// circuit past its reset timeout stays in the chain so the orchestrator can
// claim the half-open probe. An explicit provider override bypasses strategy
// ordering entirely.
func (s *Selector) Select(requestID string, req Request, strategy models.SelectionStrategy) ([]registry.Candidate, error) {
	estInput := EstimateTokens(req.PromptText)
	if len(req.Messages) > 0 {
		estInput = EstimateMessages(req.Messages)
	}

	if explicit := req.Options.ExplicitProvider; explicit != "" {
		return s.selectExplicit(requestID, req, explicit, estInput)
	}

	eligible := s.registry.ListEligible(req.Capability, req.ModelHint)
	if req.Streaming {
		eligible = filterStreaming(eligible)
	}
	if len(eligible) == 0 {
		return nil, models.NewNoEligibleProviderError(
			fmt.Sprintf("no provider exposes capability %q for model %q", req.Capability, hintOrAny(req.ModelHint)))
	}

	candidates, hadUndersized := filterCandidates(eligible, estInput)
	if len(candidates) == 0 {
		if hadUndersized {
			largest := eligible[0]
			for _, c := range eligible[1:] {
				if c.Model.MaxContextTokens > largest.Model.MaxContextTokens {
					largest = c
				}
			}
			return nil, models.NewContextLengthExceededError(largest.Model.ModelID, estInput, largest.Model.MaxContextTokens)
		}
		return nil, models.NewNoEligibleProviderError(
			fmt.Sprintf("all providers for capability %q are unavailable (circuits open)", req.Capability))
	}

	switch strategy {
	case models.StrategyCost:
		s.orderByCost(candidates, estInput, estimateOutput(req.Options))
	case models.StrategyPerformance:
		s.orderByMetric(candidates, func(c registry.Candidate) float64 {
			return float64(s.stats.AvgLatency(c.Provider.ID))
		})
	case models.StrategyAvailability:
		s.orderByMetric(candidates, func(c registry.Candidate) float64 {
			return s.stats.ErrorRate(c.Provider.ID)
		})
	case models.StrategyPriority, "":
		s.orderByPriority(candidates)
	default:
		fiberlog.Warnf("[%s] unknown selection strategy %q, falling back to priority", requestID, strategy)
		s.orderByPriority(candidates)
	}

	fiberlog.Debugf("[%s] selected %d candidates (strategy=%s, est_input=%d tokens)",
		requestID, len(candidates), strategy, estInput)
	return candidates, nil
}

func (s *Selector) selectExplicit(requestID string, req Request, explicit string, estInput int) ([]registry.Candidate, error) {
	// Registered ids are lowercased at load time; overrides match
	// case-insensitively.
	explicit = strings.ToLower(explicit)
	entry, ok := s.registry.Get(explicit)
	if !ok || !entry.Descriptor.Enabled {
		return nil, models.NewNoEligibleProviderError(
			fmt.Sprintf("explicit provider %q is not registered or disabled", explicit))
	}
	if !entry.Breaker.Available() {
		// Explicit override leaves no fallback chain, so an open circuit is
		// terminal for this request.
		return nil, models.NewNoEligibleProviderError(
			fmt.Sprintf("explicit provider %q is unavailable (circuit open)", explicit))
	}

	var match *models.ModelDescriptor
	for i, m := range entry.Models {
		if !m.HasCapability(req.Capability) {
			continue
		}
		if req.Streaming && !m.HasCapability(models.CapabilityStreaming) {
			continue
		}
		if req.ModelHint != "" && req.ModelHint != models.ModelHintAny && m.ModelID != req.ModelHint {
			continue
		}
		match = &entry.Models[i]
		break
	}
	if match == nil {
		return nil, models.NewNoEligibleProviderError(
			fmt.Sprintf("explicit provider %q does not expose capability %q for model %q",
				explicit, req.Capability, hintOrAny(req.ModelHint)))
	}
	if match.MaxContextTokens > 0 && estInput > match.MaxContextTokens {
		return nil, models.NewContextLengthExceededError(match.ModelID, estInput, match.MaxContextTokens)
	}

	fiberlog.Infof("[%s] explicit provider override: %s/%s", requestID, explicit, match.ModelID)
	return []registry.Candidate{{
		Provider: entry.Descriptor,
		Model:    *match,
		Adapter:  entry.Adapter,
		Breaker:  entry.Breaker,
	}}, nil
}

// filterCandidates drops unavailable circuits and undersized models. The
// breaker read never claims the probe; an Open circuit whose reset timeout
// elapsed stays eligible so the orchestrator's CanExecute can admit it.
// hadUndersized distinguishes "everything was too small" from "everything
// was unavailable" so the caller can return the right error kind.
func filterCandidates(eligible []registry.Candidate, estInput int) (kept []registry.Candidate, hadUndersized bool) {
	kept = make([]registry.Candidate, 0, len(eligible))
	for _, c := range eligible {
		if c.Model.MaxContextTokens > 0 && estInput > c.Model.MaxContextTokens {
			hadUndersized = true
			continue
		}
		if !c.Breaker.Available() {
			continue
		}
		kept = append(kept, c)
	}
	return kept, hadUndersized
}

// orderByCost sorts by ascending estimated request cost, priority breaking
// ties.
func (s *Selector) orderByCost(candidates []registry.Candidate, estInput, estOutput int) {
	cost := func(c registry.Candidate) float64 {
		return c.Model.CostPerInputToken*float64(estInput) + c.Model.CostPerOutputToken*float64(estOutput)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := cost(candidates[i]), cost(candidates[j])
		if ci != cj {
			return ci < cj
		}
		return candidates[i].Provider.Priority < candidates[j].Provider.Priority
	})
}

// orderByMetric sorts by an ascending observed metric, priority breaking
// ties.
func (s *Selector) orderByMetric(candidates []registry.Candidate, metric func(registry.Candidate) float64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		mi, mj := metric(candidates[i]), metric(candidates[j])
		if mi != mj {
			return mi < mj
		}
		return candidates[i].Provider.Priority < candidates[j].Provider.Priority
	})
}

// orderByPriority sorts by ascending priority and lets the load balancer
// order each tied-priority group by weight.
func (s *Selector) orderByPriority(candidates []registry.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Provider.Priority < candidates[j].Provider.Priority
	})
	start := 0
	for i := 1; i <= len(candidates); i++ {
		if i == len(candidates) || candidates[i].Provider.Priority != candidates[start].Provider.Priority {
			if i-start > 1 {
				s.balancer.Order(candidates[start:i])
			}
			start = i
		}
	}
}

func filterStreaming(eligible []registry.Candidate) []registry.Candidate {
	kept := eligible[:0]
	for _, c := range eligible {
		if c.Model.HasCapability(models.CapabilityStreaming) {
			kept = append(kept, c)
		}
	}
	return kept
}

func hintOrAny(hint string) string {
	if hint == "" {
		return models.ModelHintAny
	}
	return hint
}
