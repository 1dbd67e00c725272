package api

import (
	"time"

	"github.com/lanternhq/modelgate/internal/services/cache"
	"github.com/lanternhq/modelgate/internal/services/registry"
	"github.com/lanternhq/modelgate/internal/services/telemetry"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports service liveness plus per-provider routing health.
type HealthHandler struct {
	registry    *registry.Registry
	stats       *telemetry.Service
	promptCache *cache.PromptCache
}

// NewHealthHandler creates a health handler. promptCache may be nil when
// caching is disabled.
func NewHealthHandler(reg *registry.Registry, stats *telemetry.Service, promptCache *cache.PromptCache) *HealthHandler {
	return &HealthHandler{registry: reg, stats: stats, promptCache: promptCache}
}

// HealthCheck returns overall status plus a per-provider breakdown of
// breaker state and rolling statistics. The service degrades rather than
// fails while at least one provider circuit remains usable.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	entries := h.registry.List()

	providers := make(fiber.Map, len(entries))
	usable := 0
	for _, entry := range entries {
		state, failures := entry.Breaker.Snapshot()
		// Available is a pure read; CanExecute would claim the half-open
		// probe slot on behalf of a request that never runs.
		if entry.Descriptor.Enabled && entry.Breaker.Available() {
			usable++
		}
		providers[entry.Descriptor.ID] = fiber.Map{
			"enabled":         entry.Descriptor.Enabled,
			"circuit_state":   state.String(),
			"recent_failures": failures,
			"avg_latency_ms":  h.stats.AvgLatency(entry.Descriptor.ID).Milliseconds(),
			"error_rate":      h.stats.ErrorRate(entry.Descriptor.ID),
		}
	}

	status := "healthy"
	statusCode := fiber.StatusOK
	switch {
	case len(entries) == 0 || usable == 0:
		status = "unhealthy"
		statusCode = fiber.StatusServiceUnavailable
	case usable < len(entries):
		status = "degraded"
	}

	checks := fiber.Map{"providers": providers}
	if h.promptCache != nil {
		checks["cache"] = h.checkCache(c)
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (h *HealthHandler) checkCache(c *fiber.Ctx) string {
	if err := h.promptCache.Ping(c.UserContext()); err != nil {
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}
