package api

import (
	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/config"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/registry"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// AdapterFactory constructs a backend adapter from a provider entry. The
// composition root supplies it so the handler stays decoupled from the
// concrete SDK packages.
type AdapterFactory func(entry config.ProviderEntry) (adapters.Adapter, error)

// AdminHandler manages the provider catalog at runtime.
type AdminHandler struct {
	registry *registry.Registry
	factory  AdapterFactory
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(reg *registry.Registry, factory AdapterFactory) *AdminHandler {
	return &AdminHandler{registry: reg, factory: factory}
}

// ListProviders returns every registered provider with its models.
func (h *AdminHandler) ListProviders(c *fiber.Ctx) error {
	entries := h.registry.List()
	out := make([]fiber.Map, 0, len(entries))
	for _, entry := range entries {
		state, _ := entry.Breaker.Snapshot()
		out = append(out, fiber.Map{
			"provider":      entry.Descriptor,
			"models":        entry.Models,
			"circuit_state": state.String(),
		})
	}
	return c.JSON(fiber.Map{"providers": out})
}

// RegisterProvider handles PUT /admin/providers. Registering an existing id
// replaces its descriptor and models while keeping breaker state.
func (h *AdminHandler) RegisterProvider(c *fiber.Ctx) error {
	reqID := requestID(c)

	var entry config.ProviderEntry
	if err := c.BodyParser(&entry); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed provider entry", err))
	}
	if entry.ID == "" || entry.Adapter == "" || len(entry.Models) == 0 {
		return handleError(c, reqID, models.NewInvalidRequestError("provider requires id, adapter and at least one model", nil))
	}

	adapter, err := h.factory(entry)
	if err != nil {
		return handleError(c, reqID, err)
	}

	h.registry.Register(entry.Descriptor(), entry.Models, adapter)
	fiberlog.Infof("[%s] provider %s registered with %d models", reqID, entry.ID, len(entry.Models))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"registered": entry.ID})
}

// UpdateProvider handles PATCH /admin/providers/:id. Only routing metadata
// is mutable; the provider id is not.
func (h *AdminHandler) UpdateProvider(c *fiber.Ctx) error {
	reqID := requestID(c)
	providerID := c.Params("id")

	var patch struct {
		Enabled    *bool    `json:"enabled"`
		Priority   *int     `json:"priority"`
		Weight     *float64 `json:"weight"`
		MaxRetries *int     `json:"max_retries"`
	}
	if err := c.BodyParser(&patch); err != nil {
		return handleError(c, reqID, models.NewInvalidRequestError("malformed provider patch", err))
	}

	ok := h.registry.Update(providerID, func(d models.ProviderDescriptor) models.ProviderDescriptor {
		if patch.Enabled != nil {
			d.Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			d.Priority = *patch.Priority
		}
		if patch.Weight != nil {
			d.Weight = *patch.Weight
		}
		if patch.MaxRetries != nil {
			d.MaxRetries = *patch.MaxRetries
		}
		return d
	})
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fiber.Map{"kind": "not_found", "message": "unknown provider: " + providerID},
		})
	}

	fiberlog.Infof("[%s] provider %s updated", reqID, providerID)
	return c.JSON(fiber.Map{"updated": providerID})
}

// DeregisterProvider handles DELETE /admin/providers/:id. In-flight
// requests against the provider run to completion; breaker state is
// discarded with the entry.
func (h *AdminHandler) DeregisterProvider(c *fiber.Ctx) error {
	reqID := requestID(c)
	providerID := c.Params("id")

	h.registry.Deregister(providerID)
	fiberlog.Infof("[%s] provider %s deregistered", reqID, providerID)
	return c.JSON(fiber.Map{"deregistered": providerID})
}
