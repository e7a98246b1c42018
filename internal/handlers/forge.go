package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"

	"forge/internal/models"
)

// StatsSource provides the aggregate forge snapshot
type StatsSource interface {
	GetForgeStats() (*models.ForgeStats, error)
}

// VersionSource provides the (possibly cached) active model version
type VersionSource interface {
	Active() (*models.ModelVersion, error)
}

// ForgeHandler exposes the pipeline's own state: collection progress,
// run history and the active version.
type ForgeHandler struct {
	stats    StatsSource
	versions VersionSource // nil falls back to the stats snapshot
	domains  *models.DomainsConfig
}

// NewForgeHandler creates the forge introspection handler
func NewForgeHandler(stats StatsSource, versions VersionSource, domains *models.DomainsConfig) *ForgeHandler {
	return &ForgeHandler{stats: stats, versions: versions, domains: domains}
}

// Version serves GET /v1/forge/version, the active model version
func (h *ForgeHandler) Version(c *fiber.Ctx) error {
	var active *models.ModelVersion
	var err error

	if h.versions != nil {
		active, err = h.versions.Active()
	} else {
		var stats *models.ForgeStats
		if stats, err = h.stats.GetForgeStats(); err == nil {
			active = stats.ActiveVersion
		}
	}
	if err != nil {
		log.Printf("❌ [FORGE] Version query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read active version",
		})
	}
	if active == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No version has been activated yet",
		})
	}
	return c.JSON(active)
}

// Stats serves GET /v1/forge/stats
func (h *ForgeHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.stats.GetForgeStats()
	if err != nil {
		log.Printf("❌ [FORGE] Stats query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read forge stats",
		})
	}
	return c.JSON(stats)
}

// Domains serves GET /v1/forge/domains
func (h *ForgeHandler) Domains(c *fiber.Ctx) error {
	return c.JSON(h.domains)
}

// ModelsHandler proxies the upstream model listing
type ModelsHandler struct {
	upstream Upstream
}

// NewModelsHandler creates a models listing handler
func NewModelsHandler(upstream Upstream) *ModelsHandler {
	return &ModelsHandler{upstream: upstream}
}

// Handle serves GET /v1/models verbatim from the serving backend
func (h *ModelsHandler) Handle(c *fiber.Ctx) error {
	raw, err := h.upstream.ListModels(c.Context())
	if err != nil {
		log.Printf("❌ [MODELS] Upstream listing failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Upstream request failed",
		})
	}
	c.Set("Content-Type", "application/json")
	return c.Send(json.RawMessage(raw))
}
