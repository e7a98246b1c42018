package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"forge/internal/models"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	domains      *models.DomainsConfig
	authRequired bool
	startTime    time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(domains *models.DomainsConfig, authRequired bool) *HealthHandler {
	return &HealthHandler{
		domains:      domains,
		authRequired: authRequired,
		startTime:    time.Now(),
	}
}

// Handle responds with gateway health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	var model string
	if d := h.domains.Find(h.domains.Default); d != nil {
		model = d.Model
	}
	return c.JSON(fiber.Map{
		"status":         "healthy",
		"domain":         h.domains.Default,
		"model":          model,
		"auth_required":  h.authRequired,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
