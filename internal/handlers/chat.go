package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"forge/internal/audit"
	"forge/internal/collector"
	"forge/internal/metrics"
	"forge/internal/models"
)

// Upstream is the serving backend behind the gateway
type Upstream interface {
	ChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (json.RawMessage, error)
	Model() string
	Name() string
}

// chatAuditRecord is the JSONL shape of one gateway request
type chatAuditRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Caller         string    `json:"caller"`
	Domain         string    `json:"domain"`
	Model          string    `json:"model"`
	PromptChars    int       `json:"prompt_chars"`
	ResponseChars  int       `json:"response_chars"`
	DurationMs     int64     `json:"duration_ms"`
	ShadowAdmitted bool      `json:"shadow_admitted"`
}

// ChatHandler proxies OpenAI-compatible chat completions to the serving
// backend and, as a side effect, offers each exchange to the shadow
// collector. The live path never waits on collection.
type ChatHandler struct {
	upstream   Upstream
	domains    *models.DomainsConfig
	shadow     *collector.ShadowCollector // nil when no shadow backend is configured
	requestLog *audit.DailyWriter         // nil disables request auditing
}

// NewChatHandler creates a chat completions handler
func NewChatHandler(upstream Upstream, domains *models.DomainsConfig, shadow *collector.ShadowCollector, requestLog *audit.DailyWriter) *ChatHandler {
	return &ChatHandler{
		upstream:   upstream,
		domains:    domains,
		shadow:     shadow,
		requestLog: requestLog,
	}
}

// Handle serves POST /v1/chat/completions
func (h *ChatHandler) Handle(c *fiber.Ctx) error {
	var req models.ChatCompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body: " + err.Error(),
		})
	}
	if len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "messages must not be empty",
		})
	}
	if req.Stream {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "streaming is not supported",
		})
	}

	domain := h.resolveDomain(c)
	if domain == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown domain: " + c.Get("X-Forge-Domain"),
		})
	}

	req.Model = domain.Model
	if domain.SystemPrompt != "" && !hasSystemMessage(req.Messages) {
		req.Messages = append([]models.ChatMessage{
			{Role: "system", Content: domain.SystemPrompt},
		}, req.Messages...)
	}

	start := time.Now()
	resp, err := h.upstream.ChatCompletion(c.Context(), &req)
	duration := time.Since(start)

	if m := metrics.Get(); m != nil {
		m.UpstreamLatency.Observe(duration.Seconds())
	}

	if err != nil {
		log.Printf("❌ [CHAT] Upstream %s failed: %v", h.upstream.Name(), err)
		if m := metrics.Get(); m != nil {
			m.ChatErrors.WithLabelValues("upstream").Inc()
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Upstream request failed",
		})
	}

	resp.ForgeDomain = domain.Name

	prompt := lastUserContent(req.Messages)
	admitted := false
	if h.shadow != nil && prompt != "" {
		admitted = h.shadow.CollectPair(collector.PairRequest{
			Prompt:            prompt,
			RoutedTo:          h.upstream.Name(),
			PrimaryResponse:   resp.FirstContent(),
			PrimaryDurationMs: duration.Milliseconds(),
			HasToolCalls:      resp.HasToolCalls(),
		})
	}

	if h.requestLog != nil {
		caller, _ := c.Locals("caller").(string)
		record := chatAuditRecord{
			Timestamp:      time.Now().UTC(),
			Caller:         caller,
			Domain:         domain.Name,
			Model:          req.Model,
			PromptChars:    len(prompt),
			ResponseChars:  len(resp.FirstContent()),
			DurationMs:     duration.Milliseconds(),
			ShadowAdmitted: admitted,
		}
		if err := h.requestLog.Write(record); err != nil {
			log.Printf("⚠️  [CHAT] Failed to write request audit: %v", err)
		}
	}

	return c.JSON(resp)
}

// resolveDomain picks the serving domain from the X-Forge-Domain header,
// falling back to the default.
func (h *ChatHandler) resolveDomain(c *fiber.Ctx) *models.Domain {
	name := c.Get("X-Forge-Domain")
	if name == "" {
		name = h.domains.Default
	}
	return h.domains.Find(name)
}

func hasSystemMessage(messages []models.ChatMessage) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

// lastUserContent returns the most recent user turn, the prompt the
// collector samples on.
func lastUserContent(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
