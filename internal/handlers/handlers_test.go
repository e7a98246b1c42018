package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"forge/internal/models"
)

type fakeUpstream struct {
	lastReq  *models.ChatCompletionRequest
	response string
	err      error
}

func (f *fakeUpstream) ChatCompletion(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.ChatCompletionResponse{
		ID:     "cmpl-1",
		Model:  req.Model,
		Object: "chat.completion",
		Choices: []models.Choice{
			{Message: models.ChatMessage{Role: "assistant", Content: f.response}},
		},
	}, nil
}

func (f *fakeUpstream) ListModels(ctx context.Context) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"object":"list","data":[{"id":"forge-local"}]}`), nil
}

func (f *fakeUpstream) Model() string { return "forge-local" }
func (f *fakeUpstream) Name() string  { return "serving" }

func testDomains() *models.DomainsConfig {
	return &models.DomainsConfig{
		Default: "coding",
		Domains: []models.Domain{
			{Name: "coding", Model: "forge-local", SystemPrompt: "You write code."},
			{Name: "chat", Model: "forge-chat"},
		},
	}
}

func chatApp(up *fakeUpstream) *fiber.App {
	app := fiber.New()
	h := NewChatHandler(up, testDomains(), nil, nil)
	app.Post("/v1/chat/completions", h.Handle)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}, headers map[string]string) (int, []byte) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestChat_ProxiesAndTagsDomain(t *testing.T) {
	up := &fakeUpstream{response: "hello there"}
	app := chatApp(up)

	status, body := postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, nil)

	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, body)
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Response is not valid JSON: %v", err)
	}
	if resp.ForgeDomain != "coding" {
		t.Errorf("Expected forge_domain coding, got %q", resp.ForgeDomain)
	}
	if resp.FirstContent() != "hello there" {
		t.Errorf("Expected upstream content passed through, got %q", resp.FirstContent())
	}
	if up.lastReq.Model != "forge-local" {
		t.Errorf("Expected domain model set, got %q", up.lastReq.Model)
	}
}

func TestChat_InjectsSystemPromptWhenAbsent(t *testing.T) {
	up := &fakeUpstream{response: "ok"}
	app := chatApp(up)

	postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "write code"}},
	}, nil)

	if len(up.lastReq.Messages) != 2 || up.lastReq.Messages[0].Role != "system" {
		t.Fatalf("Expected injected system prompt, got %+v", up.lastReq.Messages)
	}
	if up.lastReq.Messages[0].Content != "You write code." {
		t.Errorf("Expected domain system prompt, got %q", up.lastReq.Messages[0].Content)
	}
}

func TestChat_KeepsCallerSystemPrompt(t *testing.T) {
	up := &fakeUpstream{response: "ok"}
	app := chatApp(up)

	postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: "my own instructions"},
			{Role: "user", Content: "hi"},
		},
	}, nil)

	if len(up.lastReq.Messages) != 2 {
		t.Fatalf("Expected no injection over a caller system prompt, got %+v", up.lastReq.Messages)
	}
	if up.lastReq.Messages[0].Content != "my own instructions" {
		t.Errorf("Caller system prompt must win, got %q", up.lastReq.Messages[0].Content)
	}
}

func TestChat_DomainHeaderSelectsDomain(t *testing.T) {
	up := &fakeUpstream{response: "ok"}
	app := chatApp(up)

	status, body := postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, map[string]string{"X-Forge-Domain": "chat"})

	if status != fiber.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", status, body)
	}
	if up.lastReq.Model != "forge-chat" {
		t.Errorf("Expected chat domain model, got %q", up.lastReq.Model)
	}

	status, _ = postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, map[string]string{"X-Forge-Domain": "nonsense"})
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for unknown domain, got %d", status)
	}
}

func TestChat_RejectsBadRequests(t *testing.T) {
	app := chatApp(&fakeUpstream{response: "ok"})

	status, _ := postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{}, nil)
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for empty messages, got %d", status)
	}

	status, _ = postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, nil)
	if status != fiber.StatusBadRequest {
		t.Errorf("Expected 400 for streaming, got %d", status)
	}
}

func TestChat_UpstreamFailureIs502(t *testing.T) {
	app := chatApp(&fakeUpstream{err: errors.New("connection refused")})

	status, _ := postJSON(t, app, "/v1/chat/completions", models.ChatCompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	}, nil)
	if status != fiber.StatusBadGateway {
		t.Errorf("Expected 502 on upstream failure, got %d", status)
	}
}

func TestHealth(t *testing.T) {
	app := fiber.New()
	app.Get("/health", NewHealthHandler(testDomains(), true).Handle)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Health response is not JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", body["status"])
	}
	if body["domain"] != "coding" || body["model"] != "forge-local" {
		t.Errorf("Expected default domain/model reported, got %v/%v", body["domain"], body["model"])
	}
	if body["auth_required"] != true {
		t.Errorf("Expected auth_required true, got %v", body["auth_required"])
	}
}

type fakeStats struct {
	stats *models.ForgeStats
	err   error
}

func (f *fakeStats) GetForgeStats() (*models.ForgeStats, error) { return f.stats, f.err }

func TestForgeStats(t *testing.T) {
	app := fiber.New()
	h := NewForgeHandler(&fakeStats{stats: &models.ForgeStats{
		TotalPairs:     12,
		UnusedPairs:    5,
		TaskTypeCounts: map[string]int{"coding": 8, "chat": 4},
	}}, nil, testDomains())
	app.Get("/v1/forge/stats", h.Stats)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/forge/stats", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var stats models.ForgeStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Stats response is not JSON: %v", err)
	}
	if stats.TotalPairs != 12 || stats.UnusedPairs != 5 {
		t.Errorf("Expected pair counts passed through, got %+v", stats)
	}
	if stats.TaskTypeCounts["coding"] != 8 {
		t.Errorf("Expected task histogram, got %v", stats.TaskTypeCounts)
	}
}

func TestForgeStats_StoreErrorIs500(t *testing.T) {
	app := fiber.New()
	h := NewForgeHandler(&fakeStats{err: errors.New("db locked")}, nil, testDomains())
	app.Get("/v1/forge/stats", h.Stats)

	resp, _ := app.Test(httptest.NewRequest("GET", "/v1/forge/stats", nil))
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
}

type fakeVersions struct {
	v *models.ModelVersion
}

func (f *fakeVersions) Active() (*models.ModelVersion, error) { return f.v, nil }

func TestForgeVersion(t *testing.T) {
	app := fiber.New()
	h := NewForgeHandler(&fakeStats{}, &fakeVersions{v: &models.ModelVersion{Version: "v7", Active: true}}, testDomains())
	app.Get("/v1/forge/version", h.Version)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/forge/version", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var v models.ModelVersion
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Version response is not JSON: %v", err)
	}
	if v.Version != "v7" {
		t.Errorf("Expected v7, got %s", v.Version)
	}
}

func TestForgeVersion_NoneActiveIs404(t *testing.T) {
	app := fiber.New()
	h := NewForgeHandler(&fakeStats{}, &fakeVersions{}, testDomains())
	app.Get("/v1/forge/version", h.Version)

	resp, _ := app.Test(httptest.NewRequest("GET", "/v1/forge/version", nil))
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("Expected 404 before first activation, got %d", resp.StatusCode)
	}
}

func TestModelsProxy(t *testing.T) {
	app := fiber.New()
	app.Get("/v1/models", NewModelsHandler(&fakeUpstream{}).Handle)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/models", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("forge-local")) {
		t.Errorf("Expected upstream listing passed through, got %s", body)
	}
}
