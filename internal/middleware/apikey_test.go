package middleware

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func testApp(ks *KeySet) *fiber.App {
	app := fiber.New()
	app.Use(APIKeyAuth(ks))
	app.Get("/ping", func(c *fiber.Ctx) error {
		caller, _ := c.Locals("caller").(string)
		return c.SendString(caller)
	})
	return app
}

func TestAPIKeyAuth_OpenModeWithoutKeys(t *testing.T) {
	ks, err := NewKeySet("", "")
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	if !ks.Open() {
		t.Fatal("Expected open mode with no keys")
	}

	app := testApp(ks)
	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 in open mode, got %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth_BearerAndHeader(t *testing.T) {
	ks, err := NewKeySet("sk-forge-alpha,sk-forge-beta", "")
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	app := testApp(ks)

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Authorization", "Bearer sk-forge-alpha")
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 for bearer token, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-API-Key", "sk-forge-beta")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 for X-API-Key, got %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth_RejectsMissingAndWrongKeys(t *testing.T) {
	ks, err := NewKeySet("sk-forge-alpha", "")
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	app := testApp(ks)

	resp, _ := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("Authorization", "Bearer sk-forge-wrong")
	resp, _ = app.Test(req)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong key, got %d", resp.StatusCode)
	}
}

func TestAPIKeyAuth_RouteBeforeGroupStaysPublic(t *testing.T) {
	ks, err := NewKeySet("sk-forge-alpha", "")
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}

	// Mirrors the gateway layout: /v1/domains is registered before the
	// authenticated group, so it must be reachable without a key.
	app := fiber.New()
	app.Get("/v1/domains", func(c *fiber.Ctx) error { return c.SendString("ok") })
	v1 := app.Group("/v1", APIKeyAuth(ks))
	v1.Get("/models", func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/domains", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("Expected 200 on the public route without a key, got %d", resp.StatusCode)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/v1/models", nil))
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("Expected 401 on the grouped route without a key, got %d", resp.StatusCode)
	}
}

func TestKeySet_FileKeysAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	content := "# service keys\nsk-file-one\n\nsk-file-two\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ks, err := NewKeySet("sk-env-one", path)
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}

	for _, key := range []string{"sk-env-one", "sk-file-one", "sk-file-two"} {
		if _, ok := ks.Validate(key); !ok {
			t.Errorf("Expected key %q accepted", key)
		}
	}
	if _, ok := ks.Validate("# service keys"); ok {
		t.Error("Comment lines must not become keys")
	}
}

func TestKeySet_FileReloadRotatesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	if err := os.WriteFile(path, []byte("sk-old\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ks, err := NewKeySet("sk-env-keep", path)
	if err != nil {
		t.Fatalf("NewKeySet failed: %v", err)
	}
	if err := ks.WatchFile(); err != nil {
		t.Fatalf("WatchFile failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("sk-new\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, oldOK := ks.Validate("sk-old")
		_, newOK := ks.Validate("sk-new")
		if !oldOK && newOK {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if _, ok := ks.Validate("sk-old"); ok {
		t.Error("Expected rotated-out key rejected after reload")
	}
	if _, ok := ks.Validate("sk-new"); !ok {
		t.Error("Expected rotated-in key accepted after reload")
	}
	if _, ok := ks.Validate("sk-env-keep"); !ok {
		t.Error("Env keys must survive file reloads")
	}
}

func TestRateLimit_InMemoryFallback(t *testing.T) {
	app := fiber.New()
	app.Use(RateLimit(nil, 3))
	app.Get("/chat", func(c *fiber.Ctx) error { return c.SendString("ok") })

	var last int
	for i := 0; i < 4; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/chat", nil))
		if err != nil {
			t.Fatalf("Request %d failed: %v", i, err)
		}
		last = resp.StatusCode
	}
	if last != fiber.StatusTooManyRequests {
		t.Errorf("Expected 429 on the 4th request, got %d", last)
	}
}
