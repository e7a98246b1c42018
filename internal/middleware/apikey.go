package middleware

import (
	"bufio"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v2"
)

// KeySet holds the credentials the gateway accepts. Keys are stored as
// SHA-256 digests so the plaintext never sits in memory longer than one
// comparison. An empty set means open mode: every request passes with the
// caller recorded as anonymous.
type KeySet struct {
	mu     sync.RWMutex
	hashes map[string]string // digest -> caller label
	file   string
}

// NewKeySet builds a key set from a comma-separated env value and an
// optional key file (one key per line, # comments allowed). Either source
// may be empty.
func NewKeySet(envKeys, keyFile string) (*KeySet, error) {
	ks := &KeySet{hashes: map[string]string{}, file: keyFile}

	for i, key := range strings.Split(envKeys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		ks.hashes[hashKey(key)] = callerLabel("env", i, key)
	}

	if keyFile != "" {
		if err := ks.loadFile(); err != nil {
			return nil, err
		}
	}

	if len(ks.hashes) == 0 {
		log.Printf("⚠️  [APIKEY-AUTH] No API keys configured, gateway is running OPEN")
	} else {
		log.Printf("🔑 [APIKEY-AUTH] Loaded %d API keys", len(ks.hashes))
	}
	return ks, nil
}

// Open reports whether the set accepts unauthenticated requests
func (ks *KeySet) Open() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.hashes) == 0
}

// Validate checks a presented key and returns its caller label
func (ks *KeySet) Validate(key string) (string, bool) {
	digest := hashKey(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for stored, label := range ks.hashes {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) == 1 {
			return label, true
		}
	}
	return "", false
}

// loadFile re-reads the key file, merging its keys over the env-provided
// ones. File keys replace previous file keys wholesale.
func (ks *KeySet) loadFile() error {
	f, err := os.Open(ks.file)
	if err != nil {
		return err
	}
	defer f.Close()

	fileHashes := map[string]string{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		key := strings.TrimSpace(scanner.Text())
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		fileHashes[hashKey(key)] = callerLabel("file", line, key)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	for digest, label := range ks.hashes {
		if strings.HasPrefix(label, "env-") {
			fileHashes[digest] = label
		}
	}
	ks.hashes = fileHashes
	return nil
}

// WatchFile hot-reloads the key file on change so key rotation does not
// need a gateway restart. Runs until the watcher fails.
func (ks *KeySet) WatchFile() error {
	if ks.file == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(ks.file); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := ks.loadFile(); err != nil {
					log.Printf("⚠️  [APIKEY-AUTH] Key file reload failed: %v", err)
					continue
				}
				log.Printf("🔄 [APIKEY-AUTH] Key file reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️  [APIKEY-AUTH] Key file watcher error: %v", err)
			}
		}
	}()
	return nil
}

// APIKeyAuth validates the Authorization bearer token or X-API-Key header
// against the key set and stores the caller label for downstream handlers.
func APIKeyAuth(ks *KeySet) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if ks.Open() {
			c.Locals("caller", "anonymous")
			return c.Next()
		}

		key := extractKey(c)
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing API key. Use Authorization: Bearer or the X-API-Key header.",
			})
		}

		caller, ok := ks.Validate(key)
		if !ok {
			log.Printf("❌ [APIKEY-AUTH] Invalid key attempt from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API key",
			})
		}

		c.Locals("caller", caller)
		return c.Next()
	}
}

func extractKey(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return c.Get("X-API-Key")
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// callerLabel identifies a key in logs and rate-limit buckets without
// exposing it: source, position and a short prefix.
func callerLabel(source string, n int, key string) string {
	prefix := key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%d:%s", source, n, prefix)
}
