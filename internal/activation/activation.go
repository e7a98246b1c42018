// Package activation distributes "a new model version is active" events
// between the trainer and the serving gateway, and caches the active
// version lookup on the serving path.
package activation

import (
	"context"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"forge/internal/models"
)

// Channel carrying activation announcements
const Channel = "forge:model_activated"

const activeKey = "active_version"

// Publisher announces activations over Redis
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher wraps a Redis client as an activation publisher
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishActivation broadcasts that version is now active
func (p *Publisher) PublishActivation(ctx context.Context, version string) error {
	if err := p.rdb.Publish(ctx, Channel, version).Err(); err != nil {
		return fmt.Errorf("failed to publish activation of %s: %w", version, err)
	}
	log.Printf("📣 [ACTIVATION] Announced %s on %s", version, Channel)
	return nil
}

// VersionSource is where the authoritative active version lives
type VersionSource interface {
	GetActiveVersion() (*models.ModelVersion, error)
}

// Cache is a TTL read-through over the active version. The TTL bounds
// staleness even without Redis; with Redis the subscriber invalidates the
// entry the moment an activation lands.
type Cache struct {
	source VersionSource
	cache  *gocache.Cache
}

// NewCache creates an active-version cache; ttl 0 means 30 seconds
func NewCache(source VersionSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Active returns the cached active version, reading through on a miss.
// nil means no version has been activated yet; that answer is cached too.
func (c *Cache) Active() (*models.ModelVersion, error) {
	if cached, found := c.cache.Get(activeKey); found {
		v, _ := cached.(*models.ModelVersion)
		return v, nil
	}

	v, err := c.source.GetActiveVersion()
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(activeKey, v)
	return v, nil
}

// Invalidate drops the cached entry so the next read hits the source
func (c *Cache) Invalidate() {
	c.cache.Delete(activeKey)
}

// Subscribe invalidates the cache on every announcement until ctx ends.
// Call it in a goroutine; it handles reconnects via the Redis pubsub
// channel semantics.
func (c *Cache) Subscribe(ctx context.Context, rdb *redis.Client) {
	pubsub := rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	log.Printf("👂 [ACTIVATION] Subscribed to %s", Channel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			log.Printf("🔁 [ACTIVATION] Version %s activated, refreshing", msg.Payload)
			c.Invalidate()
		}
	}
}
