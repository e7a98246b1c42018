package middleware

import (
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/redis/go-redis/v9"
)

// RateLimit limits chat requests per caller. When a Redis client is
// provided the counters live there and survive restarts and replicas;
// without one an in-memory sliding window covers the single-instance case.
func RateLimit(rdb *redis.Client, perMinute int) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 60
	}
	if rdb != nil {
		return redisRateLimit(rdb, perMinute)
	}
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "chat:" + callerOrIP(c)
		},
		LimiterMiddleware: limiter.SlidingWindow{},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Limit reached for %s on %s", callerOrIP(c), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
		},
	})
}

// redisRateLimit is a fixed one-minute window: INCR the caller's bucket,
// set the expiry on first hit, reject past the limit. Redis being down
// must not take the gateway down with it, so errors fail open.
func redisRateLimit(rdb *redis.Client, perMinute int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ratelimit:minute:" + callerOrIP(c)
		ctx := c.Context()

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Printf("⚠️  [RATE-LIMIT] Redis error: %v", err)
			return c.Next()
		}
		if count == 1 {
			rdb.Expire(ctx, key, time.Minute)
		}

		if count > int64(perMinute) {
			log.Printf("🚫 [RATE-LIMIT] Limit reached for %s on %s", callerOrIP(c), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(perMinute))
		remaining := int64(perMinute) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		return c.Next()
	}
}

func callerOrIP(c *fiber.Ctx) string {
	if caller, ok := c.Locals("caller").(string); ok && caller != "" && caller != "anonymous" {
		return caller
	}
	return c.IP()
}
