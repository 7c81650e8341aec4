package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Auth endpoint limits (per IP) — login/register are brute-force targets
	AuthMax        int
	AuthExpiration time.Duration

	// WebSocket connection limits (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		AuthMax:        10,
		AuthExpiration: 1 * time.Minute,

		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,
	}
}

// AuthRateLimiter limits auth endpoint attempts per IP
func AuthRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.AuthMax,
		Expiration: cfg.AuthExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many attempts, please try again later",
			})
		},
	})
}

// WebSocketRateLimiter limits new WebSocket connections per IP
func WebSocketRateLimiter(cfg *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.WebSocketMax,
		Expiration: cfg.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many connection attempts, please try again later",
			})
		},
	})
}
