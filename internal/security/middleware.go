package security

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
)

// MaxBodySize bounds request bodies accepted by RequestValidationMiddleware.
const MaxBodySize = 1 << 20

// Middleware provides security middleware for Fiber
type Middleware struct {
	rateLimiter      *RateLimiter
	idempotencyStore *IdempotencyStore
}

// NewMiddleware creates a new security middleware
func NewMiddleware(rl *RateLimiter, is *IdempotencyStore) *Middleware {
	return &Middleware{
		rateLimiter:      rl,
		idempotencyStore: is,
	}
}

// ClientID identifies the caller: user id header, then API key, then IP.
func ClientID(c *fiber.Ctx) string {
	if id := c.Get("X-User-ID"); id != "" {
		return id
	}
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	return c.IP()
}

// RateLimitMiddleware returns a rate limiting middleware
func (m *Middleware) RateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := ClientID(c)
		allowed := m.rateLimiter.Allow(clientID)
		info := m.rateLimiter.GetInfo(clientID)

		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

		if !allowed {
			retryAfter := int64(time.Until(info.ResetAt).Seconds()) + 1
			c.Set("Retry-After", strconv.FormatInt(retryAfter, 10))

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
		}

		return c.Next()
	}
}

// IdempotencyMiddleware replays the stored response of a POST made again
// with the same X-Idempotency-Key.
func (m *Middleware) IdempotencyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		key := c.Get("X-Idempotency-Key")
		if key == "" {
			return c.Next()
		}

		if entry, exists := m.idempotencyStore.Check(key); exists {
			c.Set("X-Idempotency-Replayed", "true")
			return c.Status(fiber.StatusAccepted).JSON(entry.Response)
		}

		return c.Next()
	}
}

// Remember stores the response for the request's idempotency key, if it has one.
func (m *Middleware) Remember(c *fiber.Ctx, runID string, response interface{}) {
	if key := c.Get("X-Idempotency-Key"); key != "" {
		m.idempotencyStore.Store(key, runID, response)
	}
}

// SecurityHeadersMiddleware adds security headers and a request id
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'self'")

		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals("requestID", requestID)

		return c.Next()
	}
}

// RequestValidationMiddleware rejects non-JSON and oversized request bodies
func RequestValidationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut || c.Method() == fiber.MethodPatch {
			contentType := c.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"success": false,
					"error":   "Content-Type must be application/json",
				})
			}
		}

		if len(c.Body()) > MaxBodySize {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"success": false,
				"error":   "Request body too large",
			})
		}

		return c.Next()
	}
}

// IPAllowlistMiddleware rejects clients outside allowedIPs; empty allows all.
func IPAllowlistMiddleware(allowedIPs []string) fiber.Handler {
	ipSet := make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		ipSet[strings.TrimSpace(ip)] = true
	}

	return func(c *fiber.Ctx) error {
		if len(ipSet) == 0 || ipSet[c.IP()] {
			return c.Next()
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"error":   "Access denied",
		})
	}
}
