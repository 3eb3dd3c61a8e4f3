package api

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrdadan/pagecheck/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	Version           string
	RateLimitRequests int           // requests per window
	RateLimitWindow   time.Duration // time window
	IdempotencyTTL    time.Duration // TTL for idempotency keys
	BaseURL           string        // Base URL for full URLs in responses
	MaxRunTimeout     time.Duration
	MaxRetries        int
	AllowedIPs        []string
	PageRoot          string // Directory run pages must live in; empty allows any
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		BaseURL:           "http://localhost:8000",
		MaxRunTimeout:     5 * time.Minute,
		MaxRetries:        10,
		PageRoot:          ".",
	}
}

// SetupRoutes registers every endpoint on app. The returned func stops the
// background cleanup of the rate limiter and the idempotency store.
func SetupRoutes(app *fiber.App, q RunQueue, config RouteConfig) func() {
	rateLimiter := security.NewRateLimiter(security.RateLimitConfig{
		RequestsPerWindow: config.RateLimitRequests,
		WindowDuration:    config.RateLimitWindow,
		BurstMax:          20,
	})
	idempotencyStore := security.NewIdempotencyStore(config.IdempotencyTTL)
	secMiddleware := security.NewMiddleware(rateLimiter, idempotencyStore)

	handler := NewHandler(config.Version)
	runHandler := NewRunHandler(q, idempotencyStore, config)

	app.Get("/health", handler.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	pagecheck := app.Group("/pagecheck")
	pagecheck.Use(security.IPAllowlistMiddleware(config.AllowedIPs))
	pagecheck.Use(security.SecurityHeadersMiddleware())

	pagecheck.Get("/scenarios", handler.ListScenarios)

	runs := pagecheck.Group("/runs")
	runs.Use(secMiddleware.RateLimitMiddleware())

	runs.Get("", runHandler.ListRuns)
	runs.Post("",
		security.RequestValidationMiddleware(),
		secMiddleware.IdempotencyMiddleware(),
		runHandler.CreateRun,
	)
	runs.Get("/:run_id", runHandler.GetRunStatus)
	runs.Get("/:run_id/result", runHandler.GetRunResult)
	runs.Get("/:run_id/screenshot", runHandler.GetScreenshot)
	runs.Post("/:run_id/cancel", runHandler.CancelRun)
	runs.Get("/:run_id/events", runHandler.StreamEvents)

	pagecheck.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	pagecheck.Get("/ws", websocket.New(runHandler.HandleWebSocket))

	return func() {
		rateLimiter.Stop()
		idempotencyStore.Stop()
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// wsBase turns an http(s) base URL into its ws(s) counterpart.
func wsBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
