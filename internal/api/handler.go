package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// Handler serves the endpoints that do not touch the run queue.
type Handler struct {
	version string
}

// NewHandler creates a new handler
func NewHandler(version string) *Handler {
	return &Handler{version: version}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: map[string]interface{}{
			"status":    "ok",
			"version":   h.version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ScenarioInfo summarizes a built-in scenario.
type ScenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
	Default     bool     `json:"default"`
}

// ListScenarios returns the built-in scenarios
// GET /pagecheck/scenarios
func (h *Handler) ListScenarios(c *fiber.Ctx) error {
	builtins, err := scenario.Builtins()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	infos := make([]ScenarioInfo, 0, len(builtins))
	for _, sc := range builtins {
		steps := make([]string, len(sc.Steps))
		for i, st := range sc.Steps {
			steps[i] = strings.TrimSpace(string(st.Action) + " " + st.Describe())
		}
		infos = append(infos, ScenarioInfo{
			Name:        sc.Name,
			Description: sc.Description,
			Steps:       steps,
			Default:     sc.Name == scenario.Default,
		})
	}

	return c.JSON(Response{
		Success: true,
		Data:    infos,
	})
}
