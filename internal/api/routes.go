package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func RegisterRoutes(app *fiber.App, h *RFQHandler, checks ...HealthCheck) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		results := make(map[string]string, len(checks))
		status := "ok"
		code := fiber.StatusOK

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, hc := range checks {
			if err := hc.Check(healthCtx); err != nil {
				results[hc.Name] = err.Error()
				status = "degraded"
				code = fiber.StatusServiceUnavailable
				continue
			}
			results[hc.Name] = "ok"
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Post("/rfqs", h.Create)
	v1.Get("/rfqs", h.List)
	v1.Get("/rfqs/:id", h.Get)
	v1.Get("/rfqs/:id/events", h.Events)
	v1.Post("/rfqs/:id/cancel", h.Cancel)
	v1.Post("/rfqs/:id/select", h.Select)
	v1.Post("/rfqs/:id/execute", h.Execute)
	v1.Get("/venues", h.Venues)
	v1.Get("/venues/:id/health", h.VenueHealth)
}
