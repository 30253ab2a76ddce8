package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewApp assembles the Fiber application: the subdomain proxy first, then
// the versioned API, metrics and the liveness endpoint.
func NewApp(workspaces *WorkspaceHandler, proxy *ProxyHandler, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "lighthouse",
		DisableStartupMessage: true,
		// NDJSON batches from log shippers can be large.
		BodyLimit: 16 * 1024 * 1024,
	})
	app.Use(recover.New())

	if proxy != nil {
		app.Use(proxy.ProxyRequest)
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")
	workspaces.Register(v1)
	return app
}
