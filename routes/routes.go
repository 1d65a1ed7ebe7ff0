package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controller "mailnexy/controllers"
	"mailnexy/inbound"
	"mailnexy/middleware"
	"mailnexy/pacing"
	"mailnexy/repository"
	"mailnexy/utils"
)

// Options wires the HTTP surface.
type Options struct {
	Repo          repository.Repository
	Clock         pacing.Clock
	WebhookSecret string
	// EventsRateLimit is requests per minute per IP; zero disables the limiter.
	EventsRateLimit int
	// RateLimitStorage nil keeps limiter counters in memory.
	RateLimitStorage fiber.Storage
	// InboundFactory nil disables mailbox checks.
	InboundFactory inbound.Factory
}

func SetupRoutes(app *fiber.App, opts Options) {
	log := utils.Component("routes")

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	eventController := controller.NewEventController(opts.Repo, opts.Clock)
	senderController := controller.NewSenderController(opts.Repo, opts.InboundFactory)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.WebhookSecret(opts.WebhookSecret))

	eventHandlers := []fiber.Handler{}
	if opts.EventsRateLimit > 0 {
		eventHandlers = append(eventHandlers, middleware.EventRateLimiter(opts.EventsRateLimit, opts.RateLimitStorage))
	}
	eventHandlers = append(eventHandlers, eventController.RecordEvents)
	api.Post("/events", eventHandlers...)

	deliveries := api.Group("/deliveries")
	deliveries.Get("/:id", eventController.GetDelivery)
	deliveries.Post("/:id/trigger", eventController.TriggerDelivery)

	api.Post("/senders/:id/check", senderController.CheckSender)

	log.Info("Routes initialized successfully")
}
