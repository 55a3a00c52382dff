package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/wholestack/jukebox/internal/api/v1"
	"github.com/wholestack/jukebox/internal/pkg/middleware"
)

// InstallRouter registers all HTTP routes on the app.
func InstallRouter(app *fiber.App, server *apiv1.APIServer) {
	api := app.Group("/api", limiter.New())

	v1 := api.Group("/v1")
	v1.Get("/ping", server.GetPing)
	v1.Post("/payments/callback", middleware.WebhookAuthMiddleware(), server.PostPaymentCallback)
	v1.Get("/invoices/:hash", server.GetInvoice)
	v1.Get("/chats/:chat/history", server.GetChatHistory)
	v1.Get("/stats", middleware.WebhookAuthMiddleware(), server.GetStats)
}
