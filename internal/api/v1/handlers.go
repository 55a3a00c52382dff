package apiv1

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/wholestack/jukebox/internal/pkg/history"
	"github.com/wholestack/jukebox/internal/pkg/invoicing"
	"github.com/wholestack/jukebox/internal/pkg/jukebox"
	"github.com/wholestack/jukebox/internal/pkg/stats"
)

// APIServer exposes the settlement subsystem over HTTP: the gateway's
// payment webhook, the invoice detail the pay page renders and a few
// operational read endpoints.
type APIServer struct {
	jukebox  *jukebox.Service
	invoices *invoicing.Service
	history  *history.Service
	stats    *stats.Service
	validate *validator.Validate
}

// NewAPIServer creates a new API server instance
func NewAPIServer(jb *jukebox.Service, invoices *invoicing.Service, historySvc *history.Service, statsSvc *stats.Service) *APIServer {
	return &APIServer{
		jukebox:  jb,
		invoices: invoices,
		history:  historySvc,
		stats:    statsSvc,
		validate: validator.New(),
	}
}

// PaymentCallbackRequest is the gateway's push notification body.
type PaymentCallbackRequest struct {
	PaymentHash string `json:"payment_hash" validate:"required"`
}

// PostPaymentCallback handles the gateway webhook. A hash that is unknown or
// already settled is still a 200: the notification did its job.
func (s *APIServer) PostPaymentCallback(c *fiber.Ctx) error {
	var req PaymentCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if err := s.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "payment_hash missing"})
	}

	if err := s.jukebox.OnPaymentNotification(c.Context(), req.PaymentHash); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Settlement failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// GetInvoice returns the redeemable payment request for an open invoice.
func (s *APIServer) GetInvoice(c *fiber.Ctx) error {
	hash := c.Params("hash")
	if hash == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "hash missing"})
	}

	invoice, err := s.invoices.Get(c.Context(), hash)
	if err != nil {
		if errors.Is(err, invoicing.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Invoice not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Invoice lookup failed"})
	}

	return c.JSON(fiber.Map{
		"payment_hash":    invoice.PaymentHash,
		"payment_request": invoice.PaymentRequest,
		"amount":          invoice.Amount,
		"title":           invoice.Title,
	})
}

// GetChatHistory returns the recently played titles of a conversation,
// newest first.
func (s *APIServer) GetChatHistory(c *fiber.Ctx) error {
	chatID, err := c.ParamsInt("chat")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid chat id"})
	}
	limit := c.QueryInt("limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}

	titles, err := s.history.Recent(c.Context(), int64(chatID), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "History lookup failed"})
	}
	return c.JSON(fiber.Map{"chat_id": chatID, "titles": titles})
}

// GetStats reports the system principal's balance and the known groups.
func (s *APIServer) GetStats(c *fiber.Ctx) error {
	balance, err := s.stats.BotBalance(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Balance lookup failed"})
	}
	groups, err := s.stats.Groups(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Group enumeration failed"})
	}

	items := make([]fiber.Map, 0, len(groups))
	for _, group := range groups {
		items = append(items, fiber.Map{"chat_id": group.ChatID, "owner_id": group.OwnerID})
	}
	return c.JSON(fiber.Map{"bot_balance": balance, "groups": items})
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}
