package invoicing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/env"
	"github.com/wholestack/jukebox/internal/pkg/gateway"
)

// ErrNotFound reports an invoice that is no longer (or never was) in the
// store. Absence is the designed signal for "already handled", not an
// exceptional path.
var ErrNotFound = errors.New("invoicing: invoice not found")

// ErrAlreadySettled is returned by Settle to the loser of the settlement
// race. No side effects ran for that caller.
var ErrAlreadySettled = errors.New("invoicing: invoice already settled")

// Store is the slice of the key-value store invoices persist in. Delete
// reports whether the key existed; that reply arbitrates the settlement race.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) (bool, error)
}

// Gateway is the slice of the payment gateway the lifecycle needs.
type Gateway interface {
	CreateInvoice(ctx context.Context, invoiceKey string, amount int64, memo string) (*gateway.InvoiceRef, error)
	PayInvoice(ctx context.Context, paymentRequest, adminKey string) (*gateway.PaymentResult, error)
	CheckPaid(ctx context.Context, invoiceKey, paymentHash string) (bool, error)
}

// ActionExecutor performs the gated action once payment is settled.
// Fire-and-forget from the settlement path's point of view.
type ActionExecutor interface {
	Execute(ctx context.Context, chatID int64, trackURIs []string)
}

// Notifier delivers a message to a conversation. Best effort; settlement
// never depends on it.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, message string) error
}

// Publisher fans settlement events out to side subscribers (web UI, MQTT).
// Best effort.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// MessageRemover removes the UI element that carried the payment prompt.
// Best effort.
type MessageRemover interface {
	RemoveMessage(ctx context.Context, chatID, messageID int64) error
}

// FeeSource resolves the configured donation fee of a conversation.
type FeeSource interface {
	DonationFee(ctx context.Context, chatID int64) (int64, error)
}

// PrincipalSource resolves principals with their gateway credentials.
type PrincipalSource interface {
	GetOrCreate(ctx context.Context, id int64, username string) (*models.User, error)
}

// Service owns the invoice lifecycle: create, persist, settle exactly once.
type Service struct {
	store      Store
	gateway    Gateway
	executor   ActionExecutor
	notifier   Notifier
	publisher  Publisher
	remover    MessageRemover
	fees       FeeSource
	principals PrincipalSource

	// botID is the designated system principal receiving donations.
	botID int64
}

// NewService wires an invoice lifecycle manager.
func NewService(store Store, gw Gateway, executor ActionExecutor, notifier Notifier, publisher Publisher, remover MessageRemover, fees FeeSource, principals PrincipalSource) *Service {
	return &Service{
		store:      store,
		gateway:    gw,
		executor:   executor,
		notifier:   notifier,
		publisher:  publisher,
		remover:    remover,
		fees:       fees,
		principals: principals,
		botID:      int64(env.GetEnvInt("BOT_ID", 0)),
	}
}

// Create requests a hash/request pair from the gateway for an invoice
// payable to recipient. Nothing is persisted; on gateway failure there is no
// partial state.
func (s *Service) Create(ctx context.Context, recipient *models.User, amount int64, memo string) (*models.Invoice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("invoicing: non-positive amount %d", amount)
	}
	ref, err := s.gateway.CreateInvoice(ctx, recipient.InvoiceKey, amount, memo)
	if err != nil {
		return nil, err
	}

	invoice := models.NewInvoice(ref.PaymentHash, ref.PaymentRequest)
	invoice.Amount = amount
	invoice.Recipient = recipient.Ref()
	invoice.Title = memo
	return invoice, nil
}

// Save persists the full invoice record. It must run before reconciliation
// is scheduled for the invoice.
func (s *Service) Save(ctx context.Context, invoice *models.Invoice) error {
	if err := invoice.Validate(); err != nil {
		return fmt.Errorf("invoicing: refusing to save invalid invoice: %w", err)
	}
	data, err := invoice.ToJSON()
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, invoice.Key(), data); err != nil {
		return fmt.Errorf("failed to persist invoice %s: %w", invoice.PaymentHash, err)
	}
	return nil
}

// Get loads an invoice by payment hash. ErrNotFound is a normal terminal
// state, never conflated with a store failure.
func (s *Service) Get(ctx context.Context, paymentHash string) (*models.Invoice, error) {
	data, err := s.store.Get(ctx, models.InvoiceKey(paymentHash))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %s: %w", paymentHash, err)
	}
	return models.InvoiceFromJSON(paymentHash, data)
}

// Delete removes an invoice record and reports whether this caller removed
// it. Exactly one concurrent caller sees true per payment hash.
func (s *Service) Delete(ctx context.Context, paymentHash string) (bool, error) {
	if paymentHash == "" {
		log.Error("[Invoicing] Delete called with empty payment hash")
		return false, nil
	}
	removed, err := s.store.Delete(ctx, models.InvoiceKey(paymentHash))
	if err != nil {
		return false, fmt.Errorf("failed to delete invoice %s: %w", paymentHash, err)
	}
	if !removed {
		log.Infof("[Invoicing] Invoice %s already deleted", paymentHash)
	}
	return removed, nil
}

// Pay attempts an immediate balance-funded payment by payer. It never
// deletes the invoice; settlement is the push/poll observers' job.
func (s *Service) Pay(ctx context.Context, payer *models.User, invoice *models.Invoice) (*gateway.PaymentResult, error) {
	return s.gateway.PayInvoice(ctx, invoice.PaymentRequest, payer.AdminKey)
}

// Paid asks the gateway whether the invoice has settled.
func (s *Service) Paid(ctx context.Context, invoice *models.Invoice) (bool, error) {
	recipient, err := s.principals.GetOrCreate(ctx, invoice.Recipient.ID, invoice.Recipient.Username)
	if err != nil {
		return false, err
	}
	return s.gateway.CheckPaid(ctx, recipient.InvoiceKey, invoice.PaymentHash)
}

// Settle completes a paid invoice. It is idempotent and the single path to
// visible side effects: the atomic test-and-delete on the store record
// decides the race between the push and poll observers, and only the winner
// proceeds. The loser gets ErrAlreadySettled and must treat it as success.
func (s *Service) Settle(ctx context.Context, invoice *models.Invoice) error {
	if invoice == nil || invoice.PaymentHash == "" {
		// Invariant violation: settle without a persisted invoice.
		if env.IsDev() {
			panic("invoicing: settle called without an invoice")
		}
		log.Error("[Invoicing] Settle called without an invoice")
		return ErrNotFound
	}

	removed, err := s.Delete(ctx, invoice.PaymentHash)
	if err != nil {
		return err
	}
	if !removed {
		return ErrAlreadySettled
	}

	// From here on this caller owns the settlement. Side channels fail open:
	// they must never block or reverse it.
	if invoice.MessageID != 0 {
		if err := s.remover.RemoveMessage(ctx, invoice.ChatID, invoice.MessageID); err != nil {
			log.Warnf("[Invoicing] Could not remove payment prompt for %s: %v", invoice.PaymentHash, err)
		}
	}

	s.executor.Execute(ctx, invoice.ChatID, invoice.TrackURIs)

	if err := s.notifier.Notify(ctx, invoice.ChatID, fmt.Sprintf("'%s' was added to the queue.", invoice.Title)); err != nil {
		log.Warnf("[Invoicing] Could not notify chat %d: %v", invoice.ChatID, err)
	}
	if err := s.publisher.Publish(ctx, fmt.Sprintf("%d/added_to_queue", invoice.ChatID), invoice.Title); err != nil {
		log.Warnf("[Invoicing] Could not publish settlement of %s: %v", invoice.PaymentHash, err)
	}

	s.donate(ctx, invoice)
	return nil
}

// donate moves the configured fee, clamped to the invoice amount, from the
// recipient to the system principal. A failed donation is logged and
// tolerated; it never undoes the already completed gated action.
func (s *Service) donate(ctx context.Context, invoice *models.Invoice) {
	fee, err := s.fees.DonationFee(ctx, invoice.ChatID)
	if err != nil {
		log.Errorf("[Invoicing] Could not resolve donation fee for chat %d: %v", invoice.ChatID, err)
		return
	}
	amount := EffectiveDonation(fee, invoice.Amount)
	if amount <= 0 {
		return
	}

	bot, err := s.principals.GetOrCreate(ctx, s.botID, "")
	if err != nil {
		log.Errorf("[Invoicing] Could not resolve system principal: %v", err)
		return
	}
	donor, err := s.principals.GetOrCreate(ctx, invoice.Recipient.ID, invoice.Recipient.Username)
	if err != nil {
		log.Errorf("[Invoicing] Could not resolve donor %d: %v", invoice.Recipient.ID, err)
		return
	}

	donation, err := s.Create(ctx, bot, amount, "donation to the bot")
	if err != nil {
		log.Errorf("[Invoicing] Could not create donation invoice for %s: %v", invoice.PaymentHash, err)
		return
	}
	result, err := s.Pay(ctx, donor, donation)
	if err != nil {
		log.Errorf("[Invoicing] Donation payment for %s errored: %v", invoice.PaymentHash, err)
		return
	}
	if !result.Success {
		log.Errorf("[Invoicing] Donation payment for %s rejected: %s", invoice.PaymentHash, result.Detail)
	}
}

// EffectiveDonation clamps the configured fee to the invoice amount: the
// donation never exceeds what was actually paid.
func EffectiveDonation(fee, amount int64) int64 {
	if fee > amount {
		return amount
	}
	if fee < 0 {
		return 0
	}
	return fee
}
