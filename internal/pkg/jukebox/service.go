package jukebox

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/commandtoken"
	"github.com/wholestack/jukebox/internal/pkg/debounce"
	"github.com/wholestack/jukebox/internal/pkg/groups"
	"github.com/wholestack/jukebox/internal/pkg/invoicing"
	"github.com/wholestack/jukebox/internal/pkg/reconcile"
	"github.com/wholestack/jukebox/internal/pkg/users"
)

// Player is the music-service surface the gated flow consumes. The service
// behind it is external; only these calls matter here.
type Player interface {
	// Available reports whether the conversation has an active player.
	Available(ctx context.Context, chatID int64) bool
	// RandomTrack picks one track from a playlist.
	RandomTrack(ctx context.Context, chatID int64, playlistID string) (string, error)
	// TrackTitle resolves a display title for a track.
	TrackTitle(ctx context.Context, chatID int64, uri string) (string, error)
}

// Prompter presents a payment prompt in a conversation and returns the id of
// the UI element it created, so settlement and expiry can remove it again.
type Prompter interface {
	PromptPayment(ctx context.Context, chatID int64, payer models.UserRef, invoice *models.Invoice, cancelKey string) (int64, error)
}

// Service is the chat-facing surface of the settlement subsystem. Transport
// adapters call it with already-parsed events; it owns debouncing, token
// redemption and the gated payment flow.
type Service struct {
	invoices  *invoicing.Service
	scheduler *reconcile.Scheduler
	tokens    *commandtoken.Registry
	guard     *debounce.Guard
	users     *users.Service
	groups    *groups.Service
	player    Player
	prompter  Prompter
	notifier  invoicing.Notifier
	remover   invoicing.MessageRemover
	executor  invoicing.ActionExecutor

	handlers map[commandtoken.Action]func(ctx context.Context, token *commandtoken.Token, user models.UserRef, chatID, messageID int64) error
}

// NewService wires the facade.
func NewService(
	invoices *invoicing.Service,
	scheduler *reconcile.Scheduler,
	tokens *commandtoken.Registry,
	guard *debounce.Guard,
	userSvc *users.Service,
	groupSvc *groups.Service,
	player Player,
	prompter Prompter,
	notifier invoicing.Notifier,
	remover invoicing.MessageRemover,
	executor invoicing.ActionExecutor,
) *Service {
	s := &Service{
		invoices:  invoices,
		scheduler: scheduler,
		tokens:    tokens,
		guard:     guard,
		users:     userSvc,
		groups:    groupSvc,
		player:    player,
		prompter:  prompter,
		notifier:  notifier,
		remover:   remover,
		executor:  executor,
	}

	// Closed verb set, dispatched by lookup.
	s.handlers = map[commandtoken.Action]func(ctx context.Context, token *commandtoken.Token, user models.UserRef, chatID, messageID int64) error{
		commandtoken.ActionCancel:        s.redeemCancel,
		commandtoken.ActionCancelInvoice: s.redeemCancelInvoice,
		commandtoken.ActionAddTrack:      s.redeemQueueTracks,
		commandtoken.ActionPlayRandom:    s.redeemQueueTracks,
	}
	return s
}

// AcceptUpdate decides whether an inbound event should be processed. It must
// run before any side-effecting work for that event.
func (s *Service) AcceptUpdate(chatID, seq int64) bool {
	accepted := s.guard.CheckAndAdvance(chatID, seq)
	if !accepted {
		log.Infof("[Jukebox] Update %d for chat %d bounced", seq, chatID)
	}
	return accepted
}

// IssueToken binds a pending action to an opaque key for embedding in a UI
// element. userID 0 authorizes any principal.
func (s *Service) IssueToken(userID int64, action commandtoken.Action, arg string, invoice *models.Invoice) (string, error) {
	return s.tokens.Issue(commandtoken.Token{
		UserID:  userID,
		Action:  action,
		Arg:     arg,
		Invoice: invoice,
	})
}

// RedeemToken resolves, authorizes and dispatches a UI callback. Unknown
// keys and unauthorized principals are silent no-ops; nothing about the
// token is disclosed to the requester.
func (s *Service) RedeemToken(ctx context.Context, key string, user models.UserRef, chatID, messageID int64) error {
	token, ok := s.tokens.Resolve(key)
	if !ok {
		log.Infof("[Jukebox] Unknown token key %q", key)
		return nil
	}
	if !s.tokens.Authorize(token, user.ID) {
		log.Debugf("[Jukebox] Ignoring unauthorized redemption of %q by %d", key, user.ID)
		return nil
	}

	handler, ok := s.handlers[token.Action]
	if !ok {
		log.Errorf("[Jukebox] Token %q carries unknown action %q", key, token.Action)
		return nil
	}
	if err := handler(ctx, token, user, chatID, messageID); err != nil {
		return err
	}

	if token.Action.Terminal() {
		s.tokens.Delete(key)
		if messageID != 0 {
			if err := s.remover.RemoveMessage(ctx, chatID, messageID); err != nil {
				log.Warnf("[Jukebox] Could not remove UI element %d in chat %d: %v", messageID, chatID, err)
			}
		}
	}
	return nil
}

// redeemCancel just drops the UI element, which the terminal-action path
// already does.
func (s *Service) redeemCancel(context.Context, *commandtoken.Token, models.UserRef, int64, int64) error {
	return nil
}

// redeemCancelInvoice withdraws a pending payment prompt. The store delete
// also stops the reconciliation loop at its next fire.
func (s *Service) redeemCancelInvoice(ctx context.Context, token *commandtoken.Token, _ models.UserRef, _, _ int64) error {
	if token.Invoice == nil {
		return nil
	}
	_, err := s.invoices.Delete(ctx, token.Invoice.PaymentHash)
	return err
}

// redeemQueueTracks starts the gated flow for a track selection.
func (s *Service) redeemQueueTracks(ctx context.Context, token *commandtoken.Token, user models.UserRef, chatID, _ int64) error {
	if !s.player.Available(ctx, chatID) {
		if err := s.notifier.Notify(ctx, chatID, "Player is not active at the moment. Payment aborted."); err != nil {
			log.Warnf("[Jukebox] Could not notify chat %d: %v", chatID, err)
		}
		return nil
	}

	var uris []string
	switch token.Action {
	case commandtoken.ActionAddTrack:
		uris = []string{token.Arg}
	case commandtoken.ActionPlayRandom:
		uri, err := s.player.RandomTrack(ctx, chatID, token.Arg)
		if err != nil {
			return fmt.Errorf("jukebox: could not pick a track from %q: %w", token.Arg, err)
		}
		uris = []string{uri}
	}

	title, err := s.player.TrackTitle(ctx, chatID, uris[0])
	if err != nil {
		log.Warnf("[Jukebox] Could not resolve title of %s: %v", uris[0], err)
		title = uris[0]
	}

	price, err := s.groups.Price(ctx, chatID)
	if err != nil {
		return err
	}
	amount := price * int64(len(uris))

	// Free groups skip the whole payment machinery.
	if amount == 0 {
		s.executor.Execute(ctx, chatID, uris)
		if err := s.notifier.Notify(ctx, chatID, fmt.Sprintf("@%s added '%s' to the queue.", user.Username, title)); err != nil {
			log.Warnf("[Jukebox] Could not notify chat %d: %v", chatID, err)
		}
		return nil
	}

	_, err = s.CreateAndTrack(ctx, CreateRequest{
		Payer:     user,
		Amount:    amount,
		Memo:      title,
		TrackURIs: uris,
		ChatID:    chatID,
	})
	return err
}

// CreateRequest describes a gated action awaiting payment.
type CreateRequest struct {
	Payer     models.UserRef
	Amount    int64
	Memo      string
	TrackURIs []string
	ChatID    int64
}

// CreateAndTrack turns a priced action request into a tracked invoice. The
// fast path pays from the payer's balance and settles immediately; otherwise
// the invoice is persisted, a payment prompt is presented, and the
// reconciliation loop races the gateway's push notification for it.
func (s *Service) CreateAndTrack(ctx context.Context, req CreateRequest) (*models.Invoice, error) {
	ownerID, err := s.groups.Owner(ctx, req.ChatID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("jukebox: chat %d has no owner, cannot receive payments", req.ChatID)
		}
		return nil, err
	}
	recipient, err := s.users.GetOrCreate(ctx, ownerID, "")
	if err != nil {
		return nil, err
	}
	payer, err := s.users.GetOrCreate(ctx, req.Payer.ID, req.Payer.Username)
	if err != nil {
		return nil, err
	}

	invoice, err := s.invoices.Create(ctx, recipient, req.Amount, req.Memo)
	if err != nil {
		return nil, err
	}
	invoice.Payer = payer.Ref()
	invoice.TrackURIs = req.TrackURIs
	invoice.ChatID = req.ChatID

	// Fast path: the payer's wallet may cover the amount right away.
	result, err := s.invoices.Pay(ctx, payer, invoice)
	if err != nil {
		return nil, err
	}
	if result.Success {
		if err := s.invoices.Save(ctx, invoice); err != nil {
			return nil, err
		}
		if err := s.invoices.Settle(ctx, invoice); err != nil && !errors.Is(err, invoicing.ErrAlreadySettled) {
			return nil, err
		}
		return invoice, nil
	}

	// Slow path: present a prompt and track the open invoice.
	cancelKey, err := s.IssueToken(payer.ID, commandtoken.ActionCancelInvoice, "", invoice)
	if err != nil {
		return nil, err
	}
	messageID, err := s.prompter.PromptPayment(ctx, req.ChatID, payer.Ref(), invoice, cancelKey)
	if err != nil {
		log.Warnf("[Jukebox] Could not present payment prompt for %s: %v", invoice.PaymentHash, err)
	} else {
		invoice.MessageID = messageID
	}

	if err := s.invoices.Save(ctx, invoice); err != nil {
		return nil, err
	}
	s.scheduler.Track(invoice)
	return invoice, nil
}

// OnPaymentNotification is the gateway push path. A hash that is no longer
// in the store was already handled; that is the normal case after the poll
// path or a cancellation won.
func (s *Service) OnPaymentNotification(ctx context.Context, paymentHash string) error {
	invoice, err := s.invoices.Get(ctx, paymentHash)
	if errors.Is(err, invoicing.ErrNotFound) {
		log.Infof("[Jukebox] Payment notification for unknown invoice %s ignored", paymentHash)
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.invoices.Settle(ctx, invoice); err != nil && !errors.Is(err, invoicing.ErrAlreadySettled) {
		return err
	}
	return nil
}

// Cleanup runs the periodic process-wide sweep: command tokens age out by
// generation and finished reconciliation tasks are evicted.
func (s *Service) Cleanup() {
	log.Info("[Jukebox] Running regular clean up")
	s.tokens.Purge()
	s.scheduler.Sweep()
}
