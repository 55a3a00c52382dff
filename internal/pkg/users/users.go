package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/env"
	"github.com/wholestack/jukebox/internal/pkg/gateway"
)

const userDataField = "userdata"

var lnAddressNameRe = regexp.MustCompile(`^[a-z0-9\-_.]+$`)

// Store is the slice of the key-value store the user service needs.
type Store interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
}

// Gateway is the slice of the payment gateway used to provision and query
// principal wallets.
type Gateway interface {
	Accounts(ctx context.Context) ([]gateway.Account, error)
	CreateAccount(ctx context.Context, name string) (*gateway.Account, error)
	WalletFor(ctx context.Context, accountID string) (*gateway.Wallet, error)
	CreateWallet(ctx context.Context, accountID, name string) (*gateway.Wallet, error)
	EnableExtension(ctx context.Context, extension, accountID string) error
	CreatePayLink(ctx context.Context, adminKey string, req gateway.PayLinkRequest) (*gateway.PayLink, error)
	PayLinkByID(ctx context.Context, invoiceKey, id string) (*gateway.PayLink, error)
	Balance(ctx context.Context, invoiceKey string) (int64, error)
}

// Service fetches-or-creates principals idempotently. A principal exists once
// its wallet credentials are persisted in the store; the gateway account is
// provisioned on first use.
type Service struct {
	store   Store
	gateway Gateway

	domain  string
	price   int64
	fundMax int64
}

// NewService builds a user service. Funding-link bounds come from the same
// settings that price gated actions.
func NewService(store Store, gw Gateway) *Service {
	return &Service{
		store:   store,
		gateway: gw,
		domain:  env.GetEnv("PUBLIC_DOMAIN", ""),
		price:   int64(env.GetEnvInt("TRACK_PRICE", 21)),
		fundMax: int64(env.GetEnvInt("FUND_MAX", 42000)),
	}
}

// GetOrCreate returns the principal for id, provisioning a gateway account
// and wallet on first sight. A non-empty username overrides the stored one
// (last-write-wins; the chat platform owns display names).
func (s *Service) GetOrCreate(ctx context.Context, id int64, username string) (*models.User, error) {
	key := models.UserKey(id)

	data, err := s.store.HGet(ctx, key, userDataField)
	if err == nil && data != "" && data != "null" {
		user, perr := models.UserFromJSON(id, username, data)
		if perr == nil {
			return user, nil
		}
		log.Errorf("[Users] Corrupt record for %s: %v", key, perr)
		return nil, perr
	}
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}

	return s.provision(ctx, id, username)
}

// provision creates the gateway account, wallet and funding link for a new
// principal and persists the result.
func (s *Service) provision(ctx context.Context, id int64, username string) (*models.User, error) {
	user := models.NewUser(id, username)
	key := user.Key()

	// The account may already exist at the gateway from a previous run whose
	// store write was lost.
	accounts, err := s.gateway.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		if account.Name == key {
			user.GatewayUserID = account.ID
			break
		}
	}

	if user.GatewayUserID == "" {
		account, err := s.gateway.CreateAccount(ctx, key)
		if err != nil {
			return nil, err
		}
		user.GatewayUserID = account.ID
	}

	wallet, err := s.gateway.WalletFor(ctx, user.GatewayUserID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		wallet, err = s.gateway.CreateWallet(ctx, user.GatewayUserID, key)
		if err != nil {
			return nil, err
		}
	}
	user.WalletID = wallet.ID
	user.InvoiceKey = wallet.InvoiceKey
	user.AdminKey = wallet.AdminKey

	for _, extension := range []string{"lnurlp", "lndhub"} {
		if err := s.gateway.EnableExtension(ctx, extension, user.GatewayUserID); err != nil {
			return nil, err
		}
	}

	user.LNDHub = fmt.Sprintf("lndhub://admin:%s@https://%s/lndhub/ext/", user.AdminKey, s.domain)

	req := gateway.PayLinkRequest{
		Amount:       s.price,
		Min:          s.price,
		Max:          s.fundMax,
		CommentChars: 0,
		Description:  "Fund your personal Jukebox wallet",
	}
	if name := lnAddressName(username); name != "" {
		req.Username = name
		req.Description = fmt.Sprintf("Fund the Jukebox wallet of @%s", username)
	}

	// Funding link creation is best effort; a principal without one can
	// still pay and receive.
	link, err := s.gateway.CreatePayLink(ctx, user.AdminKey, req)
	if err != nil {
		log.Warnf("[Users] Could not create funding link for user %d: %v", id, err)
	} else {
		user.LNURLPay = fmt.Sprintf("https://%s/lnurlp/link/%s", s.domain, link.ID)
		if link.Username != "" {
			user.LNAddress = fmt.Sprintf("%s@%s", link.Username, s.domain)
		}
	}

	data, err := user.ToJSON()
	if err != nil {
		return nil, err
	}
	if err := s.store.HSet(ctx, key, userDataField, data); err != nil {
		return nil, fmt.Errorf("failed to persist user %d: %w", id, err)
	}

	return user, nil
}

// Balance returns the wallet balance of a principal in sats.
func (s *Service) Balance(ctx context.Context, user *models.User) (int64, error) {
	return s.gateway.Balance(ctx, user.InvoiceKey)
}

// FundingLNURL resolves the encoded LNURL of a principal's funding link, or
// "" when none exists.
func (s *Service) FundingLNURL(ctx context.Context, user *models.User) (string, error) {
	if user.LNURLPay == "" {
		return "", nil
	}
	idx := strings.LastIndex(user.LNURLPay, "/")
	if idx < 0 || idx == len(user.LNURLPay)-1 {
		return "", fmt.Errorf("malformed funding link %q for user %d", user.LNURLPay, user.ID)
	}
	link, err := s.gateway.PayLinkByID(ctx, user.InvoiceKey, user.LNURLPay[idx+1:])
	if err != nil {
		return "", err
	}
	return link.LNURL, nil
}

// lnAddressName derives a gateway-acceptable short name from a chat
// username, or "" when it cannot be represented.
func lnAddressName(username string) string {
	if username == "" {
		return ""
	}
	name := strings.ToLower(username)
	name = strings.ReplaceAll(name, " ", "_")
	if len(name) > 15 {
		name = name[:15]
	}
	if !lnAddressNameRe.MatchString(name) {
		return ""
	}
	return name
}
