package groups

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/env"
)

// KeyPrefix prefixes every group settings hash; stats enumerate groups by
// scanning it.
const KeyPrefix = "group:"

const (
	ownerField       = "owner"
	priceField       = "price"
	donationFeeField = "donation_fee"
	playerField      = "player"
)

// ErrOwnerMismatch reports an attempt to reassign an owned group.
var ErrOwnerMismatch = errors.New("groups: group already has a different owner")

// Store is the slice of the key-value store group settings live in.
type Store interface {
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error
	HDelete(ctx context.Context, key, field string) error
}

// Key builds the store key for a conversation.
func Key(chatID int64) string {
	return fmt.Sprintf("%s%d", KeyPrefix, chatID)
}

// Service reads and writes per-conversation settings: track price, donation
// fee, owning principal and the opaque music-player credentials.
type Service struct {
	store Store

	defaultPrice       int64
	defaultDonationFee int64
}

// NewService builds a group settings service with defaults from the
// environment.
func NewService(store Store) *Service {
	return &Service{
		store:              store,
		defaultPrice:       int64(env.GetEnvInt("TRACK_PRICE", 21)),
		defaultDonationFee: int64(env.GetEnvInt("DONATION_FEE", 21)),
	}
}

// Price returns the per-track price for a conversation, defaulting when the
// group never configured one.
func (s *Service) Price(ctx context.Context, chatID int64) (int64, error) {
	return s.intField(ctx, chatID, priceField, s.defaultPrice)
}

// SetPrice stores the per-track price for a conversation.
func (s *Service) SetPrice(ctx context.Context, chatID, price int64) error {
	if price < 0 {
		return fmt.Errorf("groups: negative price %d", price)
	}
	return s.store.HSet(ctx, Key(chatID), priceField, strconv.FormatInt(price, 10))
}

// DonationFee returns the configured donation fee. Missing or negative
// stored values fall back to the default; the spend-time clamp to the
// invoice amount is the settle path's job.
func (s *Service) DonationFee(ctx context.Context, chatID int64) (int64, error) {
	fee, err := s.intField(ctx, chatID, donationFeeField, s.defaultDonationFee)
	if err != nil {
		return 0, err
	}
	if fee < 0 {
		return s.defaultDonationFee, nil
	}
	return fee, nil
}

// SetDonationFee stores the donation fee for a conversation.
func (s *Service) SetDonationFee(ctx context.Context, chatID, fee int64) error {
	if fee < 0 {
		return fmt.Errorf("groups: negative donation fee %d", fee)
	}
	return s.store.HSet(ctx, Key(chatID), donationFeeField, strconv.FormatInt(fee, 10))
}

// Owner returns the principal id owning a conversation.
func (s *Service) Owner(ctx context.Context, chatID int64) (int64, error) {
	val, err := s.store.HGet(ctx, Key(chatID), ownerField)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("groups: corrupt owner record for chat %d: %w", chatID, err)
	}
	return id, nil
}

// SetOwner records the owning principal of a conversation. Re-setting the
// same owner is a no-op; a different owner is rejected.
func (s *Service) SetOwner(ctx context.Context, chatID, userID int64) error {
	current, err := s.Owner(ctx, chatID)
	switch {
	case err == nil && current != userID:
		return ErrOwnerMismatch
	case err != nil && !errors.Is(err, cache.ErrNotFound):
		return err
	}
	return s.store.HSet(ctx, Key(chatID), ownerField, strconv.FormatInt(userID, 10))
}

// PlayerCredentials returns the opaque music-player credentials of a
// conversation, or cache.ErrNotFound when the group is not coupled.
func (s *Service) PlayerCredentials(ctx context.Context, chatID int64) (string, error) {
	return s.store.HGet(ctx, Key(chatID), playerField)
}

// SetPlayerCredentials couples a conversation to a music player.
func (s *Service) SetPlayerCredentials(ctx context.Context, chatID int64, credentials string) error {
	return s.store.HSet(ctx, Key(chatID), playerField, credentials)
}

// DeletePlayerCredentials decouples a conversation from its music player.
func (s *Service) DeletePlayerCredentials(ctx context.Context, chatID int64) error {
	return s.store.HDelete(ctx, Key(chatID), playerField)
}

func (s *Service) intField(ctx context.Context, chatID int64, field string, def int64) (int64, error) {
	val, err := s.store.HGet(ctx, Key(chatID), field)
	if errors.Is(err, cache.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("groups: corrupt %s record for chat %d: %w", field, chatID, err)
	}
	return n, nil
}
