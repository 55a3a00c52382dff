package stats

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/env"
	"github.com/wholestack/jukebox/internal/pkg/groups"
)

// Store is the slice of the key-value store used to enumerate groups.
type Store interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Principals resolves users and their balances.
type Principals interface {
	GetOrCreate(ctx context.Context, id int64, username string) (*models.User, error)
	Balance(ctx context.Context, user *models.User) (int64, error)
}

// Owners resolves group ownership.
type Owners interface {
	Owner(ctx context.Context, chatID int64) (int64, error)
}

// Group is one known conversation and its owner (0 when unresolvable).
type Group struct {
	ChatID  int64
	OwnerID int64
}

// Service reports operational numbers: the system principal's balance and
// the set of coupled groups.
type Service struct {
	store      Store
	principals Principals
	owners     Owners
	botID      int64
}

func NewService(store Store, principals Principals, owners Owners) *Service {
	return &Service{
		store:      store,
		principals: principals,
		owners:     owners,
		botID:      int64(env.GetEnvInt("BOT_ID", 0)),
	}
}

// BotBalance returns the sats held by the system principal.
func (s *Service) BotBalance(ctx context.Context) (int64, error) {
	bot, err := s.principals.GetOrCreate(ctx, s.botID, "")
	if err != nil {
		return 0, err
	}
	return s.principals.Balance(ctx, bot)
}

// Groups enumerates all conversations with settings in the store. Owner
// resolution is best effort per group.
func (s *Service) Groups(ctx context.Context) ([]Group, error) {
	keys, err := s.store.ScanKeys(ctx, groups.KeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	result := make([]Group, 0, len(keys))
	for _, key := range keys {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(key, groups.KeyPrefix), 10, 64)
		if err != nil {
			log.Warnf("[Stats] Skipping malformed group key %q", key)
			continue
		}
		group := Group{ChatID: chatID}
		if owner, err := s.owners.Owner(ctx, chatID); err == nil {
			group.OwnerID = owner
		} else {
			log.Warnf("[Stats] Could not resolve owner of chat %d: %v", chatID, err)
		}
		result = append(result, group)
	}
	return result, nil
}
