package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wholestack/jukebox/internal/pkg/cache"
)

// maxEntries caps the per-conversation history list.
const maxEntries = 100

// Store is the slice of the key-value store the play history lives in.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	LPush(ctx context.Context, key, value string) error
	RPop(ctx context.Context, key string) (string, error)
	LIndex(ctx context.Context, key string, index int64) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
}

// Service records which tracks played in a conversation, newest first.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func listKey(chatID int64) string {
	return fmt.Sprintf("history:%d", chatID)
}

func lastPlayedKey(chatID int64) string {
	return fmt.Sprintf("lastplayed:%d", chatID)
}

// Record appends a played title. Consecutive repeats collapse into one entry;
// the last-played timestamp still refreshes.
func (s *Service) Record(ctx context.Context, chatID int64, title string) error {
	key := listKey(chatID)

	head, err := s.store.LIndex(ctx, key, 0)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		if err := s.store.LPush(ctx, key, title); err != nil {
			return err
		}
	case err != nil:
		return err
	case head != title:
		if err := s.store.LPush(ctx, key, title); err != nil {
			return err
		}
		length, err := s.store.LLen(ctx, key)
		if err != nil {
			return err
		}
		if length > maxEntries {
			if _, err := s.store.RPop(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) {
				return err
			}
		}
	}

	return s.store.HSet(ctx, lastPlayedKey(chatID), title, strconv.FormatInt(s.now().Unix(), 10))
}

// Recent returns up to max titles, newest first.
func (s *Service) Recent(ctx context.Context, chatID int64, max int) ([]string, error) {
	key := listKey(chatID)
	length, err := s.store.LLen(ctx, key)
	if err != nil {
		return nil, err
	}
	if int64(max) < length {
		length = int64(max)
	}

	titles := make([]string, 0, length)
	for i := int64(0); i < length; i++ {
		title, err := s.store.LIndex(ctx, key, i)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				break
			}
			return nil, err
		}
		titles = append(titles, title)
	}
	return titles, nil
}
