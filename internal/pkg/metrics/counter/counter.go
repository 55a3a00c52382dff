package counter

import (
	"context"
	"strconv"

	"github.com/wholestack/jukebox/internal/pkg/cache"
)

const playsKey = "jukebox:counters:plays"

// AddPlay increments the settled-play counter for a conversation in Redis.
func AddPlay(chatID int64) error {
	ctx := context.Background()
	field := strconv.FormatInt(chatID, 10)
	return cache.GetClient().HIncrBy(ctx, playsKey, field, 1).Err()
}

// Plays returns the settled-play counts per conversation.
func Plays() (map[int64]int64, error) {
	ctx := context.Background()
	data, err := cache.GetClient().HGetAll(ctx, playsKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[int64]int64, len(data))
	for field, value := range data {
		chatID, perr := strconv.ParseInt(field, 10, 64)
		if perr != nil {
			continue
		}
		count, cerr := strconv.ParseInt(value, 10, 64)
		if cerr != nil {
			continue
		}
		counts[chatID] = count
	}
	return counts, nil
}
