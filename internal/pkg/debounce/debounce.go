package debounce

import "sync"

// Guard suppresses duplicate processing of repeated inbound events. It keeps
// the highest accepted sequence number per conversation, in memory only:
// the table is empty after a restart, which is acceptable because settlement
// itself is idempotent. Multi-process deployments must move this into the
// shared store.
type Guard struct {
	mu   sync.Mutex
	seen map[int64]int64
}

func NewGuard() *Guard {
	return &Guard{seen: make(map[int64]int64)}
}

// CheckAndAdvance accepts a sequence number once per conversation. It must
// run before any side-effecting work for the event; the caller owns the
// best-effort deletion of the triggering input on the accept path.
func (g *Guard) CheckAndAdvance(chatID, seq int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.seen[chatID]; ok && seq <= last {
		return false
	}
	g.seen[chatID] = seq
	return true
}

// Reset clears the table; only tests and process shutdown use it.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seen = make(map[int64]int64)
}
