package commandtoken

import (
	"fmt"
	"sync"
	"time"

	"github.com/wholestack/jukebox/app/models"
	"github.com/wholestack/jukebox/internal/pkg/shortener"
)

// Action is the closed verb set a UI element can trigger.
type Action string

const (
	ActionAddTrack      Action = "add"
	ActionPlayRandom    Action = "play_random"
	ActionCancel        Action = "cancel"
	ActionCancelInvoice Action = "cancel_invoice"
)

// Terminal reports whether redeeming the action consumes the issuing UI
// element.
func (a Action) Terminal() bool {
	return a != ActionPlayRandom
}

// keyLength is the opaque key size in base62 characters.
const keyLength = 8

// Token binds a short opaque key to a pending action and the principal
// allowed to trigger it. UserID 0 means anyone may redeem.
type Token struct {
	Key      string
	UserID   int64
	Action   Action
	Arg      string
	Invoice  *models.Invoice
	IssuedAt time.Time
}

// Registry maps opaque keys to pending actions. It is in-process state:
// empty at startup, swept on the periodic cleanup cadence, and not shared
// across worker processes. Eviction is generation based; an entry survives
// between one and two sweep intervals.
type Registry struct {
	mu       sync.Mutex
	current  map[string]*Token
	previous map[string]*Token
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		current:  make(map[string]*Token),
		previous: make(map[string]*Token),
		now:      time.Now,
	}
}

// Issue stores a token under a fresh collision-checked key and returns the
// key for embedding in the UI element.
func (r *Registry) Issue(token Token) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		key, err := shortener.GenerateSecureSlug(keyLength)
		if err != nil {
			return "", fmt.Errorf("commandtoken: key generation failed: %w", err)
		}
		if _, taken := r.current[key]; taken {
			continue
		}
		if _, taken := r.previous[key]; taken {
			continue
		}
		token.Key = key
		token.IssuedAt = r.now()
		r.current[key] = &token
		return key, nil
	}
	return "", fmt.Errorf("commandtoken: could not find an unused key")
}

// Resolve looks a key up without consuming it.
func (r *Registry) Resolve(key string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.current[key]; ok {
		return token, true
	}
	token, ok := r.previous[key]
	return token, ok
}

// Authorize reports whether the requesting principal may redeem the token.
func (r *Registry) Authorize(token *Token, userID int64) bool {
	return token.UserID == 0 || token.UserID == userID
}

// Delete removes a redeemed token. Absence is fine; the registry purges on
// its own cadence.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.current, key)
	delete(r.previous, key)
}

// Purge advances the eviction generation: the previous generation is
// dropped, the current one gets a last grace interval.
func (r *Registry) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.previous = r.current
	r.current = make(map[string]*Token)
}

// Len returns the number of live tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.current)
	for key := range r.previous {
		if _, ok := r.current[key]; !ok {
			n++
		}
	}
	return n
}
