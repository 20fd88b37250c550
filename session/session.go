// Package session holds the per-login host session state the bridge reads
// and writes: the cached private key, the mail username, and the webmail
// session tokens.
package session

import (
	"context"
	"sync"
)

// Logical keys stored in a host session.
const (
	KeyPrivateKey  = "private_key"
	KeyMailUser    = "mail_user"
	KeySessionID   = "webmail_session_id"
	KeySessionAuth = "webmail_session_auth"
)

// Invalid is written to the webmail token keys when a webmail session is
// torn down. A token equal to Invalid is treated as absent.
const Invalid = "1"

// Store is a key/value scratchpad scoped to one host login session.
// Concurrent writers race and the last write wins.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool)
	// Set creates or replaces the value for key.
	Set(ctx context.Context, key, value string)
}

// Provider creates and resolves host sessions by opaque token.
type Provider interface {
	// Create starts a new session and returns its token.
	Create(ctx context.Context) (string, Store, error)
	// Open returns the session for token. Returns false if it does not
	// exist, has expired, or has exceeded the idle timeout.
	Open(ctx context.Context, token string) (Store, bool)
	// Destroy removes the session.
	Destroy(ctx context.Context, token string)
}

// Valid reports whether a webmail token is usable.
func Valid(token string) bool {
	return token != "" && token != Invalid
}

// WebmailTokens returns the stored webmail session id and auth token and
// whether both are usable.
func WebmailTokens(ctx context.Context, s Store) (id, auth string, ok bool) {
	id, _ = s.Get(ctx, KeySessionID)
	auth, _ = s.Get(ctx, KeySessionAuth)
	return id, auth, Valid(id) && Valid(auth)
}

// ClearWebmail resets both webmail token keys to Invalid.
func ClearWebmail(ctx context.Context, s Store) {
	s.Set(ctx, KeySessionID, Invalid)
	s.Set(ctx, KeySessionAuth, Invalid)
}

// MemoryStore is a thread-safe standalone Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(_ context.Context, key, value string) {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
}
