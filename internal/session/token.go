// Package session holds the admin client's session token and its
// inactivity timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Zachkp/zach-consulting/internal/kv"
)

// TokenKey is the durable storage key of the admin session token.
const TokenKey = "admin_session_token"

// ErrNoToken means no session token is stored.
var ErrNoToken = errors.New("session: no token")

// TokenStore is the one place the client reads, saves and clears its
// session token. The value is persisted in a kv.Store and mirrored in
// memory.
type TokenStore struct {
	store kv.Store

	mu     sync.RWMutex
	token  string
	loaded bool
}

func NewTokenStore(store kv.Store) *TokenStore {
	return &TokenStore{store: store}
}

// Load returns the stored token or ErrNoToken.
func (s *TokenStore) Load(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.loaded {
		tok := s.token
		s.mu.RUnlock()
		if tok == "" {
			return "", ErrNoToken
		}
		return tok, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.store.Get(ctx, TokenKey)
	if errors.Is(err, kv.ErrNotFound) {
		s.token, s.loaded = "", true
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load session token: %w", err)
	}
	s.token, s.loaded = string(raw), true
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// Save persists token.
func (s *TokenStore) Save(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("session: empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Set(ctx, TokenKey, []byte(token)); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	s.token, s.loaded = token, true
	return nil
}

// Clear discards the token. The in-memory copy is dropped even if the
// durable delete fails.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.loaded = "", true
	if err := s.store.Delete(ctx, TokenKey); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}
