// Package auth provides credential storage and the auth refresh
// retrier: the component that owns authorization failures, serializes
// credential refresh, and replays queued requests.
package auth

import (
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/attache-app/core/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tokens holds the credential pair: a short-lived access token and the
// long-lived refresh secret exchanged for new access tokens.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenStore persists the credential pair.
type TokenStore interface {
	Tokens() Tokens
	SetTokens(Tokens) error
	Clear() error

	// AccessToken returns the current access token, empty when signed
	// out. Satisfies the gateway's token provider contract.
	AccessToken() string
}

// MemoryTokenStore is an in-memory TokenStore for tests and ephemeral
// sessions.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewMemoryTokenStore creates a MemoryTokenStore.
func NewMemoryTokenStore(tokens Tokens) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: tokens}
}

func (s *MemoryTokenStore) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *MemoryTokenStore) SetTokens(tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	return s.SetTokens(Tokens{})
}

func (s *MemoryTokenStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// FileTokenStore persists tokens as a mode-0600 JSON file under the
// config directory. Platform keychain integration lives outside the
// core; this is the portable fallback.
type FileTokenStore struct {
	mu   sync.RWMutex
	path string
}

// NewFileTokenStore creates a FileTokenStore rooted at configDir.
func NewFileTokenStore(configDir string) (*FileTokenStore, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to create config directory", err)
	}
	return &FileTokenStore{path: filepath.Join(configDir, "tokens.json")}, nil
}

func (s *FileTokenStore) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Tokens{}
	}
	var tokens Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return Tokens{}
	}
	return tokens
}

func (s *FileTokenStore) SetTokens(tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(tokens)
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to encode tokens", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to persist tokens", err)
	}
	return nil
}

func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrDatabase, "failed to clear tokens", err)
	}
	return nil
}

func (s *FileTokenStore) AccessToken() string {
	return s.Tokens().AccessToken
}
