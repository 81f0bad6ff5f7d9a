package user

import (
	"context"
	"errors"
	"sync"
)

// ErrTokenNotFound is returned by a TokenStore when no tokens are stored under an ID.
var ErrTokenNotFound = errors.New("user: no stored tokens for this ID")

// TokenStore persists the serialized tokens of a user between sessions.
type TokenStore interface {
	// Load returns the tokens stored under id.
	// It returns ErrTokenNotFound when nothing is stored under id.
	Load(ctx context.Context, id string) (string, error)

	// Store saves tokens under id, replacing any previous value.
	Store(ctx context.Context, id string, tokens string) error

	// Delete removes the tokens stored under id (if any).
	Delete(ctx context.Context, id string) error
}

// InMemoryTokenStore keeps tokens in process memory.
type InMemoryTokenStore struct {
	entries map[string]string

	initOnce sync.Once
	mu       sync.RWMutex
}

func (s *InMemoryTokenStore) init() {
	s.initOnce.Do(func() {
		if s.entries == nil {
			s.entries = make(map[string]string)
		}
	})
}

// Load implements the TokenStore interface.
func (s *InMemoryTokenStore) Load(_ context.Context, id string) (string, error) {
	s.init()
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens, ok := s.entries[id]
	if !ok {
		return "", ErrTokenNotFound
	}

	return tokens, nil
}

// Store implements the TokenStore interface.
func (s *InMemoryTokenStore) Store(_ context.Context, id string, tokens string) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = tokens

	return nil
}

// Delete implements the TokenStore interface.
func (s *InMemoryTokenStore) Delete(_ context.Context, id string) error {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, id)

	return nil
}
