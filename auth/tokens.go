package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("token store is closed")

// TokenStore hands out short lived tokens that let a browser open the event
// stream, since EventSource can't send an Authorization header.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	ttl    time.Duration
	closed bool
	now    func() time.Time
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{
		tokens: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns a fresh token and the moment it stops being valid
func (s *TokenStore) Issue() (string, time.Time, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", time.Time{}, ErrClosed
	}
	expires := s.now().Add(s.ttl)
	s.tokens[id.String()] = expires
	return id.String(), expires, nil
}

func (s *TokenStore) Validate(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[token]
	if !ok {
		return false
	}
	if !s.now().Before(expires) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// Sweep drops expired tokens and returns how many were removed
func (s *TokenStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, expires := range s.tokens {
		if !now.Before(expires) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *TokenStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.tokens)
}

// CheckBearer reports whether r carries "Authorization: Bearer <secret>"
func CheckBearer(r *http.Request, secret string) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
