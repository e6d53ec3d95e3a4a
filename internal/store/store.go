// Package store keeps issued challenge answers until they are verified or
// expire. Tokens are single-use.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chemcaptcha/internal/plugin"
)

const DefaultTTL = 120 * time.Second

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Answer is what the server remembers about an issued challenge.
type Answer struct {
	Slug  string
	Path  string
	Boxes []plugin.Box
}

type entry struct {
	answer  Answer
	expires time.Time
}

type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry

	now func() time.Time
}

func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Put records an answer and returns its freshly issued token.
func (s *Store) Put(a Answer) string {
	token := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[token] = entry{answer: a, expires: s.now().Add(s.ttl)}
	return token
}

// Take removes the token and returns its answer. A token can be taken once;
// expired tokens are removed and reported as ErrTokenExpired.
func (s *Store) Take(token string) (Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Answer{}, ErrTokenNotFound
	}
	delete(s.entries, token)
	if !s.now().Before(e.expires) {
		return Answer{}, ErrTokenExpired
	}
	return e.answer, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops every expired token and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for token, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, token)
			n++
		}
	}
	return n
}

// CleanupLoop sweeps every interval until ctx is done.
func (s *Store) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
