package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process token store used by tests and single-node
// deployments. Expired entries are dropped lazily on read.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
	nowFn  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]Token),
		nowFn:  time.Now,
	}
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Value]; ok {
		return ErrExists
	}
	s.tokens[tok.Value] = tok
	return nil
}

func (s *MemoryStore) Get(_ context.Context, value string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[value]
	if !ok {
		return nil, ErrUnknown
	}
	if tok.Invalidated || s.nowFn().After(tok.ExpiresAt) {
		return nil, ErrExpired
	}
	cp := tok
	return &cp, nil
}

func (s *MemoryStore) Invalidate(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok, ok := s.tokens[value]; ok {
		tok.Invalidated = true
		s.tokens[value] = tok
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
