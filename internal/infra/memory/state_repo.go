// Package memory holds process-local implementations of the repository ports.
package memory

import (
	"context"
	"sync"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"
)

var _ repository.LocalStateRepository = (*StateRepo)(nil)

// StateRepo is a map-backed LocalStateRepository. State is lost on exit.
type StateRepo struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewStateRepo() *StateRepo {
	return &StateRepo{data: make(map[string]string)}
}

func (s *StateRepo) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *StateRepo) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *StateRepo) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
