// Package user exposes per-user constraints consumed during candidate
// enumeration.
package user

import (
	"context"
	"sync"
)

// Constraints are the per-user restrictions arbitration applies.
type Constraints struct {
	UserID        string   `json:"user_id"`
	BlockedModels []string `json:"blocked_models,omitempty"`
}

// Service resolves user constraints.
type Service interface {
	GetUserConstraints(ctx context.Context, userID string) (Constraints, error)
}

// StaticService is an in-memory Service. Users without an entry have no
// constraints.
type StaticService struct {
	mu          sync.RWMutex
	constraints map[string]Constraints
}

// NewStaticService creates an empty constraints service.
func NewStaticService() *StaticService {
	return &StaticService{constraints: make(map[string]Constraints)}
}

// SetConstraints installs or replaces a user's constraints.
func (s *StaticService) SetConstraints(c Constraints) {
	s.mu.Lock()
	s.constraints[c.UserID] = c
	s.mu.Unlock()
}

func (s *StaticService) GetUserConstraints(ctx context.Context, userID string) (Constraints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.constraints[userID], nil
}
