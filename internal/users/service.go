package users

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filters ListFilters, limit, offset int) ([]User, int, error)
	GetUser(ctx context.Context, id int64) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns one page of the user directory.
func (s *Service) ListUsers(ctx context.Context, filters ListFilters, page shared.PageRequest) (shared.Page[User], error) {
	page = page.Normalize()
	users, total, err := s.repo.ListUsers(ctx, filters, page.Limit(), page.Offset())
	if err != nil {
		return shared.Page[User]{}, fmt.Errorf("users: list: %w", err)
	}
	if users == nil {
		users = []User{}
	}
	return shared.Page[User]{Request: page, Count: total, Results: users}, nil
}

// GetUser returns a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}
