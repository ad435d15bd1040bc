package audit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository reads persisted audit entries.
type Repository interface {
	List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error)
	Count(ctx context.Context, filters Filters) (int, error)
}

// Service exposes the audit trail for listing and export.
type Service struct {
	repo Repository
}

// NewService creates a new audit trail service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Trail returns one page of the audit trail.
func (s *Service) Trail(ctx context.Context, filters Filters, page shared.PageRequest) (shared.Page[Entry], error) {
	if s.repo == nil {
		return shared.Page[Entry]{}, fmt.Errorf("audit: repository not configured")
	}
	page = page.Normalize()
	if !filters.From.IsZero() && !filters.To.IsZero() && filters.From.After(filters.To) {
		return shared.Page[Entry]{}, shared.NewValidationError("from", "must not be after to")
	}
	count, err := s.repo.Count(ctx, filters)
	if err != nil {
		return shared.Page[Entry]{}, fmt.Errorf("audit: count: %w", err)
	}
	entries, err := s.repo.List(ctx, filters, page.Limit(), page.Offset())
	if err != nil {
		return shared.Page[Entry]{}, fmt.Errorf("audit: list: %w", err)
	}
	return shared.Page[Entry]{Request: page, Count: count, Results: entries}, nil
}

// Export returns every entry matching filters without paging.
func (s *Service) Export(ctx context.Context, filters Filters) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.List(ctx, filters, 0, 0)
}

// UserActivity returns the most recent entries recorded against a user.
func (s *Service) UserActivity(ctx context.Context, userID int64, limit int) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if limit <= 0 {
		limit = 10
	}
	return s.repo.List(ctx, Filters{EntityType: EntityUser, EntityID: strconv.FormatInt(userID, 10)}, limit, 0)
}
