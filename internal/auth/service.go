package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Sessions issues and revokes bearer sessions.
type Sessions interface {
	Create(ctx context.Context, userID int64, superUser bool) (shared.Session, error)
	Destroy(ctx context.Context, token string) error
	TTL() time.Duration
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	sessions Sessions
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, sessions Sessions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, sessions: sessions, logger: logger, now: time.Now}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and opens a bearer session.
func (s *Service) Login(ctx context.Context, in LoginInput) (Token, error) {
	user, err := s.Authenticate(ctx, in.Email, in.Password)
	if err != nil {
		return Token{}, err
	}
	sess, err := s.sessions.Create(ctx, user.ID, user.IsSuperuser)
	if err != nil {
		return Token{}, err
	}
	if err := s.repo.TouchLogin(ctx, user.ID, sess.CreatedAt); err != nil {
		s.logger.Warn("record last login", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	return Token{
		AccessToken: sess.ID,
		TokenType:   "Bearer",
		ExpiresAt:   sess.CreatedAt.Add(s.sessions.TTL()),
		UserID:      user.ID,
	}, nil
}

// Logout revokes the session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Destroy(ctx, token)
}
