// Package user manages tenant-scoped operator and driver accounts.
package user

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

var _ ports.UserService = (*Service)(nil)

type Service struct {
	users ports.UserRepository
	auth  ports.AuthService
	log   *zap.Logger
}

func NewService(users ports.UserRepository, auth ports.AuthService, log *zap.Logger) *Service {
	return &Service{users: users, auth: auth, log: log}
}

// Create registers the account through the auth service so password
// policy and hashing live in one place.
func (s *Service) Create(ctx context.Context, u *domain.User, password string) error {
	u.Username = strings.TrimSpace(u.Username)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return s.auth.Register(ctx, u, password)
}

// Update modifies profile fields. The password hash and login counters
// are kept from the stored record; they change through their own flows.
func (s *Service) Update(ctx context.Context, u *domain.User) error {
	current, err := s.users.FindByID(ctx, u.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrNotFound
	}

	u.PasswordHash = current.PasswordHash
	u.FailedLogins = current.FailedLogins
	u.LockedUntil = current.LockedUntil
	u.LastLoginAt = current.LastLoginAt

	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	current, err := s.users.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrNotFound
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	s.log.Info("user deleted", zap.String("user_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.User, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.users.FindAll(ctx, limit, offset)
}

// ChangePassword verifies the current password before replacing it.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return domain.ErrUnauthorized
	}
	if len(next) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", domain.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u.PasswordHash = string(hash)
	if err := s.users.Update(ctx, u); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	s.log.Info("password changed", zap.String("user_id", id))
	return nil
}
