// Package tenantmgmt administers tenant organisations: provisioning,
// suspension and configuration. It is deliberately separate from
// internal/tenant, which only carries tenant identity through requests.
package tenantmgmt

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

var _ ports.TenantService = (*Service)(nil)

var codePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)

type Service struct {
	tenants ports.TenantRepository
	cache   ports.Cache
	log     *zap.Logger
	now     func() time.Time
}

func NewService(tenants ports.TenantRepository, cache ports.Cache, log *zap.Logger) *Service {
	return &Service{tenants: tenants, cache: cache, log: log, now: time.Now}
}

// Create provisions a tenant. The code doubles as subdomain, so it is
// normalised to lowercase and restricted to DNS-safe characters.
func (s *Service) Create(ctx context.Context, t *domain.Tenant) error {
	t.Code = strings.ToLower(strings.TrimSpace(t.Code))
	if !codePattern.MatchString(t.Code) {
		return fmt.Errorf("%w: tenant code must be 3-50 lowercase letters, digits or hyphens", domain.ErrValidation)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: tenant name is required", domain.ErrValidation)
	}

	existing, err := s.tenants.FindByCode(ctx, t.Code)
	if err != nil {
		return fmt.Errorf("checking tenant code: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: tenant code %s", domain.ErrDuplicate, t.Code)
	}

	if t.ID == "" {
		t.ID = t.Code
	}
	if t.Type == "" {
		t.Type = domain.TenantTypeCPO
	}
	if t.Config.Currency == "" {
		t.Config.Currency = "EUR"
	}
	if t.Config.Timezone == "" {
		t.Config.Timezone = "UTC"
	}
	if t.Config.CommandTimeoutSec == 0 {
		t.Config.CommandTimeoutSec = 30
	}
	if len(t.Features) == 0 {
		t.Features = []domain.TenantFeature{domain.FeatureOCPP16, domain.FeatureOCPP201}
	}
	t.Active = true

	if err := s.tenants.Save(ctx, t); err != nil {
		return fmt.Errorf("creating tenant: %w", err)
	}
	s.log.Info("tenant created",
		zap.String("tenant_id", t.ID),
		zap.String("code", t.Code),
		zap.String("type", string(t.Type)))
	return nil
}

func (s *Service) Update(ctx context.Context, t *domain.Tenant) error {
	current, err := s.tenants.FindByID(ctx, t.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return domain.ErrNotFound
	}
	if t.Code != current.Code {
		return fmt.Errorf("%w: tenant code cannot change", domain.ErrValidation)
	}

	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	s.invalidate(ctx, t.Code)
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	t, err := s.tenants.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Tenant, error) {
	t, err := s.tenants.FindByCode(ctx, strings.ToLower(code))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.tenants.FindAll(ctx, limit, offset)
}

// Suspend cuts off a tenant. Stations and API calls are refused until the
// tenant is re-activated; nothing is deleted.
func (s *Service) Suspend(ctx context.Context, id, reason string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.Active {
		return nil
	}

	t.Suspend(reason, s.now())
	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("suspending tenant: %w", err)
	}
	s.invalidate(ctx, t.Code)
	s.log.Warn("tenant suspended", zap.String("tenant_id", id), zap.String("reason", reason))
	return nil
}

func (s *Service) Activate(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Active {
		return nil
	}

	t.Activate()
	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("activating tenant: %w", err)
	}
	s.invalidate(ctx, t.Code)
	s.log.Info("tenant activated", zap.String("tenant_id", id))
	return nil
}

// invalidate drops the cached tenant snapshot keyed by code, so
// suspension takes effect without waiting for the cache TTL.
func (s *Service) invalidate(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "csms:tenant:"+code); err != nil {
		s.log.Debug("invalidating tenant cache", zap.String("code", code), zap.Error(err))
	}
}
