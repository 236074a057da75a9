package tenantmgmt

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
)

func newService(t *testing.T, repo *mocks.MockTenantRepository, cache *mocks.MockCache) *Service {
	t.Helper()
	if cache == nil {
		cache = mocks.NewMockCache()
	}
	return NewService(repo, cache, zap.NewNop())
}

func TestCreate_AppliesDefaults(t *testing.T) {
	repo := &mocks.MockTenantRepository{}
	var saved *domain.Tenant
	repo.SaveFunc = func(_ context.Context, tn *domain.Tenant) error {
		saved = tn
		return nil
	}
	svc := newService(t, repo, nil)

	tn := &domain.Tenant{Code: " Acme-EV ", Name: "Acme EV"}
	if err := svc.Create(context.Background(), tn); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if saved == nil {
		t.Fatal("expected the tenant to be saved")
	}
	if saved.Code != "acme-ev" {
		t.Errorf("code = %q, want acme-ev", saved.Code)
	}
	if saved.ID != "acme-ev" {
		t.Errorf("id defaults to code, got %q", saved.ID)
	}
	if saved.Type != domain.TenantTypeCPO {
		t.Errorf("type = %s", saved.Type)
	}
	if !saved.Active {
		t.Error("tenants start active")
	}
	if saved.Config.Currency != "EUR" || saved.Config.Timezone != "UTC" {
		t.Errorf("config defaults missing: %+v", saved.Config)
	}
	if !saved.HasFeature(domain.FeatureOCPP16) || !saved.HasFeature(domain.FeatureOCPP201) {
		t.Error("both protocol features enabled by default")
	}
}

func TestCreate_RejectsBadCodes(t *testing.T) {
	svc := newService(t, &mocks.MockTenantRepository{}, nil)

	for _, code := range []string{"", "ab", "-leading", "trailing-", "has spaces", "UPPER CASE!"} {
		err := svc.Create(context.Background(), &domain.Tenant{Code: code, Name: "x"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("code %q: err = %v, want ErrValidation", code, err)
		}
	}
}

func TestCreate_DuplicateCode(t *testing.T) {
	repo := &mocks.MockTenantRepository{}
	repo.FindByCodeFunc = func(_ context.Context, code string) (*domain.Tenant, error) {
		if code == "taken" {
			return &domain.Tenant{ID: "taken", Code: "taken"}, nil
		}
		return nil, nil
	}
	svc := newService(t, repo, nil)

	err := svc.Create(context.Background(), &domain.Tenant{Code: "taken", Name: "x"})
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestUpdate_CodeIsImmutable(t *testing.T) {
	repo := &mocks.MockTenantRepository{}
	repo.FindByIDFunc = func(_ context.Context, id string) (*domain.Tenant, error) {
		return &domain.Tenant{ID: id, Code: "original"}, nil
	}
	svc := newService(t, repo, nil)

	err := svc.Update(context.Background(), &domain.Tenant{ID: "t1", Code: "changed"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSuspendAndActivate(t *testing.T) {
	stored := &domain.Tenant{ID: "t1", Code: "t1", Name: "T1", Active: true}
	repo := &mocks.MockTenantRepository{}
	repo.FindByIDFunc = func(_ context.Context, id string) (*domain.Tenant, error) {
		if id == "t1" {
			return stored, nil
		}
		return nil, nil
	}
	repo.UpdateFunc = func(_ context.Context, tn *domain.Tenant) error {
		stored = tn
		return nil
	}
	cache := mocks.NewMockCache()
	if err := cache.Set(context.Background(), "csms:tenant:t1", "cached", time.Minute); err != nil {
		t.Fatal(err)
	}
	svc := newService(t, repo, cache)

	if err := svc.Suspend(context.Background(), "t1", "non-payment"); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if stored.Active {
		t.Error("tenant must be inactive after suspension")
	}
	if stored.SuspendedReason != "non-payment" || stored.SuspendedAt == nil {
		t.Errorf("suspension details missing: %+v", stored)
	}
	if v, _ := cache.Get(context.Background(), "csms:tenant:t1"); v != "" {
		t.Error("cached tenant snapshot must be invalidated")
	}

	if err := svc.Activate(context.Background(), "t1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if !stored.Active || stored.SuspendedAt != nil {
		t.Errorf("tenant not fully re-activated: %+v", stored)
	}
}

func TestSuspend_UnknownTenant(t *testing.T) {
	svc := newService(t, &mocks.MockTenantRepository{}, nil)

	err := svc.Suspend(context.Background(), "nope", "reason")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
