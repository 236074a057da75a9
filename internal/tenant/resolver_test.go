package tenant

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

type fakeRegistry struct {
	byCode   map[string]*domain.Tenant
	byDomain map[string]*domain.Tenant
}

func (f *fakeRegistry) FindByCode(_ context.Context, code string) (*domain.Tenant, error) {
	return f.byCode[code], nil
}

func (f *fakeRegistry) FindByCustomDomain(_ context.Context, host string) (*domain.Tenant, error) {
	return f.byDomain[host], nil
}

func newTestResolver(defaultTenant string) *Resolver {
	reg := &fakeRegistry{
		byCode: map[string]*domain.Tenant{
			"tenant1": {ID: "tenant1", Code: "tenant1", Active: true},
		},
		byDomain: map[string]*domain.Tenant{
			"charge.example.org": {ID: "tenant2", Code: "tenant2", Active: true},
		},
	}
	return NewResolver(reg, defaultTenant, true, zap.NewNop())
}

func TestResolve_HeaderWinsOverEverything(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Header: "hdr-tenant",
		Query:  "query-tenant",
		Host:   "tenant1.csms.example.com",
		Path:   "/api/v1/stations",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "hdr-tenant" {
		t.Errorf("expected 'hdr-tenant', got %q", code)
	}
}

func TestResolve_QueryBeforeSubdomain(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Query: "query-tenant",
		Host:  "tenant1.csms.example.com",
		Path:  "/api/v1/stations",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "query-tenant" {
		t.Errorf("expected 'query-tenant', got %q", code)
	}
}

func TestResolve_Subdomain(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Host: "tenant1.csms.example.com:8080",
		Path: "/api/v1/stations",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "tenant1" {
		t.Errorf("expected 'tenant1', got %q", code)
	}
}

func TestResolve_SubdomainSkipsWWWAndAPI(t *testing.T) {
	r := newTestResolver("")

	for _, host := range []string{"www.csms.example.com", "api.csms.example.com"} {
		_, err := r.Resolve(context.Background(), Request{Host: host, Path: "/api/v1/stations"})
		if !errors.Is(err, domain.ErrTenantRequired) {
			t.Errorf("host %s: expected ErrTenantRequired, got %v", host, err)
		}
	}
}

func TestResolve_SubdomainMustBeRegistered(t *testing.T) {
	r := newTestResolver("")

	_, err := r.Resolve(context.Background(), Request{
		Host: "nobody.csms.example.com",
		Path: "/api/v1/stations",
	})

	if !errors.Is(err, domain.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
}

func TestResolve_CustomDomain(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Host: "charge.example.org",
		Path: "/api/v1/stations",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "tenant2" {
		t.Errorf("expected 'tenant2', got %q", code)
	}
}

func TestResolve_JWTClaim(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Host:      "csms.example.com",
		Path:      "/api/v1/stations",
		JWTTenant: "jwt-tenant",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "jwt-tenant" {
		t.Errorf("expected 'jwt-tenant', got %q", code)
	}
}

func TestResolve_PathScoped(t *testing.T) {
	r := newTestResolver("")

	code, err := r.Resolve(context.Background(), Request{
		Host: "csms.example.com",
		Path: "/api/tenants/acme/stations",
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if code != "acme" {
		t.Errorf("expected 'acme', got %q", code)
	}
}

func TestResolve_NoMatchOnProtectedPath(t *testing.T) {
	r := newTestResolver("")

	_, err := r.Resolve(context.Background(), Request{
		Host: "csms.example.com",
		Path: "/api/v1/stations",
	})

	if !errors.Is(err, domain.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
}

func TestAllowedWithoutTenant(t *testing.T) {
	open := []string{"/", "/health", "/metrics", "/actuator/info", "/swagger/index.html", "/v3/api-docs", "/auth/login", "/auth/register", "/public/branding.css", "/api/v1/auth/login"}
	for _, p := range open {
		if !AllowedWithoutTenant(p) {
			t.Errorf("expected %s to be open", p)
		}
	}
	closed := []string{"/api/v1/stations", "/api/v1/sessions", "/healthcheck-other"}
	for _, p := range closed {
		if AllowedWithoutTenant(p) {
			t.Errorf("expected %s to require a tenant", p)
		}
	}
}

func TestContextBinding(t *testing.T) {
	ctx := WithID(context.Background(), "t1")

	id, ok := ID(ctx)
	if !ok || id != "t1" {
		t.Fatalf("expected bound tenant t1, got %q ok=%v", id, ok)
	}

	if _, ok := ID(context.Background()); ok {
		t.Error("expected no tenant on background context")
	}

	detached := Detach(ctx)
	if id, _ := ID(detached); id != "t1" {
		t.Errorf("expected detached context to carry t1, got %q", id)
	}
}
