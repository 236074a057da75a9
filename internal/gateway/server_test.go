package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/mocks"
	"github.com/voltgrid/csms/internal/tenant"
)

func newHandshakeServer() *Server {
	repo := &mocks.MockTenantRepository{
		FindByCodeFunc: func(_ context.Context, code string) (*domain.Tenant, error) {
			if code == "acme" {
				return &domain.Tenant{Code: "acme", Active: true}, nil
			}
			return nil, nil
		},
	}
	resolver := tenant.NewResolver(repo, "", false, zap.NewNop())
	validator := tenant.NewValidator(repo, zap.NewNop())
	return NewServer(nil, nil, resolver, validator, zap.NewNop())
}

func TestResolveTenant_HandshakeQueryAliases(t *testing.T) {
	s := newHandshakeServer()

	// Stations identify their tenant via either query parameter spelling.
	cases := []struct {
		name   string
		target string
	}{
		{"tenantId parameter", "/ocpp/CP-1?tenantId=acme"},
		{"tenant parameter", "/ocpp/CP-1?tenant=acme"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.target, nil)

			code, err := s.resolveTenant(r)

			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if code != "acme" {
				t.Errorf("expected acme, got %q", code)
			}
		})
	}
}

func TestResolveTenant_HeaderWinsOverQuery(t *testing.T) {
	s := newHandshakeServer()
	r := httptest.NewRequest("GET", "/ocpp/CP-1?tenant=ghost", nil)
	r.Header.Set("X-Tenant-ID", "acme")

	code, err := s.resolveTenant(r)

	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if code != "acme" {
		t.Errorf("expected acme, got %q", code)
	}
}

func TestResolveTenant_RejectsUnknownTenant(t *testing.T) {
	s := newHandshakeServer()
	r := httptest.NewRequest("GET", "/ocpp/CP-1?tenant=ghost", nil)

	_, err := s.resolveTenant(r)

	if !errors.Is(err, domain.ErrInvalidTenant) {
		t.Errorf("err = %v, want ErrInvalidTenant", err)
	}
}
