package tenant

import (
	"context"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

// Registry looks up tenants during resolution and validation.
type Registry interface {
	FindByCode(ctx context.Context, code string) (*domain.Tenant, error)
	FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error)
}

// allowlist of path prefixes reachable without a tenant binding.
var openPaths = []string{
	"/actuator",
	"/health",
	"/metrics",
	"/swagger",
	"/v3/api-docs",
	"/auth/login",
	"/auth/register",
	"/public",
}

// AllowedWithoutTenant reports whether the path may be served with no
// tenant bound.
func AllowedWithoutTenant(path string) bool {
	if path == "/" {
		return true
	}
	for _, p := range openPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	// Fiber routes the auth endpoints under /api/v1 as well.
	for _, p := range []string{"/api/v1/auth/login", "/api/v1/auth/register", "/api/v1/auth/refresh"} {
		if path == p {
			return true
		}
	}
	return false
}

// Request carries the tenant-relevant parts of an incoming HTTP request or
// OCPP handshake, already extracted by the transport adapter.
type Request struct {
	Header    string // X-Tenant-ID
	Query     string // tenantId / tenant
	Host      string
	Path      string
	JWTTenant string // tenantId claim, when a token was presented
}

// Resolver implements the documented resolution order: header, query
// parameter, subdomain, custom domain, JWT claim, tenant-scoped path.
type Resolver struct {
	registry       Registry
	defaultTenant  string
	domainStrategy bool
	log            *zap.Logger
}

func NewResolver(registry Registry, defaultTenant string, domainStrategy bool, log *zap.Logger) *Resolver {
	return &Resolver{
		registry:       registry,
		defaultTenant:  defaultTenant,
		domainStrategy: domainStrategy,
		log:            log,
	}
}

// Resolve returns the tenant code for the request, or ErrTenantRequired
// when nothing matches and the path is not in the open allowlist.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	if req.Header != "" {
		return req.Header, nil
	}
	if req.Query != "" {
		return req.Query, nil
	}
	if r.domainStrategy {
		if code := r.fromSubdomain(ctx, req.Host); code != "" {
			return code, nil
		}
		if code := r.fromCustomDomain(ctx, req.Host); code != "" {
			return code, nil
		}
	}
	if req.JWTTenant != "" {
		return req.JWTTenant, nil
	}
	if code := fromPath(req.Path); code != "" {
		return code, nil
	}
	if AllowedWithoutTenant(req.Path) {
		return r.defaultTenant, nil
	}
	if r.defaultTenant != "" {
		return r.defaultTenant, nil
	}
	return "", domain.ErrTenantRequired
}

// fromSubdomain maps tenant1.host to tenant1, skipping www and api, and
// only accepts subdomains that name a registered tenant.
func (r *Resolver) fromSubdomain(ctx context.Context, host string) string {
	host = stripPort(host)
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return ""
	}
	sub := strings.ToLower(parts[0])
	if sub == "" || sub == "www" || sub == "api" {
		return ""
	}
	t, err := r.registry.FindByCode(ctx, sub)
	if err != nil || t == nil {
		return ""
	}
	return t.Code
}

func (r *Resolver) fromCustomDomain(ctx context.Context, host string) string {
	host = stripPort(host)
	if host == "" {
		return ""
	}
	t, err := r.registry.FindByCustomDomain(ctx, host)
	if err != nil || t == nil {
		return ""
	}
	return t.Code
}

// fromPath extracts the code from /api/tenants/{code}/... paths.
func fromPath(path string) string {
	const prefix = "/api/tenants/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if idx := strings.IndexByte(rest, '/'); idx > 0 {
		return rest[:idx]
	}
	return rest
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
