package tenant

import (
	"context"

	"github.com/voltgrid/csms/internal/domain"
)

type ctxKey struct{}

// WithID binds a tenant id to the context. Every unit of work (HTTP
// request, OCPP frame, scheduled task) runs with exactly one bound tenant.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// ID returns the tenant bound to the context, if any.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Require returns the bound tenant or ErrTenantRequired.
func Require(ctx context.Context) (string, error) {
	id, ok := ID(ctx)
	if !ok {
		return "", domain.ErrTenantRequired
	}
	return id, nil
}

// Detach copies the tenant binding onto a fresh background context. Used
// when a request spawns work that must outlive the request's own context;
// the binding is captured explicitly, never via process-global state.
func Detach(ctx context.Context) context.Context {
	if id, ok := ID(ctx); ok {
		return WithID(context.Background(), id)
	}
	return context.Background()
}
