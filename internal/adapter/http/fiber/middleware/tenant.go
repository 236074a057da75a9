package middleware

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

// TenantResolution binds the resolved tenant code to the request
// context before anything else runs. Repositories scope every query by
// it, so a request that cannot be attributed to an active tenant stops
// here unless its path is on the open allowlist.
func TenantResolution(resolver *tenant.Resolver, validator *tenant.Validator, auth ports.AuthService, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := tenant.Request{
			Header: c.Get("X-Tenant-ID"),
			Query:  c.Query("tenantId", c.Query("tenant")),
			Host:   c.Hostname(),
			Path:   c.Path(),
		}
		if token := bearerToken(c); token != "" && auth != nil {
			// Resolution only; the auth middleware rejects bad tokens.
			if claims, err := auth.ValidateToken(c.UserContext(), token); err == nil {
				req.JWTTenant = claims.TenantID
			}
		}

		code, err := resolver.Resolve(c.UserContext(), req)
		if err != nil {
			return err
		}

		if code == "" {
			// Open path with no default tenant configured.
			return c.Next()
		}

		ctx := tenant.WithID(c.UserContext(), code)
		c.SetUserContext(ctx)

		if !tenant.AllowedWithoutTenant(c.Path()) {
			if _, err := validator.ValidateCurrent(ctx); err != nil {
				return err
			}
		}
		return c.Next()
	}
}
