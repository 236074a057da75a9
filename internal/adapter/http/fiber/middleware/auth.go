package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

const (
	localClaims = "claims"
	localUserID = "user_id"
)

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// AuthRequired validates the bearer token and rejects tokens issued for
// a different tenant than the one bound to the request.
func AuthRequired(service ports.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return domain.ErrUnauthorized
		}

		claims, err := service.ValidateToken(c.UserContext(), token)
		if err != nil {
			return err
		}

		if bound, ok := tenant.ID(c.UserContext()); ok && claims.TenantID != "" && claims.TenantID != bound {
			return domain.ErrTenantMismatch
		}

		c.Locals(localClaims, claims)
		c.Locals(localUserID, claims.UserID)
		return c.Next()
	}
}

// RequireRole gates a route on any of the given roles.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, ok := c.Locals(localClaims).(*ports.Claims)
		if !ok {
			return domain.ErrUnauthorized
		}
		for _, have := range claims.Roles {
			for _, want := range roles {
				if have == want {
					return c.Next()
				}
			}
		}
		return domain.ErrForbidden
	}
}

// ClaimsFrom returns the validated claims set by AuthRequired, nil when
// the route was not authenticated.
func ClaimsFrom(c *fiber.Ctx) *ports.Claims {
	claims, _ := c.Locals(localClaims).(*ports.Claims)
	return claims
}
