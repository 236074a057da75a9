// Package middleware holds the fiber middleware chain: tenant
// resolution, JWT auth, circuit breaking and the error mapper.
package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

// statusFor maps domain sentinels to HTTP status codes. Handlers return
// service errors as-is and this is the single place they become wire
// responses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownTransaction):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrTenantRequired):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicate),
		errors.Is(err, domain.ErrInvalidSessionState),
		errors.Is(err, domain.ErrActiveSessionExists):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrAccountLocked):
		return fiber.StatusLocked
	case errors.Is(err, domain.ErrForbidden),
		errors.Is(err, domain.ErrTenantMismatch),
		errors.Is(err, domain.ErrInvalidTenant):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrStationOffline):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, domain.ErrCallTimeout):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		if code == fiber.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Method()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			// Do not leak internals.
			return c.Status(code).JSON(fiber.Map{"error": "internal server error"})
		}

		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}
