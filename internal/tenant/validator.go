package tenant

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
)

// Validator checks that the tenant bound to the current unit of work
// exists and is active.
type Validator struct {
	registry Registry
	log      *zap.Logger
}

func NewValidator(registry Registry, log *zap.Logger) *Validator {
	return &Validator{registry: registry, log: log}
}

// ValidateCurrent resolves the bound tenant and returns it if active.
func (v *Validator) ValidateCurrent(ctx context.Context) (*domain.Tenant, error) {
	code, err := Require(ctx)
	if err != nil {
		return nil, err
	}
	t, err := v.registry.FindByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("looking up tenant %q: %w", code, err)
	}
	if t == nil || !t.Active {
		v.log.Warn("rejected inactive or unknown tenant", zap.String("tenant", code))
		return nil, domain.ErrInvalidTenant
	}
	return t, nil
}
