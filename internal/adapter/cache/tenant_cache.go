package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// TenantCacheTTL bounds how long a suspended tenant can still pass
// validation from a stale snapshot. The management service deletes the
// key on suspension, so the TTL only matters on a cold cache node.
const TenantCacheTTL = time.Minute

var _ ports.TenantRepository = (*CachedTenantRepository)(nil)

// CachedTenantRepository caches code lookups, the query on every
// request and every OCPP frame.
type CachedTenantRepository struct {
	inner ports.TenantRepository
	cache ports.Cache
	log   *zap.Logger
}

func NewCachedTenantRepository(inner ports.TenantRepository, cache ports.Cache, log *zap.Logger) *CachedTenantRepository {
	return &CachedTenantRepository{inner: inner, cache: cache, log: log}
}

func (r *CachedTenantRepository) FindByCode(ctx context.Context, code string) (*domain.Tenant, error) {
	key := "csms:tenant:" + code
	if raw, err := r.cache.Get(ctx, key); err == nil && raw != "" {
		var t domain.Tenant
		if err := json.Unmarshal([]byte(raw), &t); err == nil {
			return &t, nil
		}
	}

	t, err := r.inner.FindByCode(ctx, code)
	if err != nil || t == nil {
		return t, err
	}

	if raw, err := json.Marshal(t); err == nil {
		if err := r.cache.Set(ctx, key, string(raw), TenantCacheTTL); err != nil {
			r.log.Debug("caching tenant", zap.String("code", code), zap.Error(err))
		}
	}
	return t, nil
}

func (r *CachedTenantRepository) Save(ctx context.Context, t *domain.Tenant) error {
	return r.inner.Save(ctx, t)
}

func (r *CachedTenantRepository) Update(ctx context.Context, t *domain.Tenant) error {
	if err := r.inner.Update(ctx, t); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, "csms:tenant:"+t.Code); err != nil {
		r.log.Debug("invalidating tenant cache", zap.String("code", t.Code), zap.Error(err))
	}
	return nil
}

func (r *CachedTenantRepository) FindByID(ctx context.Context, id string) (*domain.Tenant, error) {
	return r.inner.FindByID(ctx, id)
}

func (r *CachedTenantRepository) FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	return r.inner.FindByCustomDomain(ctx, host)
}

func (r *CachedTenantRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	return r.inner.FindAll(ctx, limit, offset)
}
