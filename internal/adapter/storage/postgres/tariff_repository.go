package postgres

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

var _ ports.TariffRepository = (*TariffRepository)(nil)

type TariffRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewTariffRepository(db *gorm.DB, log *zap.Logger) *TariffRepository {
	return &TariffRepository{db: db, log: log}
}

func (r *TariffRepository) Save(ctx context.Context, t *domain.Tariff) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *TariffRepository) Update(ctx context.Context, t *domain.Tariff) error {
	return r.db.WithContext(ctx).Omit("Elements").Save(t).Error
}

func (r *TariffRepository) Delete(ctx context.Context, id string) error {
	now := time.Now()
	return scoped(ctx, r.db).
		Model(&domain.Tariff{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"deleted": true, "deleted_at": now, "active": false}).Error
}

func (r *TariffRepository) FindByID(ctx context.Context, id string) (*domain.Tariff, error) {
	var t domain.Tariff
	err := scoped(ctx, r.db).
		Preload("Elements").
		Where("deleted = false").
		First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TariffRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error) {
	q := scoped(ctx, r.db).Model(&domain.Tariff{}).Where("deleted = false")

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tariffs []domain.Tariff
	err := q.Preload("Elements").
		Order("code").
		Limit(limit).
		Offset(offset).
		Find(&tariffs).Error
	return tariffs, total, err
}

// FindApplicable resolves the tariff assigned to the station, if any. The
// service layer falls back to the tenant default and then the built-in
// default.
func (r *TariffRepository) FindApplicable(ctx context.Context, stationID string, at time.Time) (*domain.Tariff, error) {
	var t domain.Tariff
	err := scoped(ctx, r.db).
		Preload("Elements").
		Where("deleted = false AND active = true").
		Where("id = (?)",
			scoped(ctx, r.db).
				Model(&domain.ChargingStation{}).
				Select("tariff_id").
				Where("station_id = ? AND deleted = false", stationID),
		).
		Where("(valid_from IS NULL OR valid_from <= ?) AND (valid_until IS NULL OR valid_until >= ?)", at, at).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TariffRepository) FindDefault(ctx context.Context) (*domain.Tariff, error) {
	var t domain.Tariff
	err := scoped(ctx, r.db).
		Preload("Elements").
		Where("deleted = false AND active = true AND is_default = true").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
