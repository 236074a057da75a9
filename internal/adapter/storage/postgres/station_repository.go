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

var _ ports.StationRepository = (*StationRepository)(nil)

type StationRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewStationRepository(db *gorm.DB, log *zap.Logger) *StationRepository {
	return &StationRepository{db: db, log: log}
}

func (r *StationRepository) Save(ctx context.Context, s *domain.ChargingStation) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *StationRepository) Update(ctx context.Context, s *domain.ChargingStation) error {
	return r.db.WithContext(ctx).Omit("Connectors").Save(s).Error
}

// Delete soft-deletes via the audit flag so session history keeps its
// station reference.
func (r *StationRepository) Delete(ctx context.Context, id string) error {
	now := time.Now()
	return scoped(ctx, r.db).
		Model(&domain.ChargingStation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"deleted": true, "deleted_at": now}).Error
}

func (r *StationRepository) FindByID(ctx context.Context, id string) (*domain.ChargingStation, error) {
	var s domain.ChargingStation
	err := scoped(ctx, r.db).
		Preload("Connectors").
		Where("deleted = false").
		First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StationRepository) FindByStationID(ctx context.Context, stationID string) (*domain.ChargingStation, error) {
	var s domain.ChargingStation
	err := scoped(ctx, r.db).
		Preload("Connectors").
		Where("deleted = false").
		First(&s, "station_id = ?", stationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *StationRepository) FindAll(ctx context.Context, filter ports.StationFilter) ([]domain.ChargingStation, int64, error) {
	q := scoped(ctx, r.db).Model(&domain.ChargingStation{}).Where("deleted = false")

	if filter.Status == "maintenance" {
		q = q.Where("maintenance = true")
	} else if filter.Status == "active" {
		q = q.Where("active = true AND maintenance = false")
	} else if filter.Status == "inactive" {
		q = q.Where("active = false")
	}
	if filter.Connected != nil {
		q = q.Where("connected = ?", *filter.Connected)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		q = q.Where("station_id ILIKE ? OR vendor ILIKE ? OR model ILIKE ?", like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var stations []domain.ChargingStation
	err := q.Preload("Connectors").
		Order("station_id").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&stations).Error
	return stations, total, err
}

// FindNearby orders stations by great-circle distance, computed with the
// Haversine formula in SQL (Earth radius 6371 km).
func (r *StationRepository) FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error) {
	distance := `
		6371 * 2 * ASIN(SQRT(
			POWER(SIN(RADIANS(latitude - ?) / 2), 2) +
			COS(RADIANS(?)) * COS(RADIANS(latitude)) *
			POWER(SIN(RADIANS(longitude - ?) / 2), 2)
		))`

	var stations []domain.ChargingStation
	err := scoped(ctx, r.db).
		Preload("Connectors").
		Select("*, "+distance+" AS distance_km", lat, lat, lon).
		Where("deleted = false AND active = true").
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Where(distance+" <= ?", lat, lat, lon, radiusKm).
		Order("distance_km").
		Limit(limit).
		Find(&stations).Error
	if err != nil {
		r.log.Error("nearby station lookup failed",
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
			zap.Float64("radius_km", radiusKm),
			zap.Error(err))
		return nil, err
	}
	return stations, nil
}

func (r *StationRepository) SaveConnector(ctx context.Context, c *domain.Connector) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *StationRepository) UpdateConnector(ctx context.Context, c *domain.Connector) error {
	return r.db.WithContext(ctx).Save(c).Error
}

// FindConnector resolves a connector through the station's OCPP identity.
func (r *StationRepository) FindConnector(ctx context.Context, stationID string, connectorID int) (*domain.Connector, error) {
	var c domain.Connector
	err := scoped(ctx, r.db).
		Where("connector_id = ?", connectorID).
		Where("charging_station_id = (?)",
			scoped(ctx, r.db).
				Model(&domain.ChargingStation{}).
				Select("id").
				Where("station_id = ? AND deleted = false", stationID),
		).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindConnectorsWithExpiredReservations runs cross-tenant for the
// reservation reaper.
func (r *StationRepository) FindConnectorsWithExpiredReservations(ctx context.Context, now time.Time) ([]domain.Connector, error) {
	var connectors []domain.Connector
	err := r.db.WithContext(ctx).
		Where("reservation_id IS NOT NULL AND reservation_expires_at < ?", now).
		Find(&connectors).Error
	return connectors, err
}
