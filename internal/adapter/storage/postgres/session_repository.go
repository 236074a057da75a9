package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

var _ ports.SessionRepository = (*SessionRepository)(nil)

// activeStatuses are the statuses that occupy a connector.
var activeStatuses = []domain.SessionStatus{
	domain.SessionStarting,
	domain.SessionCharging,
	domain.SessionSuspendedEV,
	domain.SessionSuspendedEVSE,
}

type SessionRepository struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewSessionRepository(db *gorm.DB, log *zap.Logger) *SessionRepository {
	return &SessionRepository{db: db, log: log}
}

func (r *SessionRepository) Save(ctx context.Context, s *domain.ChargingSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// Update rewrites the session row and appends any new status history
// entries. History rows are insert-only.
func (r *SessionRepository) Update(ctx context.Context, s *domain.ChargingSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("MeterValues", "StatusHistory").Save(s).Error; err != nil {
			return err
		}
		for i := range s.StatusHistory {
			entry := &s.StatusHistory[i]
			if entry.ID != 0 {
				continue
			}
			entry.SessionUUID = s.SessionUUID
			entry.TenantID = s.Audit.TenantID
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SessionRepository) FindByUUID(ctx context.Context, uuid string) (*domain.ChargingSession, error) {
	var s domain.ChargingSession
	err := scoped(ctx, r.db).
		Preload("StatusHistory").
		First(&s, "session_uuid = ?", uuid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) FindByTransactionID(ctx context.Context, transactionID int) (*domain.ChargingSession, error) {
	var s domain.ChargingSession
	err := scoped(ctx, r.db).
		Preload("StatusHistory").
		First(&s, "ocpp_transaction_id = ?", transactionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) FindActiveByConnector(ctx context.Context, stationID string, connectorID int) (*domain.ChargingSession, error) {
	var s domain.ChargingSession
	err := scoped(ctx, r.db).
		Preload("StatusHistory").
		Where("station_id = ? AND connector_id = ?", stationID, connectorID).
		Where("status IN ?", activeStatuses).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) FindActiveByIdTag(ctx context.Context, idTag string) (*domain.ChargingSession, error) {
	var s domain.ChargingSession
	err := scoped(ctx, r.db).
		Where("ocpp_id_tag = ?", idTag).
		Where("status IN ?", activeStatuses).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) FindAll(ctx context.Context, filter ports.SessionFilter) ([]domain.ChargingSession, int64, error) {
	q := scoped(ctx, r.db).Model(&domain.ChargingSession{})

	if filter.StationID != "" {
		q = q.Where("station_id = ?", filter.StationID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.IdTag != "" {
		q = q.Where("ocpp_id_tag = ?", filter.IdTag)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at < ?", *filter.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessions []domain.ChargingSession
	err := q.Order("created_at DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&sessions).Error
	return sessions, total, err
}

// FindStaleActive runs cross-tenant for the session reaper: active
// sessions that have not been touched since the cutoff.
func (r *SessionRepository) FindStaleActive(ctx context.Context, cutoff time.Time) ([]domain.ChargingSession, error) {
	var sessions []domain.ChargingSession
	err := r.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Where("updated_at < ?", cutoff).
		Find(&sessions).Error
	return sessions, err
}

// NextTransactionID atomically advances the tenant's transaction counter.
func (r *SessionRepository) NextTransactionID(ctx context.Context) (int, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}

	var next int
	err = r.db.WithContext(ctx).Raw(`
		INSERT INTO transaction_counters (tenant_id, value)
		VALUES (?, 1)
		ON CONFLICT (tenant_id)
		DO UPDATE SET value = transaction_counters.value + 1
		RETURNING value`, tenantID).Scan(&next).Error
	if err != nil {
		return 0, fmt.Errorf("advancing transaction counter: %w", err)
	}
	return next, nil
}

func (r *SessionRepository) SaveMeterValues(ctx context.Context, values []domain.MeterValue) error {
	if len(values) == 0 {
		return nil
	}
	if id, ok := tenant.ID(ctx); ok {
		for i := range values {
			if values[i].TenantID == "" {
				values[i].TenantID = id
			}
		}
	}
	return r.db.WithContext(ctx).CreateInBatches(values, 200).Error
}

func (r *SessionRepository) FindMeterValues(ctx context.Context, sessionUUID string, limit int) ([]domain.MeterValue, error) {
	var values []domain.MeterValue
	err := scoped(ctx, r.db).
		Where("session_uuid = ?", sessionUUID).
		Order("timestamp").
		Limit(limit).
		Find(&values).Error
	return values, err
}
