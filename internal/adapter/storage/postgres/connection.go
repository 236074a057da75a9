// Package postgres implements the repository ports on PostgreSQL through
// GORM. Every query on a tenant-scoped table is filtered by the tenant
// bound to the context; the tenant hook guards writes.
package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/tenant"
)

// Open connects to PostgreSQL and installs the tenant enforcement hook.
func Open(dsn string, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := tenant.RegisterCallbacks(db); err != nil {
		return nil, fmt.Errorf("installing tenant hook: %w", err)
	}

	log.Info("connected to postgres")
	return db, nil
}

// Migrate creates or updates the schema for every persisted entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Tenant{},
		&domain.ChargingStation{},
		&domain.Connector{},
		&domain.ChargingSession{},
		&domain.MeterValue{},
		&domain.StatusChange{},
		&domain.Tariff{},
		&domain.TariffElement{},
		&domain.User{},
		&domain.Role{},
		&domain.Permission{},
		&domain.AuthToken{},
		&transactionCounter{},
	)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// transactionCounter backs the per-tenant OCPP transaction id sequence.
type transactionCounter struct {
	TenantID string `gorm:"primaryKey;size:50"`
	Value    int    `gorm:"not null;default:0"`
}

func (transactionCounter) TableName() string { return "transaction_counters" }

// scoped narrows a query to the tenant bound to the context. A request
// without a bound tenant sees nothing on tenant-scoped tables; the
// cross-tenant reaper queries bypass this on purpose.
func scoped(ctx context.Context, db *gorm.DB) *gorm.DB {
	q := db.WithContext(ctx)
	if id, ok := tenant.ID(ctx); ok {
		return q.Where("tenant_id = ?", id)
	}
	return q.Where("1 = 0")
}
