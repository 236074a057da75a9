// Package integration spins up real Postgres and Redis via
// testcontainers and runs the full persistence stack against them. The
// suite skips itself when Docker is unavailable; CI can point it at
// external services through DATABASE_URL / REDIS_URL instead.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/voltgrid/csms/internal/adapter/cache"
	"github.com/voltgrid/csms/internal/adapter/storage/postgres"
	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/tenant"
)

type testEnv struct {
	DB    *gorm.DB
	Cache *cache.RedisCache
	Log   *zap.Logger
}

// setupEnv provisions containers (or connects to external services) and
// returns a migrated database plus a flushed cache.
func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	dsn := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")

	if dsn == "" {
		pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("csms_test"),
			tcpostgres.WithUsername("csms"),
			tcpostgres.WithPassword("csms"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Skipf("docker unavailable, skipping integration suite: %v", err)
		}
		t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

		dsn, err = pg.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("postgres connection string: %v", err)
		}
	}

	if redisURL == "" {
		rd, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Skipf("docker unavailable, skipping integration suite: %v", err)
		}
		t.Cleanup(func() { _ = rd.Terminate(context.Background()) })

		redisURL, err = rd.ConnectionString(ctx)
		if err != nil {
			t.Fatalf("redis connection string: %v", err)
		}
	}

	db, err := postgres.Open(dsn, log)
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { _ = postgres.Close(db) })

	if err := postgres.Migrate(db); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	kv, err := cache.NewRedisCache(redisURL, log)
	if err != nil {
		t.Fatalf("connecting to redis: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	return &testEnv{DB: db, Cache: kv, Log: log}
}

// seedTenant inserts an active tenant and returns a context bound to it.
func (e *testEnv) seedTenant(t *testing.T, code string) context.Context {
	t.Helper()

	repo := postgres.NewTenantRepository(e.DB, e.Log)
	err := repo.Save(context.Background(), &domain.Tenant{
		ID:     code,
		Code:   code,
		Name:   "Tenant " + code,
		Type:   domain.TenantTypeCPO,
		Active: true,
		Config: domain.TenantConfig{
			Timezone: "UTC",
			Currency: "EUR",
		},
	})
	if err != nil {
		t.Fatalf("seeding tenant %s: %v", code, err)
	}
	return tenant.WithID(context.Background(), code)
}

// seedStation inserts a station with one available connector.
func (e *testEnv) seedStation(t *testing.T, ctx context.Context, stationID string) *domain.ChargingStation {
	t.Helper()

	repo := postgres.NewStationRepository(e.DB, e.Log)
	station := &domain.ChargingStation{
		ID:          fmt.Sprintf("%s-%d", stationID, time.Now().UnixNano()),
		StationID:   stationID,
		Vendor:      "VoltGrid",
		Model:       "VG-100",
		OCPPVersion: domain.OCPPVersion16,
		Active:      true,
	}
	if err := station.Validate(); err != nil {
		t.Fatalf("station fixture: %v", err)
	}
	if err := repo.Save(ctx, station); err != nil {
		t.Fatalf("seeding station %s: %v", stationID, err)
	}

	connector := &domain.Connector{
		ID:                station.ID + "-c1",
		ChargingStationID: station.ID,
		ConnectorID:       1,
		Status:            domain.ConnectorAvailable,
		PowerType:         domain.PowerAC3Phase,
		MaxPowerKw:        22,
	}
	if err := repo.SaveConnector(ctx, connector); err != nil {
		t.Fatalf("seeding connector: %v", err)
	}
	return station
}
