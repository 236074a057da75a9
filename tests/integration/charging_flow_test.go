package integration

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltgrid/csms/internal/adapter/queue"
	"github.com/voltgrid/csms/internal/adapter/storage/postgres"
	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/charging"
	"github.com/voltgrid/csms/internal/service/tariff"
)

func newChargingService(e *testEnv) *charging.Service {
	sessions := postgres.NewSessionRepository(e.DB, e.Log)
	stations := postgres.NewStationRepository(e.DB, e.Log)
	tokens := postgres.NewAuthTokenRepository(e.DB, e.Log)
	tariffs := tariff.NewService(postgres.NewTariffRepository(e.DB, e.Log), e.Log)
	return charging.NewService(sessions, stations, tokens, tariffs, e.Cache, queue.NopPublisher{}, e.Log)
}

func seedToken(t *testing.T, e *testEnv, ctx context.Context, value string) {
	t.Helper()
	tokens := postgres.NewAuthTokenRepository(e.DB, e.Log)
	err := tokens.Save(ctx, &domain.AuthToken{
		ID:         value + "-id",
		TokenType:  domain.TokenRFID,
		TokenValue: value,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("seeding token: %v", err)
	}
}

func TestChargingLifecycle_StartMeterStop(t *testing.T) {
	e := setupEnv(t)
	ctx := e.seedTenant(t, "acme")
	e.seedStation(t, ctx, "CP-001")
	seedToken(t, e, ctx, "TAG-1")

	svc := newChargingService(e)
	started := time.Now().UTC().Truncate(time.Second)

	session, auth, err := svc.StartTransaction(ctx, ports.StartRequest{
		StationID:   "CP-001",
		ConnectorID: 1,
		IdTag:       "TAG-1",
		MeterStart:  decimal.NewFromInt(1000),
		Timestamp:   started,
	})
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if auth.Status != "Accepted" {
		t.Fatalf("auth status = %s", auth.Status)
	}
	if session.Status != domain.SessionCharging {
		t.Fatalf("status = %s, want CHARGING", session.Status)
	}
	if session.TransactionID == nil || *session.TransactionID != 1 {
		t.Fatalf("transaction id = %v, want 1", session.TransactionID)
	}

	err = svc.RecordMeterValues(ctx, *session.TransactionID, 1, "CP-001", []ports.MeterSample{{
		Timestamp: started.Add(10 * time.Minute),
		Value:     decimal.NewFromInt(4000),
		Measurand: "Energy.Active.Import.Register",
		Unit:      "Wh",
	}})
	if err != nil {
		t.Fatalf("RecordMeterValues: %v", err)
	}

	stopped, _, err := svc.StopTransaction(ctx, ports.StopRequest{
		TransactionID: *session.TransactionID,
		IdTag:         "TAG-1",
		MeterStop:     decimal.NewFromInt(8500),
		Timestamp:     started.Add(30 * time.Minute),
		Reason:        "Local",
	})
	if err != nil {
		t.Fatalf("StopTransaction: %v", err)
	}
	if stopped.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want COMPLETED", stopped.Status)
	}
	if got := stopped.EnergyDeliveredKwh.StringFixed(1); got != "7.5" {
		t.Errorf("energy = %s kWh, want 7.5", got)
	}

	// Connector must be back to AVAILABLE.
	stations := postgres.NewStationRepository(e.DB, e.Log)
	connector, err := stations.FindConnector(ctx, "CP-001", 1)
	if err != nil || connector == nil {
		t.Fatalf("FindConnector: %v", err)
	}
	if connector.Status != domain.ConnectorAvailable {
		t.Errorf("connector status = %s, want AVAILABLE", connector.Status)
	}

	// Status history is persisted with the session.
	reloaded, err := postgres.NewSessionRepository(e.DB, e.Log).FindByUUID(ctx, session.SessionUUID)
	if err != nil || reloaded == nil {
		t.Fatalf("FindByUUID: %v", err)
	}
	if len(reloaded.StatusHistory) == 0 {
		t.Error("expected persisted status history")
	}
}

func TestTransactionIDs_PerTenantSequences(t *testing.T) {
	e := setupEnv(t)

	ctxA := e.seedTenant(t, "alpha")
	ctxB := e.seedTenant(t, "beta")
	e.seedStation(t, ctxA, "CP-001")
	e.seedStation(t, ctxB, "CP-001")
	seedToken(t, e, ctxA, "TAG-A")
	seedToken(t, e, ctxB, "TAG-B")

	svc := newChargingService(e)
	now := time.Now().UTC()

	sessA, _, err := svc.StartTransaction(ctxA, ports.StartRequest{
		StationID: "CP-001", ConnectorID: 1, IdTag: "TAG-A",
		MeterStart: decimal.Zero, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("StartTransaction alpha: %v", err)
	}
	sessB, _, err := svc.StartTransaction(ctxB, ports.StartRequest{
		StationID: "CP-001", ConnectorID: 1, IdTag: "TAG-B",
		MeterStart: decimal.Zero, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("StartTransaction beta: %v", err)
	}

	// Each tenant draws from its own sequence.
	if *sessA.TransactionID != 1 || *sessB.TransactionID != 1 {
		t.Errorf("transaction ids = %d/%d, want 1/1", *sessA.TransactionID, *sessB.TransactionID)
	}
}
