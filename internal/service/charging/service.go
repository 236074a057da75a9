// Package charging implements the version-neutral transaction lifecycle
// behind the OCPP handlers: authorization, session state, meter ingest and
// final pricing.
package charging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/observability/telemetry"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

const (
	// Events published on the bus.
	EventSessionStarted   = "session.started"
	EventSessionStopped   = "session.stopped"
	EventSessionCancelled = "session.cancelled"
)

// Service drives charging sessions. All entry points expect a tenant-bound
// context; repositories scope every query to that tenant.
type Service struct {
	sessions ports.SessionRepository
	stations ports.StationRepository
	tokens   ports.AuthTokenRepository
	tariffs  ports.TariffService
	cache    ports.Cache
	events   ports.EventPublisher
	locks    *connectorLocks
	log      *zap.Logger
	now      func() time.Time
}

func NewService(
	sessions ports.SessionRepository,
	stations ports.StationRepository,
	tokens ports.AuthTokenRepository,
	tariffs ports.TariffService,
	cache ports.Cache,
	events ports.EventPublisher,
	log *zap.Logger,
) *Service {
	return &Service{
		sessions: sessions,
		stations: stations,
		tokens:   tokens,
		tariffs:  tariffs,
		cache:    cache,
		events:   events,
		locks:    newConnectorLocks(),
		log:      log,
		now:      time.Now,
	}
}

// Authorize evaluates an idTag. Unknown tags are Invalid; a tag already
// bound to an active session reports ConcurrentTx.
func (s *Service) Authorize(ctx context.Context, idTag string) (*ports.AuthorizationResult, error) {
	if idTag == "" {
		return &ports.AuthorizationResult{Status: "Invalid"}, nil
	}

	token, err := s.tokens.FindByValue(ctx, idTag)
	if err != nil {
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	if token == nil {
		return &ports.AuthorizationResult{Status: "Invalid"}, nil
	}

	status := token.Evaluate(s.now())
	if status == domain.AuthAccepted {
		active, err := s.sessions.FindActiveByIdTag(ctx, idTag)
		if err != nil {
			return nil, fmt.Errorf("checking concurrent sessions: %w", err)
		}
		if active != nil {
			return &ports.AuthorizationResult{Status: "ConcurrentTx"}, nil
		}
	}

	return &ports.AuthorizationResult{
		Status:      string(status),
		ExpiryDate:  token.ValidUntil,
		ParentIdTag: token.GroupID,
	}, nil
}

// StartTransaction begins a session on a connector. When the start was
// remotely initiated the synthesised session is continued instead of a new
// one being created.
func (s *Service) StartTransaction(ctx context.Context, req ports.StartRequest) (*domain.ChargingSession, *ports.AuthorizationResult, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, nil, err
	}
	unlock := s.locks.lock(tenantID, req.StationID, req.ConnectorID)
	defer unlock()

	auth, err := s.Authorize(ctx, req.IdTag)
	if err != nil {
		return nil, nil, err
	}

	connector, err := s.stations.FindConnector(ctx, req.StationID, req.ConnectorID)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up connector: %w", err)
	}
	if connector == nil {
		return nil, &ports.AuthorizationResult{Status: "Invalid"}, nil
	}

	if auth.Status != "Accepted" {
		s.log.Info("start rejected",
			zap.String("station_id", req.StationID),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("status", auth.Status))
		return nil, auth, nil
	}

	if blocked, reason := s.connectorBlocked(connector, req.IdTag); blocked {
		s.log.Warn("connector refused start",
			zap.String("station_id", req.StationID),
			zap.Int("connector_id", req.ConnectorID),
			zap.String("reason", reason))
		return nil, &ports.AuthorizationResult{Status: "Blocked"}, nil
	}

	session, err := s.resumeOrCreate(ctx, req, connector)
	if err != nil {
		return nil, nil, err
	}

	txID := req.TransactionID
	if txID == 0 {
		txID, err = s.allocateTransactionID(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := session.BindTransactionID(txID); err != nil {
		return nil, nil, err
	}
	session.TransactionRef = req.TransactionRef

	now := req.Timestamp
	meterStart := req.MeterStart
	session.MeterStart = &meterStart
	session.StartTime = &now
	if err := session.Transition(domain.SessionStarting, "transaction accepted", now); err != nil {
		return nil, nil, err
	}
	if err := session.Transition(domain.SessionCharging, "energy flow started", now); err != nil {
		return nil, nil, err
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("persisting session: %w", err)
	}

	connector.Occupy(txID, req.IdTag, now)
	if err := s.stations.UpdateConnector(ctx, connector); err != nil {
		return nil, nil, fmt.Errorf("occupying connector: %w", err)
	}

	telemetry.ActiveChargingSessions.Inc()
	s.publish(ctx, EventSessionStarted, session)
	s.log.Info("session started",
		zap.String("session_uuid", session.SessionUUID),
		zap.String("station_id", req.StationID),
		zap.Int("connector_id", req.ConnectorID),
		zap.Int("transaction_id", txID))
	return session, auth, nil
}

// connectorBlocked reports whether the connector cannot accept a start.
// An expired reservation does not block; a live reservation for another
// tag does.
func (s *Service) connectorBlocked(c *domain.Connector, idTag string) (bool, string) {
	switch c.Status {
	case domain.ConnectorUnavailable:
		return true, "connector unavailable"
	case domain.ConnectorFaulted:
		return true, "connector faulted"
	case domain.ConnectorOccupied:
		return true, "connector occupied"
	case domain.ConnectorReserved:
		if c.ReservationExpired(s.now()) {
			return false, ""
		}
		if c.ReservationIdTag != "" && c.ReservationIdTag != idTag {
			return true, "reserved for another tag"
		}
	}
	if c.Maintenance {
		return true, "connector in maintenance"
	}
	return false, ""
}

// resumeOrCreate continues a remotely synthesised session or creates a
// fresh one, walking it through authorization to AUTHORIZED.
func (s *Service) resumeOrCreate(ctx context.Context, req ports.StartRequest, connector *domain.Connector) (*domain.ChargingSession, error) {
	now := req.Timestamp

	remoteUUID := req.RemoteUUID
	if remoteUUID == "" && s.cache != nil {
		// A 1.6 station answers a remote start with a plain
		// StartTransaction; the connector key left by the command
		// service points it back at the synthesised session.
		if tenantID, err := tenant.Require(ctx); err == nil {
			key := RemoteStartKey(tenantID, req.StationID, req.ConnectorID)
			if v, err := s.cache.Get(ctx, key); err == nil && v != "" {
				remoteUUID = v
				_ = s.cache.Delete(ctx, key)
			}
		}
	}
	if remoteUUID != "" {
		session, err := s.sessions.FindByUUID(ctx, remoteUUID)
		if err != nil {
			return nil, err
		}
		if session != nil && !session.Status.IsTerminal() && session.IdTag == req.IdTag {
			session.ConnectorUID = connector.ID
			return session, nil
		}
	}

	session := &domain.ChargingSession{
		SessionUUID:       uuid.New().String(),
		StationID:         req.StationID,
		ConnectorUID:      connector.ID,
		ConnectorID:       req.ConnectorID,
		Status:            domain.SessionPending,
		IdTag:             req.IdTag,
		AuthorizationTime: &now,
	}
	if err := session.Transition(domain.SessionAuthorizing, "authorization requested", now); err != nil {
		return nil, err
	}
	if err := session.Transition(domain.SessionAuthorized, "token accepted", now); err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return session, nil
}

// RemoteStartKey is the cache key binding an accepted remote start to its
// connector until the station's StartTransaction claims it.
func RemoteStartKey(tenantID, stationID string, connectorID int) string {
	return fmt.Sprintf("csms:%s:remotestart:%s:%d", tenantID, stationID, connectorID)
}

// allocateTransactionID hands out the next per-tenant OCPP transaction id.
// The cache counter is authoritative when reachable; the repository
// sequence is the fallback.
func (s *Service) allocateTransactionID(ctx context.Context, tenantID string) (int, error) {
	if s.cache != nil {
		n, err := s.cache.Increment(ctx, "csms:"+tenantID+":txid")
		if err == nil {
			return int(n), nil
		}
		s.log.Warn("cache transaction counter unavailable, using repository", zap.Error(err))
	}
	return s.sessions.NextTransactionID(ctx)
}

// RecordMeterValues ingests sampled values for a running session. A zero
// transaction id falls back to the connector's active session.
func (s *Service) RecordMeterValues(ctx context.Context, transactionID, connectorID int, stationID string, samples []ports.MeterSample) error {
	if len(samples) == 0 {
		return nil
	}

	session, err := s.findRunning(ctx, transactionID, stationID, connectorID)
	if err != nil {
		return err
	}
	if session == nil {
		s.log.Debug("meter values without a running session",
			zap.String("station_id", stationID),
			zap.Int("transaction_id", transactionID))
		return nil
	}

	values := make([]domain.MeterValue, 0, len(samples))
	var latestPowerKw, latestEnergyKwh *float64
	for _, sample := range samples {
		mv := domain.MeterValue{
			SessionUUID: session.SessionUUID,
			Timestamp:   sample.Timestamp,
			Measurand:   domain.Measurand(sample.Measurand),
			RawValue:    sample.Value.String(),
			Unit:        sample.Unit,
			Context:     domain.ReadingContext(sample.Context),
			Location:    sample.Location,
			Phase:       sample.Phase,
		}
		if mv.Measurand == "" {
			mv.Measurand = domain.MeasurandEnergyImport
		}
		if mv.Context == "" {
			mv.Context = domain.ContextSamplePeriodic
		}
		if mv.Location == "" {
			mv.Location = "Outlet"
		}
		v, _ := sample.Value.Float64()
		mv.Project(v)

		if mv.PowerKw != nil {
			latestPowerKw = mv.PowerKw
			if *mv.PowerKw > session.MaxPowerKw {
				session.MaxPowerKw = *mv.PowerKw
			}
		}
		if mv.EnergyKwh != nil {
			latestEnergyKwh = mv.EnergyKwh
		}
		values = append(values, mv)
	}

	if err := s.sessions.SaveMeterValues(ctx, values); err != nil {
		return fmt.Errorf("saving meter values: %w", err)
	}
	if session.MaxPowerKw > 0 {
		if err := s.sessions.Update(ctx, session); err != nil {
			return fmt.Errorf("updating session peak power: %w", err)
		}
	}

	s.updateConnectorTelemetry(ctx, session, latestPowerKw, latestEnergyKwh)
	return nil
}

func (s *Service) findRunning(ctx context.Context, transactionID int, stationID string, connectorID int) (*domain.ChargingSession, error) {
	if transactionID != 0 {
		session, err := s.sessions.FindByTransactionID(ctx, transactionID)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
	}
	if connectorID > 0 {
		return s.sessions.FindActiveByConnector(ctx, stationID, connectorID)
	}
	return nil, nil
}

func (s *Service) updateConnectorTelemetry(ctx context.Context, session *domain.ChargingSession, powerKw, energyKwh *float64) {
	connector, err := s.stations.FindConnector(ctx, session.StationID, session.ConnectorID)
	if err != nil || connector == nil {
		return
	}
	if powerKw != nil {
		connector.CurrentPowerKw = *powerKw
	}
	if energyKwh != nil && session.MeterStart != nil {
		start, _ := session.MeterStart.Div(decimal.NewFromInt(1000)).Float64()
		delivered := *energyKwh - start
		if delivered > 0 {
			connector.CurrentEnergyKwh = delivered
		}
	}
	if err := s.stations.UpdateConnector(ctx, connector); err != nil {
		s.log.Warn("updating connector telemetry", zap.Error(err))
	}
}

// ocppConnectorStatus maps wire status strings from both protocol
// versions onto the connector model.
func ocppConnectorStatus(raw string) domain.ConnectorStatus {
	switch raw {
	case "Available":
		return domain.ConnectorAvailable
	case "Preparing", "Charging", "SuspendedEV", "SuspendedEVSE", "Finishing", "Occupied":
		return domain.ConnectorOccupied
	case "Reserved":
		return domain.ConnectorReserved
	case "Unavailable":
		return domain.ConnectorUnavailable
	case "Faulted":
		return domain.ConnectorFaulted
	default:
		return domain.ConnectorUnavailable
	}
}

// UpdateConnectorStatus applies a StatusNotification to the connector and
// mirrors EV/EVSE suspensions onto the running session.
func (s *Service) UpdateConnectorStatus(ctx context.Context, stationID string, connectorID int, ocppStatus, errorCode string, at time.Time) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}

	// Connector 0 reports station-wide state; there is no outlet row.
	if connectorID == 0 {
		s.log.Info("station status",
			zap.String("station_id", stationID),
			zap.String("status", ocppStatus),
			zap.String("error_code", errorCode))
		return nil
	}

	unlock := s.locks.lock(tenantID, stationID, connectorID)
	defer unlock()

	connector, err := s.stations.FindConnector(ctx, stationID, connectorID)
	if err != nil {
		return fmt.Errorf("looking up connector: %w", err)
	}
	if connector == nil {
		return domain.ErrNotFound
	}

	connector.Status = ocppConnectorStatus(ocppStatus)
	connector.ErrorCode = ""
	if errorCode != "" && errorCode != "NoError" {
		connector.ErrorCode = errorCode
	}
	if err := s.stations.UpdateConnector(ctx, connector); err != nil {
		return fmt.Errorf("updating connector: %w", err)
	}

	return s.mirrorSuspension(ctx, stationID, connectorID, ocppStatus, at)
}

// mirrorSuspension moves a running session between CHARGING and the
// suspended states as the station reports them.
func (s *Service) mirrorSuspension(ctx context.Context, stationID string, connectorID int, ocppStatus string, at time.Time) error {
	var target domain.SessionStatus
	var reason string
	switch ocppStatus {
	case "SuspendedEV":
		target, reason = domain.SessionSuspendedEV, "vehicle paused charging"
	case "SuspendedEVSE":
		target, reason = domain.SessionSuspendedEVSE, "station paused charging"
	case "Charging":
		target, reason = domain.SessionCharging, "charging resumed"
	case "Finishing":
		target, reason = domain.SessionFinishing, "cable still attached"
	default:
		return nil
	}

	session, err := s.sessions.FindActiveByConnector(ctx, stationID, connectorID)
	if err != nil {
		return err
	}
	if session == nil || session.Status == target {
		return nil
	}
	if err := session.Transition(target, reason, at); err != nil {
		// Stations may repeat or reorder notifications; an impossible
		// move is logged, not fatal.
		s.log.Debug("ignoring status-driven transition",
			zap.String("session_uuid", session.SessionUUID),
			zap.String("from", string(session.Status)),
			zap.String("to", string(target)))
		return nil
	}
	return s.sessions.Update(ctx, session)
}

// StopTransaction ends a session. An unknown transaction id or an idTag
// differing from the starter yields Invalid without touching any session.
func (s *Service) StopTransaction(ctx context.Context, req ports.StopRequest) (*domain.ChargingSession, *ports.AuthorizationResult, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.sessions.FindByTransactionID(ctx, req.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		s.log.Warn("stop for unknown transaction",
			zap.Int("transaction_id", req.TransactionID))
		return nil, &ports.AuthorizationResult{Status: "Invalid"}, nil
	}
	if req.IdTag != "" && req.IdTag != session.IdTag {
		s.log.Warn("stop with mismatched id tag",
			zap.String("session_uuid", session.SessionUUID),
			zap.Int("transaction_id", req.TransactionID))
		return nil, &ports.AuthorizationResult{Status: "Invalid"}, nil
	}

	unlock := s.locks.lock(tenantID, session.StationID, session.ConnectorID)
	defer unlock()

	if session.Status.IsTerminal() {
		// Stations retry stops after connectivity loss; a repeated stop
		// is acknowledged without re-finalising.
		return session, &ports.AuthorizationResult{Status: "Accepted"}, nil
	}

	if len(req.FinalSamples) > 0 {
		if err := s.RecordMeterValues(ctx, req.TransactionID, session.ConnectorID, session.StationID, req.FinalSamples); err != nil {
			s.log.Warn("replaying final samples", zap.Error(err))
		}
	}

	s.finalize(session, req)

	breakdown, err := s.tariffs.Price(ctx, session)
	if err != nil {
		s.log.Error("pricing session",
			zap.String("session_uuid", session.SessionUUID),
			zap.Error(err))
	} else {
		session.TariffID = breakdown.TariffID
		session.Pricing = &breakdown.Snapshot
		session.EnergyCost = breakdown.EnergyCost
		session.TimeCost = breakdown.TimeCost
		session.ServiceFee = breakdown.ServiceFee
		session.SessionCost = breakdown.Subtotal
		session.TotalCost = breakdown.Total
	}

	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("persisting stopped session: %w", err)
	}
	s.releaseConnector(ctx, session)

	telemetry.ActiveChargingSessions.Dec()
	if kwh, _ := session.EnergyDeliveredKwh.Float64(); kwh > 0 {
		telemetry.EnergyDeliveredTotal.Add(kwh)
	}
	s.publish(ctx, EventSessionStopped, session)
	s.log.Info("session stopped",
		zap.String("session_uuid", session.SessionUUID),
		zap.Int("transaction_id", req.TransactionID),
		zap.String("stop_reason", string(session.StopReason)),
		zap.String("energy_kwh", session.EnergyDeliveredKwh.String()),
		zap.String("total_cost", session.TotalCost.String()))
	return session, &ports.AuthorizationResult{Status: "Accepted"}, nil
}

// finalize computes the session's consumption figures and walks it to
// COMPLETED.
func (s *Service) finalize(session *domain.ChargingSession, req ports.StopRequest) {
	at := req.Timestamp
	meterStop := req.MeterStop
	session.MeterStop = &meterStop
	session.EndTime = &at
	session.StopReason = domain.ParseStopReason(req.Reason)

	if session.MeterStart != nil {
		delta := meterStop.Sub(*session.MeterStart)
		if delta.IsNegative() {
			delta = decimal.Zero
		}
		session.EnergyDeliveredKwh = delta.Div(decimal.NewFromInt(1000)).Round(3)
	}
	if session.StartTime != nil && at.After(*session.StartTime) {
		session.DurationMinutes = int64(at.Sub(*session.StartTime).Minutes())
		// Average power is taken over the billed whole minutes, matching the
		// duration figure the session reports.
		if session.DurationMinutes > 0 {
			energy, _ := session.EnergyDeliveredKwh.Float64()
			session.AveragePowerKw = energy * 60 / float64(session.DurationMinutes)
		}
	}

	if session.Status != domain.SessionFinishing {
		if err := session.Transition(domain.SessionFinishing, "stop received", at); err != nil {
			// Sessions stopped before charging began jump straight out.
			_ = session.Transition(domain.SessionCancelled, "stopped before charging", at)
			return
		}
	}
	_ = session.Transition(domain.SessionCompleted, "transaction closed", at)
}

func (s *Service) releaseConnector(ctx context.Context, session *domain.ChargingSession) {
	connector, err := s.stations.FindConnector(ctx, session.StationID, session.ConnectorID)
	if err != nil || connector == nil {
		return
	}
	connector.Release()
	if err := s.stations.UpdateConnector(ctx, connector); err != nil {
		s.log.Warn("releasing connector",
			zap.String("station_id", session.StationID),
			zap.Int("connector_id", session.ConnectorID),
			zap.Error(err))
	}
}

func (s *Service) GetSession(ctx context.Context, sessionUUID string) (*domain.ChargingSession, error) {
	session, err := s.sessions.FindByUUID(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, filter ports.SessionFilter) ([]domain.ChargingSession, int64, error) {
	return s.sessions.FindAll(ctx, filter)
}

// CancelSession force-terminates a session from the operator side.
func (s *Service) CancelSession(ctx context.Context, sessionUUID, reason string) (*domain.ChargingSession, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.FindByUUID(ctx, sessionUUID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNotFound
	}

	unlock := s.locks.lock(tenantID, session.StationID, session.ConnectorID)
	defer unlock()

	if session.Status.IsTerminal() {
		return session, nil
	}
	wasActive := session.Status.IsActive()

	now := s.now()
	if err := session.Transition(domain.SessionCancelled, reason, now); err != nil {
		// FINISHING only allows COMPLETED or FAILED.
		if err2 := session.Transition(domain.SessionFailed, reason, now); err2 != nil {
			return nil, err
		}
	}
	session.EndTime = &now
	if err := s.sessions.Update(ctx, session); err != nil {
		return nil, err
	}
	s.releaseConnector(ctx, session)
	if wasActive {
		telemetry.ActiveChargingSessions.Dec()
	}
	s.publish(ctx, EventSessionCancelled, session)
	return session, nil
}

// ReapStaleSessions fails active sessions whose stations went silent.
// Intended to run on a schedule with a system-tenant context per tenant.
func (s *Service) ReapStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stale, err := s.sessions.FindStaleActive(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range stale {
		session := &stale[i]
		now := s.now()
		if err := session.Transition(domain.SessionFailed, "no activity from station", now); err != nil {
			continue
		}
		session.EndTime = &now
		session.StopReason = domain.StopReasonTimeout
		if err := s.sessions.Update(ctx, session); err != nil {
			s.log.Warn("failing stale session",
				zap.String("session_uuid", session.SessionUUID),
				zap.Error(err))
			continue
		}
		s.releaseConnector(ctx, session)
		count++
	}
	if count > 0 {
		telemetry.SessionsReapedTotal.Add(float64(count))
		telemetry.ActiveChargingSessions.Sub(float64(count))
		s.log.Info("reaped stale sessions", zap.Int("count", count))
	}
	return count, nil
}

func (s *Service) publish(ctx context.Context, subject string, session *domain.ChargingSession) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, session); err != nil {
		s.log.Warn("publishing event", zap.String("subject", subject), zap.Error(err))
	}
}

