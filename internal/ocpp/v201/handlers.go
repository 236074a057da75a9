package v201

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/gateway"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/ports"
)

// Handlers processes OCPP 2.0.1 messages from charging stations.
type Handlers struct {
	charging ports.ChargingService
	stations ports.StationService
	log      *zap.Logger
	now      func() time.Time
}

func NewHandlers(charging ports.ChargingService, stations ports.StationService, log *zap.Logger) *Handlers {
	return &Handlers{charging: charging, stations: stations, log: log, now: time.Now}
}

// RegisterAll binds every supported 2.0.1 action on the router.
func (h *Handlers) RegisterAll(r *gateway.Router) {
	r.Register(wire.V201, "BootNotification", h.BootNotification)
	r.Register(wire.V201, "Heartbeat", h.Heartbeat)
	r.Register(wire.V201, "Authorize", h.Authorize)
	r.Register(wire.V201, "StatusNotification", h.StatusNotification)
	r.Register(wire.V201, "TransactionEvent", h.TransactionEvent)
	r.Register(wire.V201, "DataTransfer", h.DataTransfer)
	r.Register(wire.V201, "FirmwareStatusNotification", h.FirmwareStatusNotification)
	r.Register(wire.V201, "LogStatusNotification", h.LogStatusNotification)
}

// TransactionID maps a station-chosen 2.0.1 transaction id onto the
// numeric key shared with 1.6 sessions. The tenant is mixed in so equal
// ids on different tenants never collide.
func TransactionID(tenantID, transactionID string) int {
	f := fnv.New32a()
	f.Write([]byte(tenantID))
	f.Write([]byte{0})
	f.Write([]byte(transactionID))
	return int(f.Sum32() & 0x7fffffff)
}

func (h *Handlers) BootNotification(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req BootNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid BootNotification payload")
	}

	h.log.Info("boot notification",
		zap.String("station_id", sess.StationID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("vendor", req.ChargingStation.VendorName),
		zap.String("model", req.ChargingStation.Model),
		zap.String("reason", req.Reason))

	interval := 0
	station, err := h.stations.GetByStationID(ctx, sess.StationID)
	if err != nil {
		h.log.Warn("looking up station on boot", zap.String("station_id", sess.StationID), zap.Error(err))
	} else if station != nil {
		station.Vendor = req.ChargingStation.VendorName
		station.Model = req.ChargingStation.Model
		station.FirmwareVersion = req.ChargingStation.FirmwareVersion
		station.SerialNumber = req.ChargingStation.SerialNumber
		now := h.now()
		station.LastBootAt = &now
		station.Connected = true
		if err := h.stations.Update(ctx, station); err != nil {
			h.log.Warn("updating station on boot", zap.String("station_id", sess.StationID), zap.Error(err))
		}
		interval = station.HeartbeatInterval
	}

	status := "Accepted"
	var info *StatusInfo
	if interval == 0 {
		status = "Pending"
		interval = 60
		info = &StatusInfo{ReasonCode: "NotRegistered"}
	}
	sess.SetBootStatus(status)

	return BootNotificationResponse{
		CurrentTime: h.now().UTC().Format(time.RFC3339),
		Interval:    interval,
		Status:      status,
		StatusInfo:  info,
	}, nil
}

func (h *Handlers) Heartbeat(_ context.Context, _ *gateway.Session, _ json.RawMessage) (interface{}, *wire.Error) {
	return HeartbeatResponse{CurrentTime: h.now().UTC().Format(time.RFC3339)}, nil
}

func (h *Handlers) Authorize(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req AuthorizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid Authorize payload")
	}
	if req.IdToken.IdToken == "" {
		return nil, wire.NewError(wire.CodePropertyConstraintViolation, "idToken is required")
	}

	result, err := h.charging.Authorize(ctx, req.IdToken.IdToken)
	if err != nil {
		h.log.Error("authorize failed", zap.String("station_id", sess.StationID), zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "authorization failed")
	}
	return AuthorizeResponse{IdTokenInfo: toIdTokenInfo(result)}, nil
}

func (h *Handlers) StatusNotification(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req StatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid StatusNotification payload")
	}

	at := parseTimestamp(req.Timestamp, h.now())
	if err := h.charging.UpdateConnectorStatus(ctx, sess.StationID, req.ConnectorId, req.ConnectorStatus, "", at); err != nil {
		h.log.Warn("applying status notification",
			zap.String("station_id", sess.StationID),
			zap.Int("evse_id", req.EvseId),
			zap.Int("connector_id", req.ConnectorId),
			zap.String("status", req.ConnectorStatus),
			zap.Error(err))
	}
	return StatusNotificationResponse{}, nil
}

// TransactionEvent folds the 2.0.1 Started/Updated/Ended event stream onto
// the version-neutral start/meter/stop operations.
func (h *Handlers) TransactionEvent(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req TransactionEventRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid TransactionEvent payload")
	}
	if req.TransactionInfo.TransactionId == "" {
		return nil, wire.NewError(wire.CodePropertyConstraintViolation, "transactionId is required")
	}

	txID := TransactionID(sess.TenantID, req.TransactionInfo.TransactionId)
	at := parseTimestamp(req.Timestamp, h.now())

	switch req.EventType {
	case EventStarted:
		return h.eventStarted(ctx, sess, &req, txID, at)
	case EventUpdated:
		return h.eventUpdated(ctx, sess, &req, txID)
	case EventEnded:
		return h.eventEnded(ctx, sess, &req, txID, at)
	default:
		return nil, wire.NewError(wire.CodePropertyConstraintViolation, "unknown eventType")
	}
}

func (h *Handlers) eventStarted(ctx context.Context, sess *gateway.Session, req *TransactionEventRequest, txID int, at time.Time) (interface{}, *wire.Error) {
	idTag := ""
	if req.IdToken != nil {
		idTag = req.IdToken.IdToken
	}
	connectorID := 1
	if req.Evse != nil && req.Evse.ConnectorId > 0 {
		connectorID = req.Evse.ConnectorId
	}

	_, auth, err := h.charging.StartTransaction(ctx, ports.StartRequest{
		StationID:      sess.StationID,
		ConnectorID:    connectorID,
		IdTag:          idTag,
		MeterStart:     firstEnergySample(req.MeterValue),
		Timestamp:      at,
		TransactionID:  txID,
		TransactionRef: req.TransactionInfo.TransactionId,
	})
	if err != nil {
		h.log.Error("transaction start failed",
			zap.String("station_id", sess.StationID),
			zap.String("transaction_id", req.TransactionInfo.TransactionId),
			zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "failed to start transaction")
	}

	info := toIdTokenInfo(auth)
	return TransactionEventResponse{IdTokenInfo: &info}, nil
}

func (h *Handlers) eventUpdated(ctx context.Context, sess *gateway.Session, req *TransactionEventRequest, txID int) (interface{}, *wire.Error) {
	connectorID := 0
	if req.Evse != nil {
		connectorID = req.Evse.ConnectorId
	}
	samples := flattenSamples(req.MeterValue, h.now())
	if len(samples) > 0 {
		if err := h.charging.RecordMeterValues(ctx, txID, connectorID, sess.StationID, samples); err != nil {
			h.log.Warn("recording transaction event samples",
				zap.String("station_id", sess.StationID),
				zap.Int("transaction_id", txID),
				zap.Error(err))
		}
	}
	return TransactionEventResponse{}, nil
}

func (h *Handlers) eventEnded(ctx context.Context, sess *gateway.Session, req *TransactionEventRequest, txID int, at time.Time) (interface{}, *wire.Error) {
	idTag := ""
	if req.IdToken != nil {
		idTag = req.IdToken.IdToken
	}

	session, auth, err := h.charging.StopTransaction(ctx, ports.StopRequest{
		TransactionID: txID,
		IdTag:         idTag,
		MeterStop:     finalEnergySample(req.MeterValue, at),
		Timestamp:     at,
		Reason:        req.TransactionInfo.StoppedReason,
		FinalSamples:  flattenSamples(req.MeterValue, h.now()),
	})
	if err != nil {
		h.log.Error("transaction end failed",
			zap.String("station_id", sess.StationID),
			zap.Int("transaction_id", txID),
			zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "failed to end transaction")
	}

	resp := TransactionEventResponse{}
	if auth != nil {
		info := toIdTokenInfo(auth)
		resp.IdTokenInfo = &info
	}
	if session != nil && !session.TotalCost.IsZero() {
		cost, _ := session.TotalCost.Float64()
		resp.TotalCost = &cost
	}
	return resp, nil
}

func (h *Handlers) DataTransfer(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req DataTransferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid DataTransfer payload")
	}
	h.log.Debug("data transfer",
		zap.String("station_id", sess.StationID),
		zap.String("vendor_id", req.VendorId))
	return DataTransferResponse{Status: "UnknownVendorId"}, nil
}

// Firmware and log upload progress is acknowledged and logged only; the
// CSMS does not drive firmware campaigns.

func (h *Handlers) FirmwareStatusNotification(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req FirmwareStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid FirmwareStatusNotification payload")
	}
	h.log.Info("firmware status",
		zap.String("station_id", sess.StationID),
		zap.String("status", req.Status))
	return FirmwareStatusNotificationResponse{}, nil
}

func (h *Handlers) LogStatusNotification(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req LogStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormatViolation, "invalid LogStatusNotification payload")
	}
	h.log.Info("log upload status",
		zap.String("station_id", sess.StationID),
		zap.String("status", req.Status))
	return LogStatusNotificationResponse{}, nil
}

func toIdTokenInfo(r *ports.AuthorizationResult) IdTokenInfo {
	if r == nil {
		return IdTokenInfo{Status: AuthInvalid}
	}
	info := IdTokenInfo{Status: r.Status}
	if r.ExpiryDate != nil {
		info.CacheExpiryDateTime = r.ExpiryDate.UTC().Format(time.RFC3339)
	}
	return info
}

// firstEnergySample pulls the first energy register reading in Wh, the
// meter figure a Started event anchors the session on.
func firstEnergySample(values []MeterValue) decimal.Decimal {
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			v := decimal.NewFromFloat(sv.Value)
			if sv.UnitOfMeasure != nil && sv.UnitOfMeasure.Unit == "kWh" {
				v = v.Mul(decimal.NewFromInt(1000))
			}
			return v
		}
	}
	return decimal.Zero
}

// finalEnergySample picks the meter-stop register from an Ended event. An
// Ended event may batch trailing periodic samples together with the
// Transaction.End sample, so the Transaction.End register wins when present;
// otherwise the latest-timestamped energy register is taken.
func finalEnergySample(values []MeterValue, fallback time.Time) decimal.Decimal {
	var (
		best   decimal.Decimal
		bestTS time.Time
		found  bool
	)
	for _, mv := range values {
		ts := parseTimestamp(mv.Timestamp, fallback)
		for _, sv := range mv.SampledValue {
			if sv.Measurand != "" && sv.Measurand != "Energy.Active.Import.Register" {
				continue
			}
			v := decimal.NewFromFloat(sv.Value)
			if sv.UnitOfMeasure != nil && sv.UnitOfMeasure.Unit == "kWh" {
				v = v.Mul(decimal.NewFromInt(1000))
			}
			if sv.Context == "Transaction.End" {
				return v
			}
			if !found || ts.After(bestTS) || ts.Equal(bestTS) {
				best, bestTS, found = v, ts, true
			}
		}
	}
	return best
}

func flattenSamples(values []MeterValue, fallback time.Time) []ports.MeterSample {
	var out []ports.MeterSample
	for _, mv := range values {
		ts := parseTimestamp(mv.Timestamp, fallback)
		for _, sv := range mv.SampledValue {
			unit := ""
			if sv.UnitOfMeasure != nil {
				unit = sv.UnitOfMeasure.Unit
			}
			out = append(out, ports.MeterSample{
				Timestamp: ts,
				Value:     decimal.NewFromFloat(sv.Value),
				Measurand: sv.Measurand,
				Context:   sv.Context,
				Unit:      unit,
				Phase:     sv.Phase,
				Location:  sv.Location,
			})
		}
	}
	return out
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t
}
