package v16

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/gateway"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/ports"
)

// Handlers processes OCPP 1.6 messages from charge points.
type Handlers struct {
	charging ports.ChargingService
	stations ports.StationService
	log      *zap.Logger
	now      func() time.Time
}

func NewHandlers(charging ports.ChargingService, stations ports.StationService, log *zap.Logger) *Handlers {
	return &Handlers{charging: charging, stations: stations, log: log, now: time.Now}
}

// RegisterAll binds every supported 1.6 action on the router.
func (h *Handlers) RegisterAll(r *gateway.Router) {
	r.Register(wire.V16, "BootNotification", h.BootNotification)
	r.Register(wire.V16, "Heartbeat", h.Heartbeat)
	r.Register(wire.V16, "Authorize", h.Authorize)
	r.Register(wire.V16, "StartTransaction", h.StartTransaction)
	r.Register(wire.V16, "MeterValues", h.MeterValues)
	r.Register(wire.V16, "StatusNotification", h.StatusNotification)
	r.Register(wire.V16, "StopTransaction", h.StopTransaction)
	r.Register(wire.V16, "DataTransfer", h.DataTransfer)
	r.Register(wire.V16, "FirmwareStatusNotification", h.FirmwareStatusNotification)
	r.Register(wire.V16, "DiagnosticsStatusNotification", h.DiagnosticsStatusNotification)
}

func (h *Handlers) BootNotification(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req BootNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid BootNotification payload")
	}

	h.log.Info("boot notification",
		zap.String("station_id", sess.StationID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("vendor", req.ChargePointVendor),
		zap.String("model", req.ChargePointModel))

	interval := h.registerBoot(ctx, sess, req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion, req.ChargePointSerialNumber)

	status := RegistrationAccepted
	if interval == 0 {
		status = RegistrationPending
		interval = 60
	}
	sess.SetBootStatus(status)

	return BootNotificationResponse{
		Status:      status,
		CurrentTime: h.now().UTC().Format(time.RFC3339),
		Interval:    interval,
	}, nil
}

// registerBoot records station identity from the boot payload. Unknown
// stations keep the default interval; the registration stays Pending until
// the station is provisioned.
func (h *Handlers) registerBoot(ctx context.Context, sess *gateway.Session, vendor, model, firmware, serial string) int {
	station, err := h.stations.GetByStationID(ctx, sess.StationID)
	if err != nil {
		h.log.Warn("looking up station on boot", zap.String("station_id", sess.StationID), zap.Error(err))
		return 0
	}
	if station == nil {
		h.log.Warn("boot from unprovisioned station", zap.String("station_id", sess.StationID))
		return 0
	}

	station.Vendor = vendor
	station.Model = model
	station.FirmwareVersion = firmware
	station.SerialNumber = serial
	now := h.now()
	station.LastBootAt = &now
	station.Connected = true
	if err := h.stations.Update(ctx, station); err != nil {
		h.log.Warn("updating station on boot", zap.String("station_id", sess.StationID), zap.Error(err))
	}
	return station.HeartbeatInterval
}

func (h *Handlers) Heartbeat(_ context.Context, _ *gateway.Session, _ json.RawMessage) (interface{}, *wire.Error) {
	return HeartbeatResponse{CurrentTime: h.now().UTC().Format(time.RFC3339)}, nil
}

func (h *Handlers) Authorize(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req AuthorizeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid Authorize payload")
	}
	if req.IdTag == "" {
		return nil, wire.NewError(wire.CodePropertyConstraintViolation, "idTag is required")
	}

	result, err := h.charging.Authorize(ctx, req.IdTag)
	if err != nil {
		h.log.Error("authorize failed", zap.String("station_id", sess.StationID), zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "authorization failed")
	}
	return AuthorizeResponse{IdTagInfo: toIdTagInfo(result)}, nil
}

func (h *Handlers) StartTransaction(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req StartTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid StartTransaction payload")
	}
	if req.ConnectorId < 1 || req.IdTag == "" {
		return nil, wire.NewError(wire.CodePropertyConstraintViolation, "connectorId and idTag are required")
	}

	session, auth, err := h.charging.StartTransaction(ctx, ports.StartRequest{
		StationID:   sess.StationID,
		ConnectorID: req.ConnectorId,
		IdTag:       req.IdTag,
		MeterStart:  decimal.NewFromInt(int64(req.MeterStart)),
		Timestamp:   parseTimestamp(req.Timestamp, h.now()),
	})
	if err != nil {
		h.log.Error("start transaction failed",
			zap.String("station_id", sess.StationID),
			zap.Int("connector_id", req.ConnectorId),
			zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "failed to start transaction")
	}

	resp := StartTransactionResponse{IdTagInfo: toIdTagInfo(auth)}
	if session != nil && session.TransactionID != nil {
		resp.TransactionId = *session.TransactionID
	}
	return resp, nil
}

func (h *Handlers) MeterValues(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req MeterValuesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid MeterValues payload")
	}

	txID := 0
	if req.TransactionId != nil {
		txID = *req.TransactionId
	}
	samples := flattenSamples(req.MeterValue, h.now())
	if err := h.charging.RecordMeterValues(ctx, txID, req.ConnectorId, sess.StationID, samples); err != nil {
		// Meter values are best effort; a failed write must not break
		// the station's sampling loop.
		h.log.Warn("recording meter values",
			zap.String("station_id", sess.StationID),
			zap.Int("transaction_id", txID),
			zap.Error(err))
	}
	return MeterValuesResponse{}, nil
}

func (h *Handlers) StatusNotification(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req StatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid StatusNotification payload")
	}

	at := parseTimestamp(req.Timestamp, h.now())
	if err := h.charging.UpdateConnectorStatus(ctx, sess.StationID, req.ConnectorId, req.Status, req.ErrorCode, at); err != nil {
		h.log.Warn("applying status notification",
			zap.String("station_id", sess.StationID),
			zap.Int("connector_id", req.ConnectorId),
			zap.String("status", req.Status),
			zap.Error(err))
	}
	return StatusNotificationResponse{}, nil
}

func (h *Handlers) StopTransaction(ctx context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req StopTransactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid StopTransaction payload")
	}

	_, auth, err := h.charging.StopTransaction(ctx, ports.StopRequest{
		TransactionID: req.TransactionId,
		IdTag:         req.IdTag,
		MeterStop:     decimal.NewFromInt(int64(req.MeterStop)),
		Timestamp:     parseTimestamp(req.Timestamp, h.now()),
		Reason:        req.Reason,
		FinalSamples:  flattenSamples(req.TransactionData, h.now()),
	})
	if err != nil {
		h.log.Error("stop transaction failed",
			zap.String("station_id", sess.StationID),
			zap.Int("transaction_id", req.TransactionId),
			zap.Error(err))
		return nil, wire.NewError(wire.CodeInternalError, "failed to stop transaction")
	}

	resp := StopTransactionResponse{}
	if auth != nil {
		info := toIdTagInfo(auth)
		resp.IdTagInfo = &info
	}
	return resp, nil
}

func (h *Handlers) DataTransfer(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req DataTransferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid DataTransfer payload")
	}
	h.log.Debug("data transfer",
		zap.String("station_id", sess.StationID),
		zap.String("vendor_id", req.VendorId),
		zap.String("message_id", req.MessageId))
	return DataTransferResponse{Status: "UnknownVendorId"}, nil
}

// Firmware and diagnostics upload progress is acknowledged and logged
// only; the CSMS does not drive firmware campaigns.

func (h *Handlers) FirmwareStatusNotification(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req FirmwareStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid FirmwareStatusNotification payload")
	}
	h.log.Info("firmware status",
		zap.String("station_id", sess.StationID),
		zap.String("status", req.Status))
	return FirmwareStatusNotificationResponse{}, nil
}

func (h *Handlers) DiagnosticsStatusNotification(_ context.Context, sess *gateway.Session, payload json.RawMessage) (interface{}, *wire.Error) {
	var req DiagnosticsStatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, wire.NewError(wire.CodeFormationViolation, "invalid DiagnosticsStatusNotification payload")
	}
	h.log.Info("diagnostics status",
		zap.String("station_id", sess.StationID),
		zap.String("status", req.Status))
	return DiagnosticsStatusNotificationResponse{}, nil
}

func toIdTagInfo(r *ports.AuthorizationResult) IdTagInfo {
	if r == nil {
		return IdTagInfo{Status: AuthInvalid}
	}
	info := IdTagInfo{Status: r.Status, ParentIdTag: r.ParentIdTag}
	if r.ExpiryDate != nil {
		info.ExpiryDate = r.ExpiryDate.UTC().Format(time.RFC3339)
	}
	return info
}

// flattenSamples lifts the nested meterValue/sampledValue wire structure
// into flat, decimal-valued samples.
func flattenSamples(values []MeterValue, fallback time.Time) []ports.MeterSample {
	var out []ports.MeterSample
	for _, mv := range values {
		ts := parseTimestamp(mv.Timestamp, fallback)
		for _, sv := range mv.SampledValue {
			v, err := decimal.NewFromString(sv.Value)
			if err != nil {
				continue
			}
			out = append(out, ports.MeterSample{
				Timestamp: ts,
				Value:     v,
				Measurand: sv.Measurand,
				Context:   sv.Context,
				Unit:      sv.Unit,
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
