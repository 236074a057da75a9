package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionPending       SessionStatus = "PENDING"
	SessionAuthorizing   SessionStatus = "AUTHORIZING"
	SessionAuthorized    SessionStatus = "AUTHORIZED"
	SessionStarting      SessionStatus = "STARTING"
	SessionCharging      SessionStatus = "CHARGING"
	SessionSuspendedEV   SessionStatus = "SUSPENDED_EV"
	SessionSuspendedEVSE SessionStatus = "SUSPENDED_EVSE"
	SessionFinishing     SessionStatus = "FINISHING"
	SessionCompleted     SessionStatus = "COMPLETED"
	SessionFailed        SessionStatus = "FAILED"
	SessionCancelled     SessionStatus = "CANCELLED"
)

// allowedTransitions is the guarded transition table of the charging
// session lifecycle. Any transition not listed is a programming error.
var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:       {SessionAuthorizing, SessionFailed, SessionCancelled},
	SessionAuthorizing:   {SessionAuthorized, SessionFailed, SessionCancelled},
	SessionAuthorized:    {SessionStarting, SessionFailed, SessionCancelled},
	SessionStarting:      {SessionCharging, SessionFailed, SessionCancelled},
	SessionCharging:      {SessionSuspendedEV, SessionSuspendedEVSE, SessionFinishing, SessionCompleted, SessionFailed, SessionCancelled},
	SessionSuspendedEV:   {SessionCharging, SessionFinishing, SessionCompleted, SessionFailed},
	SessionSuspendedEVSE: {SessionCharging, SessionFinishing, SessionCompleted, SessionFailed},
	SessionFinishing:     {SessionCompleted, SessionFailed},
}

// CanTransition reports whether from → to is an allowed lifecycle step.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsActive reports whether a session in this status occupies its connector.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionStarting, SessionCharging, SessionSuspendedEV, SessionSuspendedEVSE:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

type StopReason string

const (
	StopReasonLocal          StopReason = "LOCAL"
	StopReasonRemote         StopReason = "REMOTE"
	StopReasonEVDisconnected StopReason = "EV_DISCONNECTED"
	StopReasonDeAuthorized   StopReason = "DE_AUTHORIZED"
	StopReasonEmergencyStop  StopReason = "EMERGENCY_STOP"
	StopReasonHardReset      StopReason = "HARD_RESET"
	StopReasonSoftReset      StopReason = "SOFT_RESET"
	StopReasonPowerLoss      StopReason = "POWER_LOSS"
	StopReasonReboot         StopReason = "REBOOT"
	StopReasonUnlockCommand  StopReason = "UNLOCK_COMMAND"
	StopReasonTimeout        StopReason = "TIMEOUT"
	StopReasonOther          StopReason = "OTHER"
)

// ParseStopReason maps an OCPP reason string to the internal enum.
// 1.6 reason strings map directly; 2.0.1 strings are matched
// case-insensitively. Unknown reasons collapse to OTHER.
func ParseStopReason(raw string) StopReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local":
		return StopReasonLocal
	case "remote", "remotestop":
		return StopReasonRemote
	case "evdisconnected":
		return StopReasonEVDisconnected
	case "deauthorized":
		return StopReasonDeAuthorized
	case "emergencystop":
		return StopReasonEmergencyStop
	case "hardreset":
		return StopReasonHardReset
	case "softreset":
		return StopReasonSoftReset
	case "powerloss":
		return StopReasonPowerLoss
	case "reboot":
		return StopReasonReboot
	case "unlockcommand":
		return StopReasonUnlockCommand
	case "timeout", "sessiontimeout":
		return StopReasonTimeout
	default:
		return StopReasonOther
	}
}

// PricingSnapshot freezes the tariff scalars applied to a session so the
// computed cost survives later tariff edits.
type PricingSnapshot struct {
	Currency       string          `json:"currency" gorm:"size:3"`
	PricePerKwh    decimal.Decimal `json:"price_per_kwh" gorm:"type:numeric(10,4)"`
	PricePerMinute decimal.Decimal `json:"price_per_minute" gorm:"type:numeric(10,4)"`
}

// ChargingSession is one transaction lifecycle on one connector,
// tenant-scoped and globally addressable by SessionUUID.
type ChargingSession struct {
	SessionUUID string      `json:"session_uuid" gorm:"primaryKey;size:36"`
	Audit       AuditRecord `json:"audit" gorm:"embedded"`

	StationID     string        `json:"station_id" gorm:"size:100;not null;index"`
	ConnectorUID  string        `json:"connector_uid" gorm:"size:36"`
	ConnectorID   int           `json:"connector_id"`
	Status        SessionStatus `json:"status" gorm:"size:20;index"`
	OCPPVersion   OCPPVersion   `json:"ocpp_version" gorm:"size:10"`
	TransactionID *int          `json:"ocpp_transaction_id,omitempty" gorm:"column:ocpp_transaction_id;index:ix_tenant_txid"`
	// TransactionRef is the raw station-chosen transaction id on 2.0.1.
	TransactionRef string `json:"ocpp_transaction_ref,omitempty" gorm:"column:ocpp_transaction_ref;size:36"`
	IdTag          string `json:"ocpp_id_tag,omitempty" gorm:"column:ocpp_id_tag"`

	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	AuthorizationTime *time.Time `json:"authorization_time,omitempty"`

	MeterStart         *decimal.Decimal `json:"meter_start,omitempty" gorm:"type:numeric(15,3)"` // Wh
	MeterStop          *decimal.Decimal `json:"meter_stop,omitempty" gorm:"type:numeric(15,3)"`  // Wh
	EnergyDeliveredKwh decimal.Decimal  `json:"energy_delivered_kwh" gorm:"type:numeric(15,3)"`
	DurationMinutes    int64            `json:"duration_minutes"`
	MaxPowerKw         float64          `json:"max_power_kw"`
	AveragePowerKw     float64          `json:"average_power_kw"`
	StopReason         StopReason       `json:"stop_reason,omitempty" gorm:"size:20"`

	TariffID    string           `json:"tariff_id,omitempty" gorm:"size:36"`
	Pricing     *PricingSnapshot `json:"pricing,omitempty" gorm:"serializer:json"`
	EnergyCost  decimal.Decimal  `json:"energy_cost" gorm:"type:numeric(12,2)"`
	TimeCost    decimal.Decimal  `json:"time_cost" gorm:"type:numeric(12,2)"`
	ServiceFee  decimal.Decimal  `json:"service_fee" gorm:"type:numeric(12,2)"`
	SessionCost decimal.Decimal  `json:"session_cost" gorm:"type:numeric(12,2)"`
	TotalCost   decimal.Decimal  `json:"total_cost" gorm:"type:numeric(12,2)"`

	VehicleID     string `json:"vehicle_id,omitempty"`
	ReservationID *int   `json:"reservation_id,omitempty"`
	RoamingID     string `json:"roaming_id,omitempty"`

	MeterValues   []MeterValue    `json:"meter_values,omitempty" gorm:"foreignKey:SessionUUID"`
	StatusHistory []StatusChange  `json:"status_history,omitempty" gorm:"foreignKey:SessionUUID"`
}

func (ChargingSession) TableName() string { return "charging_sessions" }

// Transition moves the session to the target status, appending a status
// history entry. A disallowed transition returns ErrInvalidSessionState
// and leaves the session unchanged.
func (s *ChargingSession) Transition(to SessionStatus, reason string, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSessionState, s.Status, to)
	}
	s.StatusHistory = append(s.StatusHistory, StatusChange{
		SessionUUID: s.SessionUUID,
		FromStatus:  s.Status,
		ToStatus:    to,
		Timestamp:   at,
		Reason:      reason,
	})
	s.Status = to
	return nil
}

// BindTransactionID sets the OCPP transaction id exactly once.
func (s *ChargingSession) BindTransactionID(id int) error {
	if s.TransactionID != nil {
		if *s.TransactionID == id {
			return nil
		}
		return fmt.Errorf("%w: transaction id already bound to %d", ErrValidation, *s.TransactionID)
	}
	s.TransactionID = &id
	return nil
}

type Measurand string

const (
	MeasurandEnergyImport Measurand = "Energy.Active.Import.Register"
	MeasurandEnergyExport Measurand = "Energy.Active.Export.Register"
	MeasurandPowerImport  Measurand = "Power.Active.Import"
	MeasurandPowerExport  Measurand = "Power.Active.Export"
	MeasurandCurrent      Measurand = "Current.Import"
	MeasurandCurrentExp   Measurand = "Current.Export"
	MeasurandVoltage      Measurand = "Voltage"
	MeasurandSoC          Measurand = "SoC"
	MeasurandTemperature  Measurand = "Temperature"
	MeasurandFrequency    Measurand = "Frequency"
)

type ReadingContext string

const (
	ContextSamplePeriodic   ReadingContext = "Sample.Periodic"
	ContextSampleClock      ReadingContext = "Sample.Clock"
	ContextTransactionBegin ReadingContext = "Transaction.Begin"
	ContextTransactionEnd   ReadingContext = "Transaction.End"
	ContextTrigger          ReadingContext = "Trigger"
)

// MeterValue is one sampled measurement taken during a session. Raw value
// and unit are stored verbatim; the typed projections are derived once at
// ingest per the measurand conversion table.
type MeterValue struct {
	ID          uint            `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionUUID string          `json:"session_uuid" gorm:"size:36;index;not null"`
	TenantID    string          `json:"tenant_id" gorm:"size:50;index"`
	Timestamp   time.Time       `json:"timestamp" gorm:"index"`
	Measurand   Measurand       `json:"measurand" gorm:"size:50"`
	RawValue    string          `json:"raw_value"`
	Unit        string          `json:"unit,omitempty"`
	Context     ReadingContext  `json:"context,omitempty" gorm:"size:30"`
	Location    string          `json:"location,omitempty"`
	Phase       string          `json:"phase,omitempty"`

	EnergyKwh    *float64 `json:"energy_kwh,omitempty"`
	PowerKw      *float64 `json:"power_kw,omitempty"`
	CurrentA     *float64 `json:"current_a,omitempty"`
	VoltageV     *float64 `json:"voltage_v,omitempty"`
	SocPercent   *float64 `json:"soc_percent,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

func (MeterValue) TableName() string { return "meter_values" }

// Project fills the typed projection field for the measurand. Energy is
// reported in Wh and power in W unless the unit already says otherwise.
func (m *MeterValue) Project(value float64) {
	switch m.Measurand {
	case MeasurandEnergyImport, MeasurandEnergyExport:
		v := value
		if !strings.EqualFold(m.Unit, "kWh") {
			v = value / 1000
		}
		m.EnergyKwh = &v
	case MeasurandPowerImport, MeasurandPowerExport:
		v := value
		if !strings.EqualFold(m.Unit, "kW") {
			v = value / 1000
		}
		m.PowerKw = &v
	case MeasurandCurrent, MeasurandCurrentExp:
		v := value
		m.CurrentA = &v
	case MeasurandVoltage:
		v := value
		m.VoltageV = &v
	case MeasurandSoC:
		v := value
		m.SocPercent = &v
	case MeasurandTemperature:
		v := value
		m.TemperatureC = &v
	}
	// Frequency is stored raw only.
}

// StatusChange is one entry of a session's append-only status history.
type StatusChange struct {
	ID          uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionUUID string        `json:"session_uuid" gorm:"size:36;index;not null"`
	TenantID    string        `json:"tenant_id" gorm:"size:50;index"`
	FromStatus  SessionStatus `json:"from_status" gorm:"size:20"`
	ToStatus    SessionStatus `json:"to_status" gorm:"size:20"`
	Timestamp   time.Time     `json:"timestamp"`
	Reason      string        `json:"reason,omitempty"`
}

func (StatusChange) TableName() string { return "session_status_history" }
