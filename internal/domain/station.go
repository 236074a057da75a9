package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

type OCPPVersion string

const (
	OCPPVersion15  OCPPVersion = "1.5"
	OCPPVersion16  OCPPVersion = "1.6"
	OCPPVersion20  OCPPVersion = "2.0"
	OCPPVersion201 OCPPVersion = "2.0.1"
)

// Defaults and bounds for station timing attributes (seconds).
const (
	DefaultHeartbeatInterval  = 300
	MinHeartbeatInterval      = 30
	MaxHeartbeatInterval      = 3600
	DefaultMeterInterval      = 60
	MinMeterInterval          = 5
	MaxMeterInterval          = 3600
	DefaultConnectionTimeout  = 60
	MinConnectionTimeout      = 10
	MaxConnectionTimeout      = 600
	MaxConnectorsPerStation   = 50
	MaxStationIdentifierChars = 100
)

var stationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateStationID checks the operator-assigned station identifier.
func ValidateStationID(id string) error {
	if id == "" || len(id) > MaxStationIdentifierChars {
		return fmt.Errorf("%w: station id must be 1-%d characters", ErrValidation, MaxStationIdentifierChars)
	}
	if !stationIDPattern.MatchString(id) {
		return fmt.Errorf("%w: station id may contain only letters, digits, '_' and '-'", ErrValidation)
	}
	return nil
}

// StationStatistics accumulates per-station lifetime totals.
type StationStatistics struct {
	TotalEnergyKwh decimal.Decimal `json:"total_energy_kwh" gorm:"type:numeric(15,3)"`
	TotalSessions  int64           `json:"total_sessions"`
	TotalRevenue   decimal.Decimal `json:"total_revenue" gorm:"type:numeric(15,2)"`
}

// ChargingStation is keyed by (StationID, TenantID). StationID is the
// operator-assigned identifier presented on the OCPP handshake path.
type ChargingStation struct {
	ID                string            `json:"id" gorm:"primaryKey;size:36"`
	StationID         string            `json:"station_id" gorm:"size:100;not null;uniqueIndex:ux_station_tenant,priority:1"`
	Audit             AuditRecord       `json:"audit" gorm:"embedded"`
	Vendor            string            `json:"vendor"`
	Model             string            `json:"model"`
	SerialNumber      string            `json:"serial_number,omitempty"`
	FirmwareVersion   string            `json:"firmware_version,omitempty"`
	OCPPVersion       OCPPVersion       `json:"ocpp_version" gorm:"size:10"`
	HeartbeatInterval int               `json:"heartbeat_interval"`
	MeterInterval     int               `json:"meter_interval"`
	ConnectionTimeout int               `json:"connection_timeout"`
	Latitude          *float64          `json:"latitude,omitempty"`
	Longitude         *float64          `json:"longitude,omitempty"`
	Active            bool              `json:"active"`
	Maintenance       bool              `json:"maintenance"`
	MaintenanceReason string            `json:"maintenance_reason,omitempty"`
	// TariffID assigns a station-specific tariff; blank falls back to the
	// tenant default at pricing time.
	TariffID   string            `json:"tariff_id,omitempty" gorm:"size:36;index"`
	Metadata   map[string]string `json:"metadata,omitempty" gorm:"serializer:json"`
	Statistics StationStatistics `json:"statistics" gorm:"embedded;embeddedPrefix:stat_"`

	// Runtime attributes, not part of the persisted identity.
	Connected       bool       `json:"connected"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	LastBootAt      *time.Time `json:"last_boot_at,omitempty"`

	Connectors []Connector `json:"connectors,omitempty" gorm:"foreignKey:ChargingStationID"`
}

func (ChargingStation) TableName() string { return "charging_stations" }

// Online reports whether the station is currently reachable: connected and
// heard from within heartbeat interval plus connection timeout.
func (s *ChargingStation) Online(now time.Time) bool {
	if !s.Connected || s.LastHeartbeatAt == nil {
		return false
	}
	grace := time.Duration(s.HeartbeatInterval+s.ConnectionTimeout) * time.Second
	return now.Before(s.LastHeartbeatAt.Add(grace))
}

// Validate checks attribute ranges, applying defaults for zero values.
func (s *ChargingStation) Validate() error {
	if err := ValidateStationID(s.StationID); err != nil {
		return err
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.MeterInterval == 0 {
		s.MeterInterval = DefaultMeterInterval
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = DefaultConnectionTimeout
	}
	if s.HeartbeatInterval < MinHeartbeatInterval || s.HeartbeatInterval > MaxHeartbeatInterval {
		return fmt.Errorf("%w: heartbeat interval out of range [%d,%d]", ErrValidation, MinHeartbeatInterval, MaxHeartbeatInterval)
	}
	if s.MeterInterval < MinMeterInterval || s.MeterInterval > MaxMeterInterval {
		return fmt.Errorf("%w: meter interval out of range [%d,%d]", ErrValidation, MinMeterInterval, MaxMeterInterval)
	}
	if s.ConnectionTimeout < MinConnectionTimeout || s.ConnectionTimeout > MaxConnectionTimeout {
		return fmt.Errorf("%w: connection timeout out of range [%d,%d]", ErrValidation, MinConnectionTimeout, MaxConnectionTimeout)
	}
	if s.Latitude != nil && (*s.Latitude < -90 || *s.Latitude > 90) {
		return fmt.Errorf("%w: latitude out of range", ErrValidation)
	}
	if s.Longitude != nil && (*s.Longitude < -180 || *s.Longitude > 180) {
		return fmt.Errorf("%w: longitude out of range", ErrValidation)
	}
	return nil
}

type ConnectorStatus string

const (
	ConnectorAvailable   ConnectorStatus = "AVAILABLE"
	ConnectorOccupied    ConnectorStatus = "OCCUPIED"
	ConnectorReserved    ConnectorStatus = "RESERVED"
	ConnectorUnavailable ConnectorStatus = "UNAVAILABLE"
	ConnectorFaulted     ConnectorStatus = "FAULTED"
)

type ConnectorFormat string

const (
	FormatSocket ConnectorFormat = "SOCKET"
	FormatCable  ConnectorFormat = "CABLE"
)

type PowerType string

const (
	PowerAC1Phase PowerType = "AC_1_PHASE"
	PowerAC3Phase PowerType = "AC_3_PHASE"
	PowerDC       PowerType = "DC"
)

// Connector is one physical outlet on a station, keyed by
// (ChargingStationID, ConnectorID) with ConnectorID in [1,50].
type Connector struct {
	ID                string          `json:"id" gorm:"primaryKey;size:36"`
	ChargingStationID string          `json:"charging_station_id" gorm:"size:36;not null;uniqueIndex:ux_connector,priority:1"`
	ConnectorID       int             `json:"connector_id" gorm:"not null;uniqueIndex:ux_connector,priority:2"`
	Audit             AuditRecord     `json:"audit" gorm:"embedded"`
	Status            ConnectorStatus `json:"status" gorm:"size:20"`
	ErrorCode         string          `json:"error_code,omitempty"`
	Type              string          `json:"type,omitempty"`
	Standard          string          `json:"standard,omitempty"` // IEC 62196 T1/T2, CHAdeMO, CCS, ...
	Format            ConnectorFormat `json:"format,omitempty" gorm:"size:10"`
	PowerType         PowerType       `json:"power_type,omitempty" gorm:"size:15"`
	MaxVoltage        int             `json:"max_voltage,omitempty"`
	MaxAmperage       int             `json:"max_amperage,omitempty"`
	MaxPowerKw        float64         `json:"max_power_kw,omitempty"`
	Maintenance       bool            `json:"maintenance"`

	// Runtime charging state.
	CurrentTransactionID *int       `json:"current_transaction_id,omitempty"`
	CurrentIdTag         string     `json:"current_id_tag,omitempty"`
	CurrentPowerKw       float64    `json:"current_power_kw"`
	CurrentEnergyKwh     float64    `json:"current_energy_kwh"`
	SessionStart         *time.Time `json:"session_start,omitempty"`

	// Reservation state; an expired reservation is treated as AVAILABLE
	// on the next transition.
	ReservationID        *int       `json:"reservation_id,omitempty"`
	ReservationIdTag     string     `json:"reservation_id_tag,omitempty"`
	ReservationExpiresAt *time.Time `json:"reservation_expires_at,omitempty"`
}

func (Connector) TableName() string { return "connectors" }

// Validate checks connector technical limits.
func (c *Connector) Validate() error {
	if c.ConnectorID < 1 || c.ConnectorID > MaxConnectorsPerStation {
		return fmt.Errorf("%w: connector id out of range [1,%d]", ErrValidation, MaxConnectorsPerStation)
	}
	if c.MaxVoltage < 0 || c.MaxVoltage > 1000 {
		return fmt.Errorf("%w: max voltage out of range", ErrValidation)
	}
	if c.MaxAmperage < 0 || c.MaxAmperage > 1000 {
		return fmt.Errorf("%w: max amperage out of range", ErrValidation)
	}
	if c.MaxPowerKw < 0 || c.MaxPowerKw > 1000 {
		return fmt.Errorf("%w: max power out of range", ErrValidation)
	}
	return nil
}

// ReservationExpired reports whether the connector holds an expired reservation.
func (c *Connector) ReservationExpired(now time.Time) bool {
	return c.ReservationID != nil && c.ReservationExpiresAt != nil && now.After(*c.ReservationExpiresAt)
}

// Occupy binds an active transaction to the connector.
func (c *Connector) Occupy(transactionID int, idTag string, at time.Time) {
	c.CurrentTransactionID = &transactionID
	c.CurrentIdTag = idTag
	c.SessionStart = &at
	c.Status = ConnectorOccupied
}

// Release clears the transaction binding and returns the connector to AVAILABLE.
func (c *Connector) Release() {
	c.CurrentTransactionID = nil
	c.CurrentIdTag = ""
	c.CurrentPowerKw = 0
	c.CurrentEnergyKwh = 0
	c.SessionStart = nil
	c.Status = ConnectorAvailable
}
