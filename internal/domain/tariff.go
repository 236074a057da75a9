package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TariffType string

const (
	TariffSimple    TariffType = "SIMPLE"
	TariffTimeBased TariffType = "TIME_BASED"
	TariffTiered    TariffType = "TIERED"
	TariffDynamic   TariffType = "DYNAMIC"
)

type PriceComponent string

const (
	ComponentEnergy      PriceComponent = "ENERGY"
	ComponentTime        PriceComponent = "TIME"
	ComponentFlat        PriceComponent = "FLAT"
	ComponentParkingTime PriceComponent = "PARKING_TIME"
	ComponentReservation PriceComponent = "RESERVATION"
	ComponentTransaction PriceComponent = "TRANSACTION"
)

// Power bands for banded energy pricing (kW thresholds).
const (
	PowerBandSlowMaxKw = 22.0
	PowerBandFastMaxKw = 50.0
)

// Tariff is a tenant-scoped pricing rule set evaluated at session stop.
type Tariff struct {
	ID    string      `json:"id" gorm:"primaryKey;size:36"`
	Audit AuditRecord `json:"audit" gorm:"embedded"`

	Code     string     `json:"code" gorm:"size:50;not null"`
	Name     string     `json:"name"`
	Type     TariffType `json:"type" gorm:"size:20"`
	Currency string     `json:"currency" gorm:"size:3"`

	PricePerKwh    *decimal.Decimal `json:"price_per_kwh,omitempty" gorm:"type:numeric(10,4)"`
	PricePerMinute *decimal.Decimal `json:"price_per_minute,omitempty" gorm:"type:numeric(10,4)"`
	PricePerHour   *decimal.Decimal `json:"price_per_hour,omitempty" gorm:"type:numeric(10,4)"`
	ServiceFee     *decimal.Decimal `json:"service_fee,omitempty" gorm:"type:numeric(10,2)"`
	ConnectionFee  *decimal.Decimal `json:"connection_fee,omitempty" gorm:"type:numeric(10,2)"`

	// Power-banded prices: slow <22 kW, fast 22-50 kW, rapid >=50 kW.
	PricePerKwSlow  *decimal.Decimal `json:"price_per_kw_slow,omitempty" gorm:"type:numeric(10,4)"`
	PricePerKwFast  *decimal.Decimal `json:"price_per_kw_fast,omitempty" gorm:"type:numeric(10,4)"`
	PricePerKwRapid *decimal.Decimal `json:"price_per_kw_rapid,omitempty" gorm:"type:numeric(10,4)"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty" gorm:"serializer:json"`
	StartTime  string         `json:"start_time,omitempty"` // "HH:MM"
	EndTime    string         `json:"end_time,omitempty"`

	MinChargeAmount  *decimal.Decimal `json:"min_charge_amount,omitempty" gorm:"type:numeric(10,2)"`
	MaxChargeAmount  *decimal.Decimal `json:"max_charge_amount,omitempty" gorm:"type:numeric(10,2)"`
	MinDurationMin   *int             `json:"min_duration_min,omitempty"`
	MaxDurationMin   *int             `json:"max_duration_min,omitempty"`

	BillingIncrementSec *int             `json:"billing_increment_sec,omitempty"`
	BillingIncrementKwh *decimal.Decimal `json:"billing_increment_kwh,omitempty" gorm:"type:numeric(10,4)"`

	TaxRate     *decimal.Decimal `json:"tax_rate,omitempty" gorm:"type:numeric(6,4)"`
	TaxIncluded bool             `json:"tax_included"`

	IsDefault bool `json:"is_default"`
	IsPublic  bool `json:"is_public"`
	Active    bool `json:"active"`

	Elements []TariffElement `json:"elements,omitempty" gorm:"foreignKey:TariffID"`
}

func (Tariff) TableName() string { return "tariffs" }

// CurrentlyValid reports whether the tariff may be applied at the instant.
func (t *Tariff) CurrentlyValid(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.ValidFrom != nil && now.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidUntil != nil && now.After(*t.ValidUntil) {
		return false
	}
	return true
}

// CostBreakdown is the priced outcome of a finished session.
type CostBreakdown struct {
	Currency      string          `json:"currency"`
	EnergyCost    decimal.Decimal `json:"energy_cost"`
	TimeCost      decimal.Decimal `json:"time_cost"`
	ServiceFee    decimal.Decimal `json:"service_fee"`
	ConnectionFee decimal.Decimal `json:"connection_fee"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	TariffID      string          `json:"tariff_id,omitempty"`
	Snapshot      PricingSnapshot `json:"snapshot"`
}

// TariffElement is one priced component of a tariff.
type TariffElement struct {
	ID       uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TariffID string         `json:"tariff_id" gorm:"size:36;index;not null"`
	TenantID string         `json:"tenant_id" gorm:"size:50;index"`

	Component PriceComponent   `json:"component" gorm:"size:20"`
	Price     decimal.Decimal  `json:"price" gorm:"type:numeric(10,4)"`
	StepSize  int              `json:"step_size"`
	MinBand   *decimal.Decimal `json:"min_band,omitempty" gorm:"type:numeric(10,3)"`
	MaxBand   *decimal.Decimal `json:"max_band,omitempty" gorm:"type:numeric(10,3)"`
	DayMask   []time.Weekday   `json:"day_mask,omitempty" gorm:"serializer:json"`
	StartTime string           `json:"start_time,omitempty"`
	EndTime   string           `json:"end_time,omitempty"`
}

func (TariffElement) TableName() string { return "tariff_elements" }

// DefaultTariff is the built-in fallback applied when neither the session
// nor the tenant names a tariff: 0.30/kWh + 0.02/min, no fees.
func DefaultTariff(currency string) *Tariff {
	if currency == "" {
		currency = "EUR"
	}
	perKwh := decimal.RequireFromString("0.30")
	perMin := decimal.RequireFromString("0.02")
	return &Tariff{
		Code:           "default",
		Name:           "Built-in default",
		Type:           TariffSimple,
		Currency:       currency,
		PricePerKwh:    &perKwh,
		PricePerMinute: &perMin,
		Active:         true,
	}
}
