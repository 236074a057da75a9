// Package tariff prices finished charging sessions. The engine itself is
// pure; the service wraps it with tariff selection and persistence.
package tariff

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltgrid/csms/internal/domain"
)

// Intermediate arithmetic runs at four decimal places; only the final
// amounts are rounded to cents.
const (
	workScale  int32 = 4
	finalScale int32 = 2
)

var sixty = decimal.NewFromInt(60)

// Engine computes session costs from a tariff. All rounding is half-up.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Usage is the consumption a session is billed on.
type Usage struct {
	EnergyKwh       decimal.Decimal
	DurationMinutes int64
	MaxPowerKw      float64
	At              time.Time
}

// Price computes the breakdown of a session under the given tariff.
func (e *Engine) Price(t *domain.Tariff, u Usage) domain.CostBreakdown {
	energy := u.EnergyKwh
	if energy.IsNegative() {
		energy = decimal.Zero
	}
	minutes := e.billableMinutes(t, u.DurationMinutes)

	perKwh := e.energyPrice(t, u.MaxPowerKw)
	perMin := e.minutePrice(t)

	energyCost := energy.Mul(perKwh).Round(workScale)
	timeCost := minutes.Mul(perMin).Round(workScale)

	serviceFee := valueOrZero(t.ServiceFee)
	connectionFee := valueOrZero(t.ConnectionFee)

	subtotal := energyCost.Add(timeCost).Add(serviceFee).Add(connectionFee)
	subtotal = e.roundToIncrement(t, subtotal)
	subtotal = e.clamp(t, subtotal)

	tax := decimal.Zero
	if t.TaxRate != nil && !t.TaxIncluded {
		tax = subtotal.Mul(*t.TaxRate).Round(workScale)
	}

	return domain.CostBreakdown{
		Currency:      t.Currency,
		EnergyCost:    energyCost.Round(finalScale),
		TimeCost:      timeCost.Round(finalScale),
		ServiceFee:    serviceFee.Round(finalScale),
		ConnectionFee: connectionFee.Round(finalScale),
		Subtotal:      subtotal.Round(finalScale),
		Tax:           tax.Round(finalScale),
		Total:         subtotal.Add(tax).Round(finalScale),
		TariffID:      t.ID,
		Snapshot: domain.PricingSnapshot{
			Currency:       t.Currency,
			PricePerKwh:    perKwh,
			PricePerMinute: perMin,
		},
	}
}

// roundToIncrement rounds the accumulated cost up to the next multiple of
// the tariff's kWh billing increment.
func (e *Engine) roundToIncrement(t *domain.Tariff, cost decimal.Decimal) decimal.Decimal {
	inc := t.BillingIncrementKwh
	if inc == nil || inc.IsZero() || !cost.IsPositive() {
		return cost
	}
	return cost.Div(*inc).Ceil().Mul(*inc)
}

// billableMinutes converts the session duration to billable minutes,
// rounding up to the billing increment in seconds when configured.
func (e *Engine) billableMinutes(t *domain.Tariff, durationMin int64) decimal.Decimal {
	if durationMin < 0 {
		return decimal.Zero
	}
	minutes := decimal.NewFromInt(durationMin)
	inc := t.BillingIncrementSec
	if inc == nil || *inc <= 0 {
		return minutes
	}
	incDec := decimal.NewFromInt(int64(*inc))
	seconds := minutes.Mul(sixty)
	steps := seconds.Div(incDec).Ceil()
	return steps.Mul(incDec).Div(sixty)
}

// energyPrice selects the per-kWh rate. Power-banded rates take precedence
// over the scalar: below 22 kW slow, below 50 kW fast, at or above rapid.
// A session with no recorded peak power cannot be banded and falls back
// to the scalar rate.
func (e *Engine) energyPrice(t *domain.Tariff, maxPowerKw float64) decimal.Decimal {
	banded := t.PricePerKwSlow != nil || t.PricePerKwFast != nil || t.PricePerKwRapid != nil
	if banded && maxPowerKw > 0 {
		switch {
		case maxPowerKw < domain.PowerBandSlowMaxKw:
			if t.PricePerKwSlow != nil {
				return *t.PricePerKwSlow
			}
		case maxPowerKw < domain.PowerBandFastMaxKw:
			if t.PricePerKwFast != nil {
				return *t.PricePerKwFast
			}
		default:
			if t.PricePerKwRapid != nil {
				return *t.PricePerKwRapid
			}
		}
	}
	return valueOrZero(t.PricePerKwh)
}

// minutePrice selects the per-minute rate. The hourly rate wins when both
// are configured; the per-minute rate is the fallback.
func (e *Engine) minutePrice(t *domain.Tariff) decimal.Decimal {
	if t.PricePerHour != nil {
		return t.PricePerHour.Div(sixty).Round(workScale)
	}
	if t.PricePerMinute != nil {
		return *t.PricePerMinute
	}
	return decimal.Zero
}

func (e *Engine) clamp(t *domain.Tariff, amount decimal.Decimal) decimal.Decimal {
	if t.MinChargeAmount != nil && amount.LessThan(*t.MinChargeAmount) {
		return *t.MinChargeAmount
	}
	if t.MaxChargeAmount != nil && amount.GreaterThan(*t.MaxChargeAmount) {
		return *t.MaxChargeAmount
	}
	return amount
}

func valueOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
