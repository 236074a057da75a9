package tariff

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/voltgrid/csms/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func assertAmount(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s: expected %s, got %s", name, want, got.String())
	}
}

func TestPrice_DefaultTariff(t *testing.T) {
	e := NewEngine()
	tariff := domain.DefaultTariff("")

	// 12.5 kWh over 45 minutes: 12.5*0.30 + 45*0.02 = 3.75 + 0.90
	got := e.Price(tariff, Usage{
		EnergyKwh:       dec("12.5"),
		DurationMinutes: 45,
		MaxPowerKw:      11,
	})

	assertAmount(t, "energy", got.EnergyCost, "3.75")
	assertAmount(t, "time", got.TimeCost, "0.90")
	assertAmount(t, "total", got.Total, "4.65")
	if got.Currency != "EUR" {
		t.Errorf("expected EUR fallback currency, got %q", got.Currency)
	}
}

func TestPrice_FeesAndTax(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		ID:             "t1",
		Currency:       "EUR",
		PricePerKwh:    decPtr("0.40"),
		PricePerMinute: decPtr("0.05"),
		ServiceFee:     decPtr("0.50"),
		ConnectionFee:  decPtr("1.00"),
		TaxRate:        decPtr("0.19"),
	}

	// 20 kWh, 60 min: 8.00 + 3.00 + 0.50 + 1.00 = 12.50, tax 2.375 -> 2.38
	got := e.Price(tariff, Usage{EnergyKwh: dec("20"), DurationMinutes: 60, MaxPowerKw: 22})

	assertAmount(t, "subtotal", got.Subtotal, "12.50")
	assertAmount(t, "tax", got.Tax, "2.38")
	assertAmount(t, "total", got.Total, "14.88")
}

func TestPrice_TaxIncludedAddsNothing(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:    "EUR",
		PricePerKwh: decPtr("0.30"),
		TaxRate:     decPtr("0.19"),
		TaxIncluded: true,
	}

	got := e.Price(tariff, Usage{EnergyKwh: dec("10"), DurationMinutes: 30})

	assertAmount(t, "tax", got.Tax, "0.00")
	assertAmount(t, "total", got.Total, "3.00")
}

func TestPrice_PowerBands(t *testing.T) {
	tariff := &domain.Tariff{
		Currency:        "EUR",
		PricePerKwSlow:  decPtr("0.25"),
		PricePerKwFast:  decPtr("0.35"),
		PricePerKwRapid: decPtr("0.55"),
	}
	e := NewEngine()

	cases := []struct {
		name       string
		maxPowerKw float64
		want       string
	}{
		{"slow below 22 kW", 11, "2.50"},
		{"fast at 22 kW", 22, "3.50"},
		{"fast below 50 kW", 49.9, "3.50"},
		{"rapid at 50 kW", 50, "5.50"},
		{"rapid above 50 kW", 150, "5.50"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Price(tariff, Usage{EnergyKwh: dec("10"), MaxPowerKw: tc.maxPowerKw})
			assertAmount(t, "energy", got.EnergyCost, tc.want)
		})
	}
}

func TestPrice_HourlyRateDerivesMinutePrice(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:     "EUR",
		PricePerHour: decPtr("6.00"),
	}

	// 6.00/h = 0.10/min; 90 minutes -> 9.00
	got := e.Price(tariff, Usage{DurationMinutes: 90})

	assertAmount(t, "time", got.TimeCost, "9.00")
}

func TestPrice_HourlyRateWinsOverMinuteRate(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:       "EUR",
		PricePerHour:   decPtr("6.00"),
		PricePerMinute: decPtr("0.50"),
	}

	// 60 min * 6.00 / 60 = 6.00, not 60 * 0.50.
	got := e.Price(tariff, Usage{DurationMinutes: 60})

	assertAmount(t, "time", got.TimeCost, "6.00")
}

func TestPrice_BillingIncrements(t *testing.T) {
	e := NewEngine()
	incSec := 900 // 15 minutes
	tariff := &domain.Tariff{
		Currency:            "EUR",
		PricePerKwh:         decPtr("0.30"),
		PricePerMinute:      decPtr("0.10"),
		BillingIncrementSec: &incSec,
		BillingIncrementKwh: decPtr("1"),
	}

	// 7.2 kWh -> 2.16; 32 min bills as 45 min -> 4.50; the kWh increment
	// rounds the accumulated 6.66 up to 7.00.
	got := e.Price(tariff, Usage{EnergyKwh: dec("7.2"), DurationMinutes: 32})

	assertAmount(t, "energy", got.EnergyCost, "2.16")
	assertAmount(t, "time", got.TimeCost, "4.50")
	assertAmount(t, "total", got.Total, "7.00")
}

func TestPrice_BillingIncrementRoundsCostNotEnergy(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:            "EUR",
		PricePerKwh:         decPtr("0.30"),
		BillingIncrementKwh: decPtr("1"),
	}

	// 7.2 kWh * 0.30 = 2.16, rounded up to the next whole increment.
	got := e.Price(tariff, Usage{EnergyKwh: dec("7.2")})

	assertAmount(t, "energy", got.EnergyCost, "2.16")
	assertAmount(t, "total", got.Total, "3.00")
}

func TestPrice_BandsNeedKnownPower(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:        "EUR",
		PricePerKwh:     decPtr("0.30"),
		PricePerKwSlow:  decPtr("0.25"),
		PricePerKwFast:  decPtr("0.35"),
		PricePerKwRapid: decPtr("0.55"),
	}

	// No recorded peak power: the scalar rate applies, not the slow band.
	got := e.Price(tariff, Usage{EnergyKwh: dec("10"), MaxPowerKw: 0})

	assertAmount(t, "energy", got.EnergyCost, "3.00")
}

func TestPrice_MinMaxClamp(t *testing.T) {
	e := NewEngine()

	floor := &domain.Tariff{
		Currency:        "EUR",
		PricePerKwh:     decPtr("0.30"),
		MinChargeAmount: decPtr("2.00"),
	}
	got := e.Price(floor, Usage{EnergyKwh: dec("1")}) // 0.30 raw
	assertAmount(t, "min clamp", got.Total, "2.00")

	ceiling := &domain.Tariff{
		Currency:        "EUR",
		PricePerKwh:     decPtr("0.30"),
		MaxChargeAmount: decPtr("25.00"),
	}
	got = e.Price(ceiling, Usage{EnergyKwh: dec("200")}) // 60.00 raw
	assertAmount(t, "max clamp", got.Total, "25.00")
}

func TestPrice_HalfUpRounding(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		Currency:    "EUR",
		PricePerKwh: decPtr("0.333"),
	}

	// 1.25 kWh * 0.333 = 0.41625 -> 0.4163 at work scale -> 0.42 final
	got := e.Price(tariff, Usage{EnergyKwh: dec("1.25")})

	assertAmount(t, "energy", got.EnergyCost, "0.42")
}

func TestPrice_ZeroUsage(t *testing.T) {
	e := NewEngine()
	got := e.Price(domain.DefaultTariff("EUR"), Usage{})

	assertAmount(t, "total", got.Total, "0.00")
}

func TestPrice_NegativeEnergyTreatedAsZero(t *testing.T) {
	e := NewEngine()
	got := e.Price(domain.DefaultTariff("EUR"), Usage{EnergyKwh: dec("-5"), DurationMinutes: 10})

	assertAmount(t, "energy", got.EnergyCost, "0.00")
	assertAmount(t, "time", got.TimeCost, "0.20")
}

func TestPrice_SnapshotCarriesRates(t *testing.T) {
	e := NewEngine()
	tariff := &domain.Tariff{
		ID:           "t9",
		Currency:     "SEK",
		PricePerKwh:  decPtr("4.50"),
		PricePerHour: decPtr("12.00"),
	}

	got := e.Price(tariff, Usage{EnergyKwh: dec("1"), DurationMinutes: 1})

	if got.TariffID != "t9" {
		t.Errorf("expected tariff id t9, got %q", got.TariffID)
	}
	assertAmount(t, "snapshot kWh rate", got.Snapshot.PricePerKwh, "4.50")
	assertAmount(t, "snapshot minute rate", got.Snapshot.PricePerMinute, "0.20")
}
