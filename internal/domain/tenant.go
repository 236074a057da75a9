package domain

import (
	"time"
)

type TenantType string

const (
	TenantTypeCPO        TenantType = "CPO"
	TenantTypeEMSP       TenantType = "EMSP"
	TenantTypeHub        TenantType = "HUB"
	TenantTypeEnterprise TenantType = "ENTERPRISE"
	TenantTypeDemo       TenantType = "DEMO"
	TenantTypeInternal   TenantType = "INTERNAL"
)

type TenantFeature string

const (
	FeatureOCPP16        TenantFeature = "OCPP_1_6"
	FeatureOCPP201       TenantFeature = "OCPP_2_0_1"
	FeatureOCPI221       TenantFeature = "OCPI_2_2_1"
	FeatureSmartCharging TenantFeature = "SMART_CHARGING"
	FeatureReservations  TenantFeature = "RESERVATIONS"
	FeatureWebhooks      TenantFeature = "WEBHOOKS"
)

// TenantConfig is the embedded per-tenant runtime configuration.
type TenantConfig struct {
	Timezone           string `json:"timezone"`
	Currency           string `json:"currency"`
	MaxStations        int    `json:"max_stations"`
	MaxUsers           int    `json:"max_users"`
	SessionTimeoutMin  int    `json:"session_timeout_min"`
	CommandTimeoutSec  int    `json:"command_timeout_sec"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	BrandName          string `json:"brand_name,omitempty"`
	BrandLogoURL       string `json:"brand_logo_url,omitempty"`
	CustomDomain       string `json:"custom_domain,omitempty"`
	DefaultTariffCode  string `json:"default_tariff_code,omitempty"`
	AllowUnknownIdTags bool   `json:"allow_unknown_id_tags"`
}

type TenantContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type TenantBilling struct {
	CompanyName string `json:"company_name,omitempty"`
	VATNumber   string `json:"vat_number,omitempty"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	Country     string `json:"country,omitempty"`
}

// Tenant is an isolated customer organisation. Tenants are created active,
// may be suspended and re-activated, and are never deleted.
type Tenant struct {
	ID              string            `json:"id" gorm:"primaryKey;size:50"`
	Code            string            `json:"code" gorm:"uniqueIndex;size:50;not null"`
	Name            string            `json:"name"`
	Type            TenantType        `json:"type" gorm:"size:20"`
	Active          bool              `json:"active"`
	SuspendedReason string            `json:"suspended_reason,omitempty"`
	SuspendedAt     *time.Time        `json:"suspended_at,omitempty"`
	Config          TenantConfig      `json:"config" gorm:"serializer:json"`
	Contact         TenantContact     `json:"contact" gorm:"serializer:json"`
	Billing         TenantBilling     `json:"billing" gorm:"serializer:json"`
	Features        []TenantFeature   `json:"features" gorm:"serializer:json"`
	Metadata        map[string]string `json:"metadata" gorm:"serializer:json"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Version         int64             `json:"version" gorm:"default:0"`
}

func (Tenant) TableName() string { return "tenants" }

// HasFeature reports whether the feature is enabled for this tenant.
func (t *Tenant) HasFeature(f TenantFeature) bool {
	for _, have := range t.Features {
		if have == f {
			return true
		}
	}
	return false
}

// Suspend deactivates the tenant and records the reason.
func (t *Tenant) Suspend(reason string, at time.Time) {
	t.Active = false
	t.SuspendedReason = reason
	t.SuspendedAt = &at
}

// Activate re-activates a suspended tenant.
func (t *Tenant) Activate() {
	t.Active = true
	t.SuspendedReason = ""
	t.SuspendedAt = nil
}
