package ports

import (
	"context"
	"time"

	"github.com/voltgrid/csms/internal/domain"
)

type TenantRepository interface {
	Save(ctx context.Context, t *domain.Tenant) error
	Update(ctx context.Context, t *domain.Tenant) error
	FindByID(ctx context.Context, id string) (*domain.Tenant, error)
	FindByCode(ctx context.Context, code string) (*domain.Tenant, error)
	FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error)
	FindAll(ctx context.Context, limit, offset int) ([]domain.Tenant, error)
}

type StationRepository interface {
	Save(ctx context.Context, s *domain.ChargingStation) error
	Update(ctx context.Context, s *domain.ChargingStation) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*domain.ChargingStation, error)
	// FindByStationID resolves the OCPP identity within the current tenant.
	FindByStationID(ctx context.Context, stationID string) (*domain.ChargingStation, error)
	FindAll(ctx context.Context, filter StationFilter) ([]domain.ChargingStation, int64, error)
	FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error)

	SaveConnector(ctx context.Context, c *domain.Connector) error
	UpdateConnector(ctx context.Context, c *domain.Connector) error
	FindConnector(ctx context.Context, stationID string, connectorID int) (*domain.Connector, error)
	FindConnectorsWithExpiredReservations(ctx context.Context, now time.Time) ([]domain.Connector, error)
}

// StationFilter narrows station listings.
type StationFilter struct {
	Status    string
	Search    string
	City      string
	Connected *bool
	Limit     int
	Offset    int
}

type SessionRepository interface {
	Save(ctx context.Context, s *domain.ChargingSession) error
	Update(ctx context.Context, s *domain.ChargingSession) error
	FindByUUID(ctx context.Context, uuid string) (*domain.ChargingSession, error)
	// FindByTransactionID resolves an OCPP transaction id within the
	// current tenant.
	FindByTransactionID(ctx context.Context, transactionID int) (*domain.ChargingSession, error)
	FindActiveByConnector(ctx context.Context, stationID string, connectorID int) (*domain.ChargingSession, error)
	FindActiveByIdTag(ctx context.Context, idTag string) (*domain.ChargingSession, error)
	FindAll(ctx context.Context, filter SessionFilter) ([]domain.ChargingSession, int64, error)
	FindStaleActive(ctx context.Context, cutoff time.Time) ([]domain.ChargingSession, error)
	// NextTransactionID allocates the next OCPP transaction id for the
	// current tenant.
	NextTransactionID(ctx context.Context) (int, error)

	SaveMeterValues(ctx context.Context, values []domain.MeterValue) error
	FindMeterValues(ctx context.Context, sessionUUID string, limit int) ([]domain.MeterValue, error)
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	StationID string
	Status    string
	IdTag     string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type TariffRepository interface {
	Save(ctx context.Context, t *domain.Tariff) error
	Update(ctx context.Context, t *domain.Tariff) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*domain.Tariff, error)
	FindAll(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error)
	// FindApplicable returns the tariff for a station, falling back to
	// the tenant default when the station has none assigned.
	FindApplicable(ctx context.Context, stationID string, at time.Time) (*domain.Tariff, error)
	FindDefault(ctx context.Context) (*domain.Tariff, error)
}

type UserRepository interface {
	Save(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindAll(ctx context.Context, limit, offset int) ([]domain.User, int64, error)
}

type AuthTokenRepository interface {
	Save(ctx context.Context, t *domain.AuthToken) error
	Update(ctx context.Context, t *domain.AuthToken) error
	FindByValue(ctx context.Context, value string) (*domain.AuthToken, error)
	FindAll(ctx context.Context, limit, offset int) ([]domain.AuthToken, int64, error)
}
