package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voltgrid/csms/internal/domain"
)

type AuthService interface {
	Login(ctx context.Context, username, password string) (*TokenPair, error)
	Register(ctx context.Context, user *domain.User, password string) error
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// TokenPair is the issued access/refresh token set.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Claims is the verified content of an access token.
type Claims struct {
	UserID   string
	Username string
	TenantID string
	Roles    []string
}

type StationService interface {
	Create(ctx context.Context, s *domain.ChargingStation) error
	Update(ctx context.Context, s *domain.ChargingStation) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.ChargingStation, error)
	GetByStationID(ctx context.Context, stationID string) (*domain.ChargingStation, error)
	List(ctx context.Context, filter StationFilter) ([]domain.ChargingStation, int64, error)
	Search(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error)
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	SetMaintenance(ctx context.Context, id string, enabled bool) error
	Statistics(ctx context.Context, id string) (*domain.StationStatistics, error)
}

// AuthorizationResult is the outcome of an idTag check.
type AuthorizationResult struct {
	Status      string // Accepted, Blocked, Expired, Invalid, ConcurrentTx
	ExpiryDate  *time.Time
	ParentIdTag string
}

// MeterSample is one version-neutral sampled value lifted off the wire.
type MeterSample struct {
	Timestamp time.Time
	Value     decimal.Decimal
	Measurand string
	Context   string
	Unit      string
	Phase     string
	Location  string
}

// StartRequest begins a charging session.
type StartRequest struct {
	StationID   string
	ConnectorID int
	IdTag       string
	MeterStart  decimal.Decimal
	Timestamp   time.Time
	// RemoteUUID binds the start to a previously synthesised remote
	// session, when the start was server-initiated.
	RemoteUUID string
	// TransactionID pre-assigns the numeric transaction id. Zero means
	// allocate from the tenant sequence; 2.0.1 stations choose their own
	// id, which arrives here already mapped.
	TransactionID int
	// TransactionRef is the raw station-chosen transaction id string on
	// 2.0.1, kept for server-initiated stop commands.
	TransactionRef string
}

// StopRequest ends a charging session.
type StopRequest struct {
	TransactionID int
	IdTag         string
	MeterStop     decimal.Decimal
	Timestamp     time.Time
	Reason        string
	// FinalSamples carries the transactionData replay sent with the
	// stop message.
	FinalSamples []MeterSample
}

// ChargingService is the version-neutral core the OCPP handlers call.
type ChargingService interface {
	Authorize(ctx context.Context, idTag string) (*AuthorizationResult, error)
	StartTransaction(ctx context.Context, req StartRequest) (*domain.ChargingSession, *AuthorizationResult, error)
	StopTransaction(ctx context.Context, req StopRequest) (*domain.ChargingSession, *AuthorizationResult, error)
	RecordMeterValues(ctx context.Context, transactionID int, connectorID int, stationID string, samples []MeterSample) error
	// UpdateConnectorStatus applies a StatusNotification. ocppStatus is
	// the raw wire status so EV and EVSE suspensions stay apart.
	UpdateConnectorStatus(ctx context.Context, stationID string, connectorID int, ocppStatus string, errorCode string, at time.Time) error

	GetSession(ctx context.Context, uuid string) (*domain.ChargingSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]domain.ChargingSession, int64, error)
	CancelSession(ctx context.Context, uuid string, reason string) (*domain.ChargingSession, error)
	ReapStaleSessions(ctx context.Context, olderThan time.Duration) (int, error)
}

// CommandService issues server-initiated OCPP commands toward stations.
type CommandService interface {
	RemoteStart(ctx context.Context, stationID string, connectorID int, idTag string) (*domain.ChargingSession, error)
	RemoteStop(ctx context.Context, sessionUUID string) error
	Reset(ctx context.Context, stationID string, hard bool) (string, error)
	UnlockConnector(ctx context.Context, stationID string, connectorID int) (string, error)
	ChangeAvailability(ctx context.Context, stationID string, connectorID int, operative bool) (string, error)
	TriggerMessage(ctx context.Context, stationID string, requested string, connectorID *int) (string, error)
}

type TariffService interface {
	Create(ctx context.Context, t *domain.Tariff) error
	Update(ctx context.Context, t *domain.Tariff) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Tariff, error)
	List(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error)
	// Price computes the cost breakdown for a finished session.
	Price(ctx context.Context, session *domain.ChargingSession) (*domain.CostBreakdown, error)
}

type TenantService interface {
	Create(ctx context.Context, t *domain.Tenant) error
	Update(ctx context.Context, t *domain.Tenant) error
	Get(ctx context.Context, id string) (*domain.Tenant, error)
	GetByCode(ctx context.Context, code string) (*domain.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]domain.Tenant, error)
	Suspend(ctx context.Context, id, reason string) error
	Activate(ctx context.Context, id string) error
}

type UserService interface {
	Create(ctx context.Context, u *domain.User, password string) error
	Update(ctx context.Context, u *domain.User) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.User, error)
	List(ctx context.Context, limit, offset int) ([]domain.User, int64, error)
}

// Cache is the shared key/value cache surface.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string) (int64, error)
}

// EventPublisher pushes domain events onto the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event interface{}) error
	Close() error
}
