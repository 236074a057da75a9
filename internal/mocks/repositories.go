// Package mocks provides hand-rolled test doubles for the ports
// interfaces. Each method delegates to an optional func field; unset
// fields fall back to a benign in-memory default.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// MockTenantRepository is a func-field double for TenantRepository.
type MockTenantRepository struct {
	SaveFunc               func(ctx context.Context, t *domain.Tenant) error
	UpdateFunc             func(ctx context.Context, t *domain.Tenant) error
	FindByIDFunc           func(ctx context.Context, id string) (*domain.Tenant, error)
	FindByCodeFunc         func(ctx context.Context, code string) (*domain.Tenant, error)
	FindByCustomDomainFunc func(ctx context.Context, host string) (*domain.Tenant, error)
	FindAllFunc            func(ctx context.Context, limit, offset int) ([]domain.Tenant, error)
}

func (m *MockTenantRepository) Save(ctx context.Context, t *domain.Tenant) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, t)
	}
	return nil
}

func (m *MockTenantRepository) Update(ctx context.Context, t *domain.Tenant) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	return nil
}

func (m *MockTenantRepository) FindByID(ctx context.Context, id string) (*domain.Tenant, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockTenantRepository) FindByCode(ctx context.Context, code string) (*domain.Tenant, error) {
	if m.FindByCodeFunc != nil {
		return m.FindByCodeFunc(ctx, code)
	}
	return nil, nil
}

func (m *MockTenantRepository) FindByCustomDomain(ctx context.Context, host string) (*domain.Tenant, error) {
	if m.FindByCustomDomainFunc != nil {
		return m.FindByCustomDomainFunc(ctx, host)
	}
	return nil, nil
}

func (m *MockTenantRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.Tenant, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, limit, offset)
	}
	return nil, nil
}

// MockStationRepository is a func-field double for StationRepository.
type MockStationRepository struct {
	SaveFunc            func(ctx context.Context, s *domain.ChargingStation) error
	UpdateFunc          func(ctx context.Context, s *domain.ChargingStation) error
	DeleteFunc          func(ctx context.Context, id string) error
	FindByIDFunc        func(ctx context.Context, id string) (*domain.ChargingStation, error)
	FindByStationIDFunc func(ctx context.Context, stationID string) (*domain.ChargingStation, error)
	FindAllFunc         func(ctx context.Context, filter ports.StationFilter) ([]domain.ChargingStation, int64, error)
	FindNearbyFunc      func(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error)
	SaveConnectorFunc   func(ctx context.Context, c *domain.Connector) error
	UpdateConnectorFunc func(ctx context.Context, c *domain.Connector) error
	FindConnectorFunc   func(ctx context.Context, stationID string, connectorID int) (*domain.Connector, error)

	FindConnectorsWithExpiredReservationsFunc func(ctx context.Context, now time.Time) ([]domain.Connector, error)
}

func (m *MockStationRepository) Save(ctx context.Context, s *domain.ChargingStation) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, s)
	}
	return nil
}

func (m *MockStationRepository) Update(ctx context.Context, s *domain.ChargingStation) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s)
	}
	return nil
}

func (m *MockStationRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockStationRepository) FindByID(ctx context.Context, id string) (*domain.ChargingStation, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockStationRepository) FindByStationID(ctx context.Context, stationID string) (*domain.ChargingStation, error) {
	if m.FindByStationIDFunc != nil {
		return m.FindByStationIDFunc(ctx, stationID)
	}
	return nil, nil
}

func (m *MockStationRepository) FindAll(ctx context.Context, filter ports.StationFilter) ([]domain.ChargingStation, int64, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, filter)
	}
	return nil, 0, nil
}

func (m *MockStationRepository) FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error) {
	if m.FindNearbyFunc != nil {
		return m.FindNearbyFunc(ctx, lat, lon, radiusKm, limit)
	}
	return nil, nil
}

func (m *MockStationRepository) SaveConnector(ctx context.Context, c *domain.Connector) error {
	if m.SaveConnectorFunc != nil {
		return m.SaveConnectorFunc(ctx, c)
	}
	return nil
}

func (m *MockStationRepository) UpdateConnector(ctx context.Context, c *domain.Connector) error {
	if m.UpdateConnectorFunc != nil {
		return m.UpdateConnectorFunc(ctx, c)
	}
	return nil
}

func (m *MockStationRepository) FindConnector(ctx context.Context, stationID string, connectorID int) (*domain.Connector, error) {
	if m.FindConnectorFunc != nil {
		return m.FindConnectorFunc(ctx, stationID, connectorID)
	}
	return nil, nil
}

func (m *MockStationRepository) FindConnectorsWithExpiredReservations(ctx context.Context, now time.Time) ([]domain.Connector, error) {
	if m.FindConnectorsWithExpiredReservationsFunc != nil {
		return m.FindConnectorsWithExpiredReservationsFunc(ctx, now)
	}
	return nil, nil
}

// MockSessionRepository is a func-field double for SessionRepository. The
// default keeps sessions in memory and allocates monotonic transaction
// ids, which is enough for most lifecycle tests.
type MockSessionRepository struct {
	mu       sync.Mutex
	byUUID   map[string]*domain.ChargingSession
	nextTxID int

	SaveFunc                  func(ctx context.Context, s *domain.ChargingSession) error
	UpdateFunc                func(ctx context.Context, s *domain.ChargingSession) error
	FindByUUIDFunc            func(ctx context.Context, uuid string) (*domain.ChargingSession, error)
	FindByTransactionIDFunc   func(ctx context.Context, transactionID int) (*domain.ChargingSession, error)
	FindActiveByConnectorFunc func(ctx context.Context, stationID string, connectorID int) (*domain.ChargingSession, error)
	FindActiveByIdTagFunc     func(ctx context.Context, idTag string) (*domain.ChargingSession, error)
	FindAllFunc               func(ctx context.Context, filter ports.SessionFilter) ([]domain.ChargingSession, int64, error)
	FindStaleActiveFunc       func(ctx context.Context, cutoff time.Time) ([]domain.ChargingSession, error)
	NextTransactionIDFunc     func(ctx context.Context) (int, error)
	SaveMeterValuesFunc       func(ctx context.Context, values []domain.MeterValue) error
	FindMeterValuesFunc       func(ctx context.Context, sessionUUID string, limit int) ([]domain.MeterValue, error)

	SavedMeterValues []domain.MeterValue
}

func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{byUUID: make(map[string]*domain.ChargingSession)}
}

func (m *MockSessionRepository) Save(ctx context.Context, s *domain.ChargingSession) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUUID[s.SessionUUID] = s
	return nil
}

func (m *MockSessionRepository) Update(ctx context.Context, s *domain.ChargingSession) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUUID[s.SessionUUID] = s
	return nil
}

func (m *MockSessionRepository) FindByUUID(ctx context.Context, uuid string) (*domain.ChargingSession, error) {
	if m.FindByUUIDFunc != nil {
		return m.FindByUUIDFunc(ctx, uuid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUUID[uuid], nil
}

func (m *MockSessionRepository) FindByTransactionID(ctx context.Context, transactionID int) (*domain.ChargingSession, error) {
	if m.FindByTransactionIDFunc != nil {
		return m.FindByTransactionIDFunc(ctx, transactionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byUUID {
		if s.TransactionID != nil && *s.TransactionID == transactionID {
			return s, nil
		}
	}
	return nil, nil
}

func (m *MockSessionRepository) FindActiveByConnector(ctx context.Context, stationID string, connectorID int) (*domain.ChargingSession, error) {
	if m.FindActiveByConnectorFunc != nil {
		return m.FindActiveByConnectorFunc(ctx, stationID, connectorID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byUUID {
		if s.StationID == stationID && s.ConnectorID == connectorID && s.Status.IsActive() {
			return s, nil
		}
	}
	return nil, nil
}

func (m *MockSessionRepository) FindActiveByIdTag(ctx context.Context, idTag string) (*domain.ChargingSession, error) {
	if m.FindActiveByIdTagFunc != nil {
		return m.FindActiveByIdTagFunc(ctx, idTag)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byUUID {
		if s.IdTag == idTag && s.Status.IsActive() {
			return s, nil
		}
	}
	return nil, nil
}

func (m *MockSessionRepository) FindAll(ctx context.Context, filter ports.SessionFilter) ([]domain.ChargingSession, int64, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChargingSession, 0, len(m.byUUID))
	for _, s := range m.byUUID {
		out = append(out, *s)
	}
	return out, int64(len(out)), nil
}

func (m *MockSessionRepository) FindStaleActive(ctx context.Context, cutoff time.Time) ([]domain.ChargingSession, error) {
	if m.FindStaleActiveFunc != nil {
		return m.FindStaleActiveFunc(ctx, cutoff)
	}
	return nil, nil
}

func (m *MockSessionRepository) NextTransactionID(ctx context.Context) (int, error) {
	if m.NextTransactionIDFunc != nil {
		return m.NextTransactionIDFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID++
	return m.nextTxID, nil
}

func (m *MockSessionRepository) SaveMeterValues(ctx context.Context, values []domain.MeterValue) error {
	if m.SaveMeterValuesFunc != nil {
		return m.SaveMeterValuesFunc(ctx, values)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SavedMeterValues = append(m.SavedMeterValues, values...)
	return nil
}

func (m *MockSessionRepository) FindMeterValues(ctx context.Context, sessionUUID string, limit int) ([]domain.MeterValue, error) {
	if m.FindMeterValuesFunc != nil {
		return m.FindMeterValuesFunc(ctx, sessionUUID, limit)
	}
	return nil, nil
}

// MockTariffRepository is a func-field double for TariffRepository.
type MockTariffRepository struct {
	SaveFunc           func(ctx context.Context, t *domain.Tariff) error
	UpdateFunc         func(ctx context.Context, t *domain.Tariff) error
	DeleteFunc         func(ctx context.Context, id string) error
	FindByIDFunc       func(ctx context.Context, id string) (*domain.Tariff, error)
	FindAllFunc        func(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error)
	FindApplicableFunc func(ctx context.Context, stationID string, at time.Time) (*domain.Tariff, error)
	FindDefaultFunc    func(ctx context.Context) (*domain.Tariff, error)
}

func (m *MockTariffRepository) Save(ctx context.Context, t *domain.Tariff) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, t)
	}
	return nil
}

func (m *MockTariffRepository) Update(ctx context.Context, t *domain.Tariff) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	return nil
}

func (m *MockTariffRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockTariffRepository) FindByID(ctx context.Context, id string) (*domain.Tariff, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockTariffRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, limit, offset)
	}
	return nil, 0, nil
}

func (m *MockTariffRepository) FindApplicable(ctx context.Context, stationID string, at time.Time) (*domain.Tariff, error) {
	if m.FindApplicableFunc != nil {
		return m.FindApplicableFunc(ctx, stationID, at)
	}
	return nil, nil
}

func (m *MockTariffRepository) FindDefault(ctx context.Context) (*domain.Tariff, error) {
	if m.FindDefaultFunc != nil {
		return m.FindDefaultFunc(ctx)
	}
	return nil, nil
}

// MockUserRepository is a func-field double for UserRepository.
type MockUserRepository struct {
	SaveFunc           func(ctx context.Context, u *domain.User) error
	UpdateFunc         func(ctx context.Context, u *domain.User) error
	DeleteFunc         func(ctx context.Context, id string) error
	FindByIDFunc       func(ctx context.Context, id string) (*domain.User, error)
	FindByUsernameFunc func(ctx context.Context, username string) (*domain.User, error)
	FindByEmailFunc    func(ctx context.Context, email string) (*domain.User, error)
	FindAllFunc        func(ctx context.Context, limit, offset int) ([]domain.User, int64, error)
}

func (m *MockUserRepository) Save(ctx context.Context, u *domain.User) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, u)
	}
	return nil
}

func (m *MockUserRepository) Update(ctx context.Context, u *domain.User) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, u)
	}
	return nil
}

func (m *MockUserRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockUserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	if m.FindByUsernameFunc != nil {
		return m.FindByUsernameFunc(ctx, username)
	}
	return nil, nil
}

func (m *MockUserRepository) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	if m.FindByEmailFunc != nil {
		return m.FindByEmailFunc(ctx, email)
	}
	return nil, nil
}

func (m *MockUserRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.User, int64, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, limit, offset)
	}
	return nil, 0, nil
}

// MockAuthTokenRepository is a func-field double for AuthTokenRepository.
type MockAuthTokenRepository struct {
	SaveFunc        func(ctx context.Context, t *domain.AuthToken) error
	UpdateFunc      func(ctx context.Context, t *domain.AuthToken) error
	FindByValueFunc func(ctx context.Context, value string) (*domain.AuthToken, error)
	FindAllFunc     func(ctx context.Context, limit, offset int) ([]domain.AuthToken, int64, error)
}

func (m *MockAuthTokenRepository) Save(ctx context.Context, t *domain.AuthToken) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, t)
	}
	return nil
}

func (m *MockAuthTokenRepository) Update(ctx context.Context, t *domain.AuthToken) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	return nil
}

func (m *MockAuthTokenRepository) FindByValue(ctx context.Context, value string) (*domain.AuthToken, error) {
	if m.FindByValueFunc != nil {
		return m.FindByValueFunc(ctx, value)
	}
	return nil, nil
}

func (m *MockAuthTokenRepository) FindAll(ctx context.Context, limit, offset int) ([]domain.AuthToken, int64, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(ctx, limit, offset)
	}
	return nil, 0, nil
}
