// Package station manages charging station registry state: provisioning,
// connectivity, maintenance and discovery.
package station

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

// Service implements station CRUD and receives connectivity events from
// the OCPP gateway.
type Service struct {
	repo ports.StationRepository
	log  *zap.Logger
	now  func() time.Time
}

func NewService(repo ports.StationRepository, log *zap.Logger) *Service {
	return &Service{repo: repo, log: log, now: time.Now}
}

func (s *Service) Create(ctx context.Context, station *domain.ChargingStation) error {
	if err := station.Validate(); err != nil {
		return err
	}
	existing, err := s.repo.FindByStationID(ctx, station.StationID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: station %s already registered", domain.ErrDuplicate, station.StationID)
	}

	if station.ID == "" {
		station.ID = uuid.New().String()
	}
	if station.OCPPVersion == "" {
		station.OCPPVersion = domain.OCPPVersion16
	}
	station.Active = true

	for i := range station.Connectors {
		c := &station.Connectors[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.ChargingStationID = station.ID
		if c.Status == "" {
			c.Status = domain.ConnectorUnavailable
		}
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if len(station.Connectors) > domain.MaxConnectorsPerStation {
		return fmt.Errorf("%w: too many connectors", domain.ErrValidation)
	}
	return s.repo.Save(ctx, station)
}

func (s *Service) Update(ctx context.Context, station *domain.ChargingStation) error {
	if err := station.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, station)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	station, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if station == nil {
		return domain.ErrNotFound
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ChargingStation, error) {
	station, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if station == nil {
		return nil, domain.ErrNotFound
	}
	return station, nil
}

func (s *Service) GetByStationID(ctx context.Context, stationID string) (*domain.ChargingStation, error) {
	return s.repo.FindByStationID(ctx, stationID)
}

func (s *Service) List(ctx context.Context, filter ports.StationFilter) ([]domain.ChargingStation, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.FindAll(ctx, filter)
}

// Search finds stations within radiusKm of a point, nearest first.
func (s *Service) Search(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]domain.ChargingStation, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: invalid coordinates", domain.ErrValidation)
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.FindNearby(ctx, lat, lon, radiusKm, limit)
}

func (s *Service) Activate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) error {
	station, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	station.Active = active
	return s.repo.Update(ctx, station)
}

func (s *Service) SetMaintenance(ctx context.Context, id string, enabled bool) error {
	station, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	station.Maintenance = enabled
	if !enabled {
		station.MaintenanceReason = ""
	}
	return s.repo.Update(ctx, station)
}

func (s *Service) Statistics(ctx context.Context, id string) (*domain.StationStatistics, error) {
	station, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &station.Statistics, nil
}

// StationConnected marks the station online. Gateway presence callback.
func (s *Service) StationConnected(ctx context.Context, tenantID, stationID string, version wire.Version, at time.Time) {
	s.withStation(ctx, tenantID, stationID, func(station *domain.ChargingStation) {
		station.Connected = true
		station.OCPPVersion = domain.OCPPVersion(version)
		station.LastHeartbeatAt = &at
	})
}

// StationDisconnected marks the station offline.
func (s *Service) StationDisconnected(ctx context.Context, tenantID, stationID string, at time.Time) {
	s.withStation(ctx, tenantID, stationID, func(station *domain.ChargingStation) {
		station.Connected = false
	})
}

// StationHeartbeat advances the station's liveness clock.
func (s *Service) StationHeartbeat(ctx context.Context, tenantID, stationID string, at time.Time) {
	s.withStation(ctx, tenantID, stationID, func(station *domain.ChargingStation) {
		station.Connected = true
		station.LastHeartbeatAt = &at
	})
}

func (s *Service) withStation(ctx context.Context, tenantID, stationID string, mutate func(*domain.ChargingStation)) {
	ctx = tenant.WithID(ctx, tenantID)
	station, err := s.repo.FindByStationID(ctx, stationID)
	if err != nil || station == nil {
		if err != nil {
			s.log.Warn("presence lookup failed", zap.String("station_id", stationID), zap.Error(err))
		}
		return
	}
	mutate(station)
	if err := s.repo.Update(ctx, station); err != nil {
		s.log.Warn("presence update failed", zap.String("station_id", stationID), zap.Error(err))
	}
}

// ReleaseExpiredReservations frees connectors whose reservations lapsed.
// Intended to run on a schedule.
func (s *Service) ReleaseExpiredReservations(ctx context.Context) (int, error) {
	now := s.now()
	connectors, err := s.repo.FindConnectorsWithExpiredReservations(ctx, now)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range connectors {
		c := &connectors[i]
		c.ReservationID = nil
		c.ReservationIdTag = ""
		c.ReservationExpiresAt = nil
		if c.Status == domain.ConnectorReserved {
			c.Status = domain.ConnectorAvailable
		}
		if err := s.repo.UpdateConnector(ctx, c); err != nil {
			s.log.Warn("releasing expired reservation",
				zap.String("connector_uid", c.ID),
				zap.Error(err))
			continue
		}
		count++
	}
	if count > 0 {
		s.log.Info("released expired reservations", zap.Int("count", count))
	}
	return count, nil
}

// Haversine returns the great-circle distance in kilometres between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
