package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// Service manages tariffs and prices sessions through the engine.
type Service struct {
	repo   ports.TariffRepository
	engine *Engine
	log    *zap.Logger
}

func NewService(repo ports.TariffRepository, log *zap.Logger) *Service {
	return &Service{repo: repo, engine: NewEngine(), log: log}
}

func (s *Service) Create(ctx context.Context, t *domain.Tariff) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Currency == "" {
		return fmt.Errorf("%w: currency is required", domain.ErrValidation)
	}
	if t.Code == "" {
		return fmt.Errorf("%w: code is required", domain.ErrValidation)
	}
	return s.repo.Save(ctx, t)
}

func (s *Service) Update(ctx context.Context, t *domain.Tariff) error {
	existing, err := s.repo.FindByID(ctx, t.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNotFound
	}
	return s.repo.Update(ctx, t)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Tariff, error) {
	t, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error) {
	return s.repo.FindAll(ctx, limit, offset)
}

// Price selects the applicable tariff for the session's station and runs
// the engine over its consumption. The selection order is session tariff,
// station tariff, tenant default, then the built-in fallback.
func (s *Service) Price(ctx context.Context, session *domain.ChargingSession) (*domain.CostBreakdown, error) {
	at := time.Now()
	if session.EndTime != nil {
		at = *session.EndTime
	}

	t, err := s.selectTariff(ctx, session, at)
	if err != nil {
		return nil, err
	}

	breakdown := s.engine.Price(t, Usage{
		EnergyKwh:       session.EnergyDeliveredKwh,
		DurationMinutes: session.DurationMinutes,
		MaxPowerKw:      session.MaxPowerKw,
		At:              at,
	})

	s.log.Debug("priced session",
		zap.String("session_uuid", session.SessionUUID),
		zap.String("tariff_id", t.ID),
		zap.String("total", breakdown.Total.String()),
		zap.String("currency", breakdown.Currency))
	return &breakdown, nil
}

func (s *Service) selectTariff(ctx context.Context, session *domain.ChargingSession, at time.Time) (*domain.Tariff, error) {
	if session.TariffID != "" {
		t, err := s.repo.FindByID(ctx, session.TariffID)
		if err != nil {
			return nil, err
		}
		if t != nil && t.CurrentlyValid(at) {
			return t, nil
		}
	}

	t, err := s.repo.FindApplicable(ctx, session.StationID, at)
	if err != nil {
		return nil, err
	}
	if t != nil && t.CurrentlyValid(at) {
		return t, nil
	}

	t, err = s.repo.FindDefault(ctx)
	if err != nil {
		return nil, err
	}
	if t != nil && t.CurrentlyValid(at) {
		return t, nil
	}

	return domain.DefaultTariff(""), nil
}
