package mocks

import (
	"context"
	"sync"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ports"
)

// MockTariffService is a func-field double for TariffService.
type MockTariffService struct {
	CreateFunc func(ctx context.Context, t *domain.Tariff) error
	UpdateFunc func(ctx context.Context, t *domain.Tariff) error
	DeleteFunc func(ctx context.Context, id string) error
	GetFunc    func(ctx context.Context, id string) (*domain.Tariff, error)
	ListFunc   func(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error)
	PriceFunc  func(ctx context.Context, session *domain.ChargingSession) (*domain.CostBreakdown, error)
}

func (m *MockTariffService) Create(ctx context.Context, t *domain.Tariff) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, t)
	}
	return nil
}

func (m *MockTariffService) Update(ctx context.Context, t *domain.Tariff) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t)
	}
	return nil
}

func (m *MockTariffService) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockTariffService) Get(ctx context.Context, id string) (*domain.Tariff, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockTariffService) List(ctx context.Context, limit, offset int) ([]domain.Tariff, int64, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, limit, offset)
	}
	return nil, 0, nil
}

func (m *MockTariffService) Price(ctx context.Context, session *domain.ChargingSession) (*domain.CostBreakdown, error) {
	if m.PriceFunc != nil {
		return m.PriceFunc(ctx, session)
	}
	return &domain.CostBreakdown{Currency: "EUR"}, nil
}

// MockEventPublisher records published events.
type MockEventPublisher struct {
	mu        sync.Mutex
	Published map[string][]interface{}

	PublishFunc func(ctx context.Context, subject string, event interface{}) error
	CloseFunc   func() error
}

func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{Published: make(map[string][]interface{})}
}

func (m *MockEventPublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, subject, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published[subject] = append(m.Published[subject], event)
	return nil
}

func (m *MockEventPublisher) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Count returns how many events were published on a subject.
func (m *MockEventPublisher) Count(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Published[subject])
}

var _ ports.TariffService = (*MockTariffService)(nil)
var _ ports.EventPublisher = (*MockEventPublisher)(nil)
var _ ports.Cache = (*MockCache)(nil)
