// Package queue connects the service layer to the message bus. Domain
// events go out as JSON envelopes on a subject per event type; the
// dashboard hub and external consumers subscribe to the same subjects.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/tenant"
)

// Bus is the raw transport: NATS or RabbitMQ, selected by config.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte) error) error
	Close() error
}

// Envelope is the wire format for every event on the bus.
type Envelope struct {
	Subject    string          `json:"subject"`
	TenantID   string          `json:"tenant_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

var _ ports.EventPublisher = (*Publisher)(nil)

// Publisher wraps a Bus and handles envelope marshaling. The tenant id
// is taken from the context so consumers can filter without parsing the
// payload.
type Publisher struct {
	bus Bus
	log *zap.Logger
	now func() time.Time
}

func NewPublisher(bus Bus, log *zap.Logger) *Publisher {
	return &Publisher{bus: bus, log: log, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, subject string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	env := Envelope{
		Subject:    subject,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	}
	if id, ok := tenant.ID(ctx); ok {
		env.TenantID = id
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling event envelope: %w", err)
	}
	return p.bus.Publish(subject, data)
}

func (p *Publisher) Close() error {
	return p.bus.Close()
}

// NopPublisher drops events. Used when no queue URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, event interface{}) error {
	return nil
}

func (NopPublisher) Close() error { return nil }
