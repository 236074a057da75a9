package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/tenant"
)

type recordingBus struct {
	subjects []string
	payloads [][]byte
	closed   bool
}

func (b *recordingBus) Publish(subject string, data []byte) error {
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, data)
	return nil
}

func (b *recordingBus) Subscribe(subject string, handler func(data []byte) error) error {
	return nil
}

func (b *recordingBus) Close() error {
	b.closed = true
	return nil
}

func TestPublisher_WrapsEventsInEnvelope(t *testing.T) {
	bus := &recordingBus{}
	pub := NewPublisher(bus, zap.NewNop())
	pub.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx := tenant.WithID(context.Background(), "acme")
	event := map[string]string{"session_uuid": "abc-123"}
	if err := pub.Publish(ctx, "session.started", event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(bus.subjects) != 1 || bus.subjects[0] != "session.started" {
		t.Fatalf("subjects = %v", bus.subjects)
	}

	var env Envelope
	if err := json.Unmarshal(bus.payloads[0], &env); err != nil {
		t.Fatalf("unmarshaling envelope: %v", err)
	}
	if env.TenantID != "acme" {
		t.Errorf("tenant_id = %q, want acme", env.TenantID)
	}
	if env.Subject != "session.started" {
		t.Errorf("subject = %q", env.Subject)
	}
	if !env.OccurredAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("occurred_at = %v", env.OccurredAt)
	}

	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if payload["session_uuid"] != "abc-123" {
		t.Errorf("payload = %v", payload)
	}
}

func TestPublisher_NoTenantOmitsField(t *testing.T) {
	bus := &recordingBus{}
	pub := NewPublisher(bus, zap.NewNop())

	if err := pub.Publish(context.Background(), "station.connected", struct{}{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(bus.payloads[0], &env); err != nil {
		t.Fatalf("unmarshaling envelope: %v", err)
	}
	if env.TenantID != "" {
		t.Errorf("tenant_id = %q, want empty", env.TenantID)
	}
}

func TestPublisher_CloseClosesBus(t *testing.T) {
	bus := &recordingBus{}
	pub := NewPublisher(bus, zap.NewNop())
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bus.closed {
		t.Error("bus not closed")
	}
}
