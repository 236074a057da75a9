package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/gateway"
	"github.com/voltgrid/csms/internal/mocks"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/charging"
	"github.com/voltgrid/csms/internal/tenant"
)

// scriptedConn answers outbound CALL frames the way a station would,
// feeding the scripted response back through the router.
type scriptedConn struct {
	router  *gateway.Router
	version wire.Version
	sess    *gateway.Session

	// respond returns the CALLRESULT payload for an action. Nil leaves
	// the call pending.
	respond func(action string, payload json.RawMessage) interface{}

	mu       sync.Mutex
	actions  []string
	payloads []json.RawMessage
	closed   bool
}

func (c *scriptedConn) WriteText(data []byte) error {
	frame, ocppErr := wire.Decode(data, c.version)
	if ocppErr != nil {
		return errors.New(ocppErr.Description)
	}
	if frame.MessageTypeID != wire.Call {
		return nil
	}

	c.mu.Lock()
	c.actions = append(c.actions, frame.Action)
	c.payloads = append(c.payloads, frame.Payload)
	respond := c.respond
	c.mu.Unlock()

	if respond == nil {
		return nil
	}
	resp := respond(frame.Action, frame.Payload)
	if resp == nil {
		return nil
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	raw, err := wire.Encode(wire.NewCallResult(frame.MessageID, body, c.version))
	if err != nil {
		return err
	}
	go c.router.HandleRaw(context.Background(), c.sess, raw)
	return nil
}

func (c *scriptedConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *scriptedConn) lastPayload(t *testing.T) json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		t.Fatal("no call was sent to the station")
	}
	return c.payloads[len(c.payloads)-1]
}

func (c *scriptedConn) lastAction(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.actions) == 0 {
		t.Fatal("no call was sent to the station")
	}
	return c.actions[len(c.actions)-1]
}

type rig struct {
	manager  *gateway.Manager
	router   *gateway.Router
	sessions *mocks.MockSessionRepository
	cache    *mocks.MockCache
	svc      *Service
	conn     *scriptedConn
	sess     *gateway.Session
	ctx      context.Context
}

func newRig(t *testing.T, version wire.Version) *rig {
	t.Helper()
	log := zap.NewNop()
	manager := gateway.NewManager(gateway.NopPresence{}, time.Second, log)
	router := gateway.NewRouter(manager, time.Second, log)
	sessions := mocks.NewMockSessionRepository()
	cache := mocks.NewMockCache()
	svc := NewService(manager, router, sessions, cache, log)

	conn := &scriptedConn{router: router, version: version}
	sess := gateway.NewSession("sess-1", "CP-001", "t1", version, "10.0.0.1", conn, time.Now())
	conn.sess = sess
	ctx := tenant.WithID(context.Background(), "t1")
	manager.Register(ctx, sess)

	return &rig{manager: manager, router: router, sessions: sessions, cache: cache, svc: svc, conn: conn, sess: sess, ctx: ctx}
}

func accept(status string) func(string, json.RawMessage) interface{} {
	return func(string, json.RawMessage) interface{} {
		return map[string]string{"status": status}
	}
}

func TestRemoteStart_AcceptedCreatesPlaceholder(t *testing.T) {
	r := newRig(t, wire.V16)
	r.conn.respond = accept("Accepted")

	session, err := r.svc.RemoteStart(r.ctx, "CP-001", 1, "RFID-1")
	if err != nil {
		t.Fatalf("RemoteStart: %v", err)
	}
	if session.Status != domain.SessionAuthorized {
		t.Fatalf("placeholder status = %s, want %s", session.Status, domain.SessionAuthorized)
	}
	if got := r.conn.lastAction(t); got != "RemoteStartTransaction" {
		t.Fatalf("action = %q, want RemoteStartTransaction", got)
	}

	var payload struct {
		ConnectorId int    `json:"connectorId"`
		IdTag       string `json:"idTag"`
	}
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.ConnectorId != 1 || payload.IdTag != "RFID-1" {
		t.Fatalf("payload = %+v", payload)
	}

	key := charging.RemoteStartKey("t1", "CP-001", 1)
	uuid, err := r.cache.Get(r.ctx, key)
	if err != nil || uuid != session.SessionUUID {
		t.Fatalf("connector key = %q (%v), want %s", uuid, err, session.SessionUUID)
	}
}

func TestRemoteStart_RejectedFailsPlaceholder(t *testing.T) {
	r := newRig(t, wire.V16)
	r.conn.respond = accept("Rejected")

	_, err := r.svc.RemoteStart(r.ctx, "CP-001", 1, "RFID-1")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	// The synthesised session must not linger as startable.
	for _, s := range sessionsOf(r.sessions, t) {
		if s.Status != domain.SessionFailed {
			t.Fatalf("placeholder status = %s, want %s", s.Status, domain.SessionFailed)
		}
	}
}

func TestRemoteStart_StationOffline(t *testing.T) {
	r := newRig(t, wire.V16)

	_, err := r.svc.RemoteStart(r.ctx, "CP-999", 1, "RFID-1")
	if !errors.Is(err, domain.ErrStationOffline) {
		t.Fatalf("err = %v, want ErrStationOffline", err)
	}
}

func TestRemoteStart_WrongTenantIsOffline(t *testing.T) {
	r := newRig(t, wire.V16)

	other := tenant.WithID(context.Background(), "t2")
	_, err := r.svc.RemoteStart(other, "CP-001", 1, "RFID-1")
	if !errors.Is(err, domain.ErrStationOffline) {
		t.Fatalf("err = %v, want ErrStationOffline", err)
	}
}

func TestRemoteStart_V201UsesRequestStart(t *testing.T) {
	r := newRig(t, wire.V201)
	r.conn.respond = accept("Accepted")

	if _, err := r.svc.RemoteStart(r.ctx, "CP-001", 2, "TOKEN-9"); err != nil {
		t.Fatalf("RemoteStart: %v", err)
	}
	if got := r.conn.lastAction(t); got != "RequestStartTransaction" {
		t.Fatalf("action = %q, want RequestStartTransaction", got)
	}

	var payload struct {
		EvseId  int `json:"evseId"`
		IdToken struct {
			IdToken string `json:"idToken"`
			Type    string `json:"type"`
		} `json:"idToken"`
	}
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.EvseId != 2 || payload.IdToken.IdToken != "TOKEN-9" || payload.IdToken.Type != "Central" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRemoteStop_V16SendsNumericTransactionID(t *testing.T) {
	r := newRig(t, wire.V16)
	r.conn.respond = accept("Accepted")

	session := chargingSession(t, r, "CP-001", 42, "")
	if err := r.svc.RemoteStop(r.ctx, session.SessionUUID); err != nil {
		t.Fatalf("RemoteStop: %v", err)
	}
	if got := r.conn.lastAction(t); got != "RemoteStopTransaction" {
		t.Fatalf("action = %q, want RemoteStopTransaction", got)
	}

	var payload struct {
		TransactionId int `json:"transactionId"`
	}
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.TransactionId != 42 {
		t.Fatalf("transactionId = %d, want 42", payload.TransactionId)
	}
}

func TestRemoteStop_V201SendsStationChosenReference(t *testing.T) {
	r := newRig(t, wire.V201)
	r.conn.respond = accept("Accepted")

	session := chargingSession(t, r, "CP-001", 77, "TX-abc-123")
	if err := r.svc.RemoteStop(r.ctx, session.SessionUUID); err != nil {
		t.Fatalf("RemoteStop: %v", err)
	}
	if got := r.conn.lastAction(t); got != "RequestStopTransaction" {
		t.Fatalf("action = %q, want RequestStopTransaction", got)
	}

	var payload struct {
		TransactionId string `json:"transactionId"`
	}
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.TransactionId != "TX-abc-123" {
		t.Fatalf("transactionId = %q, want TX-abc-123", payload.TransactionId)
	}
}

func TestRemoteStop_TerminalSessionRejected(t *testing.T) {
	r := newRig(t, wire.V16)

	session := chargingSession(t, r, "CP-001", 42, "")
	now := time.Now()
	if err := session.Transition(domain.SessionFinishing, "done", now); err != nil {
		t.Fatal(err)
	}
	if err := session.Transition(domain.SessionCompleted, "done", now); err != nil {
		t.Fatal(err)
	}

	err := r.svc.RemoteStop(r.ctx, session.SessionUUID)
	if !errors.Is(err, domain.ErrInvalidSessionState) {
		t.Fatalf("err = %v, want ErrInvalidSessionState", err)
	}
}

func TestRemoteStop_UnknownSession(t *testing.T) {
	r := newRig(t, wire.V16)

	err := r.svc.RemoteStop(r.ctx, "no-such-uuid")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReset_KindPerVersion(t *testing.T) {
	cases := []struct {
		version wire.Version
		hard    bool
		want    string
	}{
		{wire.V16, true, "Hard"},
		{wire.V16, false, "Soft"},
		{wire.V201, true, "Immediate"},
		{wire.V201, false, "OnIdle"},
	}
	for _, tc := range cases {
		r := newRig(t, tc.version)
		r.conn.respond = accept("Accepted")

		status, err := r.svc.Reset(r.ctx, "CP-001", tc.hard)
		if err != nil {
			t.Fatalf("Reset(%v, hard=%v): %v", tc.version, tc.hard, err)
		}
		if status != "Accepted" {
			t.Fatalf("status = %q", status)
		}

		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
			t.Fatal(err)
		}
		if payload.Type != tc.want {
			t.Fatalf("reset type on %v hard=%v is %q, want %q", tc.version, tc.hard, payload.Type, tc.want)
		}
	}
}

func TestChangeAvailability_StationWideOmitsEvse(t *testing.T) {
	r := newRig(t, wire.V201)
	r.conn.respond = accept("Accepted")

	if _, err := r.svc.ChangeAvailability(r.ctx, "CP-001", 0, false); err != nil {
		t.Fatalf("ChangeAvailability: %v", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["evse"]; ok {
		t.Fatal("station-wide availability change must not carry an evse")
	}
	var status string
	if err := json.Unmarshal(payload["operationalStatus"], &status); err != nil || status != "Inoperative" {
		t.Fatalf("operationalStatus = %q (%v)", status, err)
	}
}

func TestUnlockConnector(t *testing.T) {
	r := newRig(t, wire.V16)
	r.conn.respond = accept("Unlocked")

	status, err := r.svc.UnlockConnector(r.ctx, "CP-001", 2)
	if err != nil {
		t.Fatalf("UnlockConnector: %v", err)
	}
	if status != "Unlocked" {
		t.Fatalf("status = %q, want Unlocked", status)
	}
}

func TestTriggerMessage(t *testing.T) {
	r := newRig(t, wire.V16)
	r.conn.respond = accept("Accepted")

	connector := 1
	status, err := r.svc.TriggerMessage(r.ctx, "CP-001", "StatusNotification", &connector)
	if err != nil {
		t.Fatalf("TriggerMessage: %v", err)
	}
	if status != "Accepted" {
		t.Fatalf("status = %q", status)
	}

	var payload struct {
		RequestedMessage string `json:"requestedMessage"`
		ConnectorId      *int   `json:"connectorId"`
	}
	if err := json.Unmarshal(r.conn.lastPayload(t), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.RequestedMessage != "StatusNotification" || payload.ConnectorId == nil || *payload.ConnectorId != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

// chargingSession seeds a running session bound to a transaction.
func chargingSession(t *testing.T, r *rig, stationID string, txID int, ref string) *domain.ChargingSession {
	t.Helper()
	now := time.Now()
	meterStart := decimal.NewFromInt(1000)
	session := &domain.ChargingSession{
		SessionUUID: "sess-" + stationID,
		StationID:   stationID,
		ConnectorID: 1,
		Status:      domain.SessionPending,
		IdTag:       "RFID-1",
		MeterStart:  &meterStart,
	}
	for _, step := range []domain.SessionStatus{
		domain.SessionAuthorizing, domain.SessionAuthorized,
		domain.SessionStarting, domain.SessionCharging,
	} {
		if err := session.Transition(step, "test", now); err != nil {
			t.Fatal(err)
		}
	}
	if err := session.BindTransactionID(txID); err != nil {
		t.Fatal(err)
	}
	session.TransactionRef = ref
	if err := r.sessions.Save(r.ctx, session); err != nil {
		t.Fatal(err)
	}
	return session
}

func sessionsOf(repo *mocks.MockSessionRepository, t *testing.T) []domain.ChargingSession {
	t.Helper()
	all, _, err := repo.FindAll(context.Background(), ports.SessionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return all
}
