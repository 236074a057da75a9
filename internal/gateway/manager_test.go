package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ocpp/wire"
)

// fakeConn is an in-memory transport capturing everything written.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
}

func (f *fakeConn) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

type presenceRecorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	heartbeats   int
}

func (p *presenceRecorder) StationConnected(_ context.Context, tenantID, stationID string, _ wire.Version, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, tenantID+"/"+stationID)
}

func (p *presenceRecorder) StationDisconnected(_ context.Context, tenantID, stationID string, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, tenantID+"/"+stationID)
}

func (p *presenceRecorder) StationHeartbeat(_ context.Context, _, _ string, _ time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
}

func newTestSession(id, stationID, tenantID string, v wire.Version) (*Session, *fakeConn) {
	conn := &fakeConn{}
	return NewSession(id, stationID, tenantID, v, "10.0.0.1", conn, time.Now()), conn
}

func TestManager_RegisterAndFind(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)

	m.Register(context.Background(), sess)

	found, ok := m.Find("t1", "CP-001")
	if !ok || found.ID != "s1" {
		t.Fatalf("expected session s1, got %v ok=%v", found, ok)
	}
	if _, ok := m.Find("t2", "CP-001"); ok {
		t.Error("station must not be visible under another tenant")
	}
}

func TestManager_DuplicateConnectionSupersedes(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	old, oldConn := newTestSession("s1", "CP-001", "t1", wire.V16)
	next, _ := newTestSession("s2", "CP-001", "t1", wire.V16)

	m.Register(context.Background(), old)
	m.Register(context.Background(), next)

	if oldConn.IsOpen() {
		t.Error("expected superseded connection to be closed")
	}
	found, _ := m.Find("t1", "CP-001")
	if found.ID != "s2" {
		t.Errorf("expected newest session to win, got %s", found.ID)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", m.Count())
	}
}

func TestManager_UnregisterIgnoresSuperseded(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	old, _ := newTestSession("s1", "CP-001", "t1", wire.V16)
	next, _ := newTestSession("s2", "CP-001", "t1", wire.V16)

	m.Register(context.Background(), old)
	m.Register(context.Background(), next)
	m.Unregister(context.Background(), old)

	if _, ok := m.Find("t1", "CP-001"); !ok {
		t.Error("unregistering the superseded session must not remove the replacement")
	}
}

func TestManager_PresenceCallbacks(t *testing.T) {
	rec := &presenceRecorder{}
	m := NewManager(rec, 0, zap.NewNop())
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V201)

	m.Register(context.Background(), sess)
	m.Heartbeat(context.Background(), sess, time.Now())
	m.Unregister(context.Background(), sess)

	if len(rec.connected) != 1 || rec.connected[0] != "t1/CP-001" {
		t.Errorf("unexpected connected events: %v", rec.connected)
	}
	if len(rec.disconnected) != 1 {
		t.Errorf("expected 1 disconnect, got %d", len(rec.disconnected))
	}
	if rec.heartbeats != 1 {
		t.Errorf("expected 1 heartbeat, got %d", rec.heartbeats)
	}
}

func TestManager_ReapExpiresStalePendingCalls(t *testing.T) {
	m := NewManager(nil, 300*time.Second, zap.NewNop())
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)
	m.Register(context.Background(), sess)

	stale, err := sess.registerPending("m1", "Reset", json.RawMessage(`{}`), time.Now().Add(-301*time.Second))
	if err != nil {
		t.Fatalf("register pending: %v", err)
	}
	fresh, err := sess.registerPending("m2", "Reset", json.RawMessage(`{}`), time.Now())
	if err != nil {
		t.Fatalf("register pending: %v", err)
	}

	expired, _ := m.ReapOnce(context.Background(), time.Now())

	if expired != 1 {
		t.Fatalf("expected 1 expired call, got %d", expired)
	}
	select {
	case outcome := <-stale.done:
		if !errors.Is(outcome.Err, domain.ErrCallTimeout) {
			t.Errorf("expected ErrCallTimeout, got %v", outcome.Err)
		}
	default:
		t.Error("stale call future was not resolved")
	}
	select {
	case <-fresh.done:
		t.Error("fresh call must not be expired")
	default:
	}
	if sess.PendingCount() != 1 {
		t.Errorf("expected 1 pending call left, got %d", sess.PendingCount())
	}
}

func TestManager_ReapRemovesDeadSessions(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)
	m.Register(context.Background(), sess)

	conn.closed = true
	_, removed := m.ReapOnce(context.Background(), time.Now())

	if removed != 1 {
		t.Fatalf("expected 1 removed session, got %d", removed)
	}
	if m.Count() != 0 {
		t.Errorf("expected empty manager, got %d sessions", m.Count())
	}
}

func TestSession_CloseCancelsPendingCalls(t *testing.T) {
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)
	p, err := sess.registerPending("m1", "Reset", json.RawMessage(`{}`), time.Now())
	if err != nil {
		t.Fatalf("register pending: %v", err)
	}

	sess.CloseSession(CloseNormal, "test")

	select {
	case outcome := <-p.done:
		if !errors.Is(outcome.Err, domain.ErrCallCancelled) {
			t.Errorf("expected ErrCallCancelled, got %v", outcome.Err)
		}
	default:
		t.Fatal("pending call was not cancelled on close")
	}

	if _, err := sess.registerPending("m2", "Reset", json.RawMessage(`{}`), time.Now()); !errors.Is(err, domain.ErrCallCancelled) {
		t.Errorf("expected registration on closed session to fail, got %v", err)
	}
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	s1, _ := newTestSession("s1", "CP-001", "t1", wire.V16)
	s2, _ := newTestSession("s2", "CP-002", "t1", wire.V201)
	s3, _ := newTestSession("s3", "CP-001", "t2", wire.V201)
	m.Register(context.Background(), s1)
	m.Register(context.Background(), s2)
	m.Register(context.Background(), s3)

	st := m.Snapshot()

	if st.Sessions != 3 {
		t.Errorf("expected 3 sessions, got %d", st.Sessions)
	}
	if st.ByVersion["1.6"] != 1 || st.ByVersion["2.0.1"] != 2 {
		t.Errorf("unexpected version split: %v", st.ByVersion)
	}
	if st.ByTenant["t1"] != 2 || st.ByTenant["t2"] != 1 {
		t.Errorf("unexpected tenant split: %v", st.ByTenant)
	}
}
