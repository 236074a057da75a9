package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/tenant"
)

func decodeWritten(t *testing.T, conn *fakeConn, v wire.Version) []*wire.Frame {
	t.Helper()
	var frames []*wire.Frame
	for _, raw := range conn.written() {
		f, ocppErr := wire.Decode(raw, v)
		if ocppErr != nil {
			t.Fatalf("server wrote malformed frame %s: %v", raw, ocppErr)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestRouter_DispatchesCallToHandler(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	var gotTenant string
	r.Register(wire.V16, "Authorize", func(ctx context.Context, _ *Session, payload json.RawMessage) (interface{}, *wire.Error) {
		gotTenant, _ = tenant.ID(ctx)
		return map[string]interface{}{"idTagInfo": map[string]string{"status": "Accepted"}}, nil
	})

	r.HandleRaw(context.Background(), sess, []byte(`[2,"42","Authorize",{"idTag":"RFID-1"}]`))

	if gotTenant != "t1" {
		t.Errorf("handler context must carry the session tenant, got %q", gotTenant)
	}
	frames := decodeWritten(t, conn, wire.V16)
	if len(frames) != 1 || frames[0].MessageTypeID != wire.CallResult || frames[0].MessageID != "42" {
		t.Fatalf("expected one CALLRESULT for id 42, got %+v", frames)
	}
}

func TestRouter_UnknownActionRepliesNotImplemented(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	r.HandleRaw(context.Background(), sess, []byte(`[2,"7","NoSuchAction",{}]`))

	frames := decodeWritten(t, conn, wire.V16)
	if len(frames) != 1 || frames[0].MessageTypeID != wire.CallError {
		t.Fatalf("expected one CALLERROR, got %+v", frames)
	}
	if frames[0].ErrorCode != wire.CodeNotImplemented {
		t.Errorf("expected NotImplemented, got %q", frames[0].ErrorCode)
	}
}

func TestRouter_HandlersAreVersionScoped(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	r.Register(wire.V201, "TransactionEvent", func(context.Context, *Session, json.RawMessage) (interface{}, *wire.Error) {
		return map[string]string{}, nil
	})
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	r.HandleRaw(context.Background(), sess, []byte(`[2,"1","TransactionEvent",{}]`))

	frames := decodeWritten(t, conn, wire.V16)
	if frames[0].ErrorCode != wire.CodeNotImplemented {
		t.Errorf("a 2.0.1 handler must not serve a 1.6 session, got %q", frames[0].ErrorCode)
	}
}

func TestRouter_MalformedFrameGetsVersionedErrorCode(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())

	s16, c16 := newTestSession("s1", "CP-001", "t1", wire.V16)
	r.HandleRaw(context.Background(), s16, []byte(`[2,"id"]`))
	if f := decodeWritten(t, c16, wire.V16); f[0].ErrorCode != wire.CodeFormationViolation {
		t.Errorf("1.6: expected FormationViolation, got %q", f[0].ErrorCode)
	}

	s201, c201 := newTestSession("s2", "CP-002", "t1", wire.V201)
	r.HandleRaw(context.Background(), s201, []byte(`[2,"id"]`))
	if f := decodeWritten(t, c201, wire.V201); f[0].ErrorCode != wire.CodeFormatViolation {
		t.Errorf("2.0.1: expected FormatViolation, got %q", f[0].ErrorCode)
	}
}

func TestRouter_HandlerPanicBecomesInternalError(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	r.Register(wire.V16, "Boom", func(context.Context, *Session, json.RawMessage) (interface{}, *wire.Error) {
		panic("handler bug")
	})
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	r.HandleRaw(context.Background(), sess, []byte(`[2,"9","Boom",{}]`))

	frames := decodeWritten(t, conn, wire.V16)
	if frames[0].MessageTypeID != wire.CallError || frames[0].ErrorCode != wire.CodeInternalError {
		t.Fatalf("expected InternalError CALLERROR, got %+v", frames[0])
	}
}

func TestRouter_HeartbeatRefreshesPresence(t *testing.T) {
	rec := &presenceRecorder{}
	m := NewManager(rec, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	r.Register(wire.V16, "Heartbeat", func(context.Context, *Session, json.RawMessage) (interface{}, *wire.Error) {
		return map[string]string{"currentTime": time.Now().UTC().Format(time.RFC3339)}, nil
	})
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)
	before := sess.LastHeartbeat()

	time.Sleep(5 * time.Millisecond)
	r.HandleRaw(context.Background(), sess, []byte(`[2,"1","Heartbeat",{}]`))

	if !sess.LastHeartbeat().After(before) {
		t.Error("heartbeat must advance the session's liveness clock")
	}
	if rec.heartbeats != 1 {
		t.Errorf("expected presence heartbeat, got %d", rec.heartbeats)
	}
}

func TestRouter_CallCorrelatesResult(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, 2*time.Second, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)
	m.Register(context.Background(), sess)

	type resetResp struct {
		Status string `json:"status"`
	}
	done := make(chan struct{})
	var payload json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		payload, callErr = r.Call(context.Background(), sess, "Reset", map[string]string{"type": "Soft"})
	}()

	// Wait for the CALL to hit the wire, then answer it.
	var call *wire.Frame
	deadline := time.Now().Add(time.Second)
	for call == nil {
		if time.Now().After(deadline) {
			t.Fatal("CALL was never written")
		}
		for _, f := range decodeWritten(t, conn, wire.V16) {
			if f.MessageTypeID == wire.Call {
				call = f
			}
		}
		time.Sleep(time.Millisecond)
	}
	if call.Action != "Reset" {
		t.Fatalf("expected Reset CALL, got %q", call.Action)
	}
	r.HandleRaw(context.Background(), sess, []byte(`[3,"`+call.MessageID+`",{"status":"Accepted"}]`))
	<-done

	if callErr != nil {
		t.Fatalf("call failed: %v", callErr)
	}
	var resp resetResp
	if err := json.Unmarshal(payload, &resp); err != nil || resp.Status != "Accepted" {
		t.Errorf("unexpected response %s (%v)", payload, err)
	}
	if sess.PendingCount() != 0 {
		t.Errorf("correlation entry must be removed, %d left", sess.PendingCount())
	}
}

func TestRouter_CallSurfacesStationError(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, 2*time.Second, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	done := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), sess, "UnlockConnector", map[string]int{"connectorId": 1})
		done <- err
	}()

	var call *wire.Frame
	deadline := time.Now().Add(time.Second)
	for call == nil && time.Now().Before(deadline) {
		for _, f := range decodeWritten(t, conn, wire.V16) {
			if f.MessageTypeID == wire.Call {
				call = f
			}
		}
		time.Sleep(time.Millisecond)
	}
	r.HandleRaw(context.Background(), sess, []byte(`[4,"`+call.MessageID+`","NotSupported","no unlock",{}]`))

	err := <-done
	var ocppErr *wire.Error
	if !errors.As(err, &ocppErr) || ocppErr.Code != wire.CodeNotSupported {
		t.Fatalf("expected NotSupported wire error, got %v", err)
	}
}

func TestRouter_CallTimesOut(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, 20*time.Millisecond, zap.NewNop())
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)

	_, err := r.Call(context.Background(), sess, "Reset", map[string]string{"type": "Hard"})

	if !errors.Is(err, domain.ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout, got %v", err)
	}
	if sess.PendingCount() != 0 {
		t.Errorf("timed out call must not leak, %d pending", sess.PendingCount())
	}
}

func TestRouter_CallStationOffline(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())

	_, err := r.CallStation(context.Background(), "t1", "CP-404", "Reset", map[string]string{"type": "Soft"})

	if !errors.Is(err, domain.ErrStationOffline) {
		t.Fatalf("expected ErrStationOffline, got %v", err)
	}
}

func TestRouter_CallCancelledOnSessionClose(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, 5*time.Second, zap.NewNop())
	sess, _ := newTestSession("s1", "CP-001", "t1", wire.V16)

	done := make(chan error, 1)
	go func() {
		_, err := r.Call(context.Background(), sess, "Reset", map[string]string{"type": "Soft"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sess.CloseSession(CloseNormal, "test")

	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrCallCancelled) {
			t.Fatalf("expected ErrCallCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call did not unblock on session close")
	}
}

func TestRouter_ResultForUnknownIDIsIgnored(t *testing.T) {
	m := NewManager(nil, 0, zap.NewNop())
	r := NewRouter(m, time.Second, zap.NewNop())
	sess, conn := newTestSession("s1", "CP-001", "t1", wire.V16)

	r.HandleRaw(context.Background(), sess, []byte(`[3,"never-sent",{"status":"Accepted"}]`))

	if n := len(conn.written()); n != 0 {
		t.Errorf("stray CALLRESULT must not produce a reply, got %d frames", n)
	}
}
