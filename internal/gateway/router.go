package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/observability/telemetry"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/tenant"
)

// HandlerFunc processes one inbound CALL. The returned value is marshalled
// into the CALLRESULT payload; a non-nil *wire.Error yields a CALLERROR
// instead.
type HandlerFunc func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, *wire.Error)

type handlerKey struct {
	version wire.Version
	action  string
}

// Router dispatches decoded frames: inbound CALLs go to registered
// handlers, CALLRESULT/CALLERROR frames resolve the session's pending
// correlation entries. It also originates server-side CALLs.
type Router struct {
	handlers    map[handlerKey]HandlerFunc
	manager     *Manager
	callTimeout time.Duration
	log         *zap.Logger
}

func NewRouter(manager *Manager, callTimeout time.Duration, log *zap.Logger) *Router {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Router{
		handlers:    make(map[handlerKey]HandlerFunc),
		manager:     manager,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Register binds a handler to (version, action). Later registrations for
// the same key replace earlier ones.
func (r *Router) Register(v wire.Version, action string, h HandlerFunc) {
	r.handlers[handlerKey{version: v, action: action}] = h
}

// HandleRaw processes one raw inbound message on a session. Inbound CALLs
// from a single station are handled in arrival order because each
// connection's read loop calls this sequentially.
func (r *Router) HandleRaw(ctx context.Context, sess *Session, data []byte) {
	ctx = tenant.WithID(ctx, sess.TenantID)
	sess.TouchReceived(time.Now())

	frame, decodeErr := wire.Decode(data, sess.Version)
	if decodeErr != nil {
		r.log.Warn("malformed frame",
			zap.String("station_id", sess.StationID),
			zap.String("tenant_id", sess.TenantID),
			zap.String("code", string(decodeErr.Code)),
			zap.String("reason", decodeErr.Description))
		id := bestEffortMessageID(data)
		if id == "" {
			id = "-1"
		}
		r.reply(sess, wire.NewCallError(id, decodeErr, sess.Version))
		return
	}

	switch frame.MessageTypeID {
	case wire.Call:
		r.handleCall(ctx, sess, frame)
	case wire.CallResult:
		if !sess.completePending(frame.MessageID, CallOutcome{Payload: frame.Payload}) {
			r.log.Warn("call result for unknown message id",
				zap.String("station_id", sess.StationID),
				zap.String("message_id", frame.MessageID))
		}
	case wire.CallError:
		outcome := CallOutcome{OcppErr: &wire.Error{
			Code:        frame.ErrorCode,
			Description: frame.ErrorDescription,
			Details:     frame.ErrorDetails,
		}}
		if !sess.completePending(frame.MessageID, outcome) {
			r.log.Warn("call error for unknown message id",
				zap.String("station_id", sess.StationID),
				zap.String("message_id", frame.MessageID))
		}
	}
}

func (r *Router) handleCall(ctx context.Context, sess *Session, frame *wire.Frame) {
	telemetry.OCPPMessagesTotal.WithLabelValues(frame.Action, "inbound").Inc()

	h, ok := r.handlers[handlerKey{version: sess.Version, action: frame.Action}]
	if !ok {
		r.reply(sess, wire.NewCallError(frame.MessageID,
			wire.NewError(wire.CodeNotImplemented, fmt.Sprintf("action %s not implemented", frame.Action)),
			sess.Version))
		return
	}

	result, ocppErr := r.invoke(ctx, sess, frame, h)
	if ocppErr != nil {
		r.reply(sess, wire.NewCallError(frame.MessageID, ocppErr, sess.Version))
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		r.log.Error("marshalling call result",
			zap.String("action", frame.Action),
			zap.Error(err))
		r.reply(sess, wire.NewCallError(frame.MessageID,
			wire.NewError(wire.CodeInternalError, "failed to encode response"), sess.Version))
		return
	}
	r.reply(sess, wire.NewCallResult(frame.MessageID, payload, sess.Version))

	if frame.Action == "Heartbeat" {
		r.manager.Heartbeat(ctx, sess, time.Now())
	}
}

// invoke runs a handler, converting panics into InternalError so one bad
// payload cannot take the read loop down.
func (r *Router) invoke(ctx context.Context, sess *Session, frame *wire.Frame, h HandlerFunc) (result interface{}, ocppErr *wire.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic",
				zap.String("station_id", sess.StationID),
				zap.String("action", frame.Action),
				zap.Any("panic", rec))
			result = nil
			ocppErr = wire.NewError(wire.CodeInternalError, "internal error")
		}
	}()
	return h(ctx, sess, frame.Payload)
}

func (r *Router) reply(sess *Session, frame *wire.Frame) {
	if err := sess.Send(frame); err != nil {
		r.log.Warn("writing response",
			zap.String("station_id", sess.StationID),
			zap.Error(err))
	}
}

// Call sends a server-initiated CALL on the session and blocks until the
// station responds, the call times out, the session closes, or the context
// is cancelled. A CALLERROR from the station is returned as *wire.Error.
func (r *Router) Call(ctx context.Context, sess *Session, action string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", action, err)
	}

	messageID := uuid.New().String()
	started := time.Now()
	pending, err := sess.registerPending(messageID, action, body, started)
	if err != nil {
		return nil, err
	}
	telemetry.OCPPMessagesTotal.WithLabelValues(action, "outbound").Inc()
	defer func() {
		telemetry.OCPPCallDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
	}()

	if err := sess.Send(wire.NewCall(messageID, action, body, sess.Version)); err != nil {
		sess.dropPending(messageID)
		return nil, fmt.Errorf("sending %s to %s: %w", action, sess.StationID, err)
	}

	timer := time.NewTimer(r.callTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pending.done:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		if outcome.OcppErr != nil {
			return nil, outcome.OcppErr
		}
		return outcome.Payload, nil
	case <-timer.C:
		sess.dropPending(messageID)
		return nil, domain.ErrCallTimeout
	case <-ctx.Done():
		sess.dropPending(messageID)
		return nil, ctx.Err()
	}
}

// CallStation resolves the live session for a station and issues the CALL.
// Stations without a session report ErrStationOffline.
func (r *Router) CallStation(ctx context.Context, tenantID, stationID, action string, payload interface{}) (json.RawMessage, error) {
	sess, ok := r.manager.Find(tenantID, stationID)
	if !ok || !sess.Open() {
		return nil, domain.ErrStationOffline
	}
	return r.Call(ctx, sess, action, payload)
}

// IsOffline reports whether an error from CallStation means the station has
// no live connection.
func IsOffline(err error) bool {
	return errors.Is(err, domain.ErrStationOffline)
}

// bestEffortMessageID extracts the message id from a frame that failed
// strict decoding so the CALLERROR can still correlate.
func bestEffortMessageID(data []byte) string {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil || len(elems) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return ""
	}
	return id
}
