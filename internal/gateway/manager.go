package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/observability/telemetry"
	"github.com/voltgrid/csms/internal/ocpp/wire"
)

const (
	// DefaultCallTimeout bounds how long a server-initiated CALL waits
	// for the station's response.
	DefaultCallTimeout = 300 * time.Second

	// DefaultReapInterval is how often the manager sweeps stale pending
	// calls and dead sessions.
	DefaultReapInterval = 60 * time.Second
)

// Presence receives station connectivity changes so the station registry
// can track online state without the manager knowing about persistence.
type Presence interface {
	StationConnected(ctx context.Context, tenantID, stationID string, version wire.Version, at time.Time)
	StationDisconnected(ctx context.Context, tenantID, stationID string, at time.Time)
	StationHeartbeat(ctx context.Context, tenantID, stationID string, at time.Time)
}

// NopPresence discards connectivity events.
type NopPresence struct{}

func (NopPresence) StationConnected(context.Context, string, string, wire.Version, time.Time) {}
func (NopPresence) StationDisconnected(context.Context, string, string, time.Time)            {}
func (NopPresence) StationHeartbeat(context.Context, string, string, time.Time)               {}

type stationKey struct {
	tenantID  string
	stationID string
}

// Manager owns the set of live station sessions. A station identity
// (tenant, station) maps to at most one session; a second connection for
// the same identity supersedes the first.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byStation map[stationKey]*Session

	presence    Presence
	callTimeout time.Duration
	log         *zap.Logger
}

func NewManager(presence Presence, callTimeout time.Duration, log *zap.Logger) *Manager {
	if presence == nil {
		presence = NopPresence{}
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Manager{
		byID:        make(map[string]*Session),
		byStation:   make(map[stationKey]*Session),
		presence:    presence,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Register adds a session. An existing session for the same station
// identity is closed first; the newest connection wins.
func (m *Manager) Register(ctx context.Context, sess *Session) {
	key := stationKey{tenantID: sess.TenantID, stationID: sess.StationID}

	m.mu.Lock()
	old := m.byStation[key]
	m.byStation[key] = sess
	m.byID[sess.ID] = sess
	if old != nil {
		delete(m.byID, old.ID)
	}
	m.mu.Unlock()

	if old != nil {
		m.log.Info("superseding duplicate station connection",
			zap.String("station_id", sess.StationID),
			zap.String("tenant_id", sess.TenantID),
			zap.String("old_session", old.ID))
		old.CloseSession(CloseNormal, "superseded by new connection")
	}

	telemetry.ConnectedStations.WithLabelValues(string(sess.Version)).Inc()
	if old != nil {
		telemetry.ConnectedStations.WithLabelValues(string(old.Version)).Dec()
	}
	m.presence.StationConnected(ctx, sess.TenantID, sess.StationID, sess.Version, sess.ConnectedAt)
	m.log.Info("station session registered",
		zap.String("session_id", sess.ID),
		zap.String("station_id", sess.StationID),
		zap.String("tenant_id", sess.TenantID),
		zap.String("ocpp_version", string(sess.Version)),
		zap.String("client_ip", sess.ClientIP))
}

// Unregister removes a session and closes it. A session that was already
// superseded is ignored so the replacement survives.
func (m *Manager) Unregister(ctx context.Context, sess *Session) {
	key := stationKey{tenantID: sess.TenantID, stationID: sess.StationID}

	m.mu.Lock()
	current, ok := m.byID[sess.ID]
	if ok {
		delete(m.byID, sess.ID)
		if m.byStation[key] == current {
			delete(m.byStation, key)
		}
	}
	m.mu.Unlock()

	sess.CloseSession(CloseNormal, "session closed")
	if !ok {
		return
	}

	telemetry.ConnectedStations.WithLabelValues(string(sess.Version)).Dec()
	m.presence.StationDisconnected(ctx, sess.TenantID, sess.StationID, time.Now())
	m.log.Info("station session unregistered",
		zap.String("session_id", sess.ID),
		zap.String("station_id", sess.StationID),
		zap.String("tenant_id", sess.TenantID))
}

// Get looks a session up by its id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// Find returns the live session for a station, if any.
func (m *Manager) Find(tenantID, stationID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byStation[stationKey{tenantID: tenantID, stationID: stationID}]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Heartbeat records a heartbeat on the session and forwards it to the
// presence sink.
func (m *Manager) Heartbeat(ctx context.Context, sess *Session, at time.Time) {
	sess.TouchHeartbeat(at)
	m.presence.StationHeartbeat(ctx, sess.TenantID, sess.StationID, at)
}

// ReapOnce sweeps every session: pending CALLs older than the call timeout
// resolve with a timeout error, and sessions whose transport died are
// unregistered. Returns (expired calls, removed sessions).
func (m *Manager) ReapOnce(ctx context.Context, now time.Time) (int, int) {
	cutoff := now.Add(-m.callTimeout)
	var expired, removed int
	for _, s := range m.Sessions() {
		if n := s.expirePending(cutoff); n > 0 {
			expired += n
			m.log.Warn("expired pending calls",
				zap.String("station_id", s.StationID),
				zap.String("tenant_id", s.TenantID),
				zap.Int("count", n))
		}
		if !s.Open() {
			m.Unregister(ctx, s)
			removed++
		}
	}
	return expired, removed
}

// Reap runs the sweep on the given interval until the context is done.
func (m *Manager) Reap(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.ReapOnce(ctx, now)
		}
	}
}

// CloseAll disconnects every session, e.g. on shutdown.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	for _, s := range m.Sessions() {
		s.CloseSession(CloseNormal, reason)
		m.Unregister(ctx, s)
	}
}

// Stats summarises the live session set for diagnostics endpoints.
type Stats struct {
	Sessions     int            `json:"sessions"`
	ByVersion    map[string]int `json:"byVersion"`
	ByTenant     map[string]int `json:"byTenant"`
	PendingCalls int            `json:"pendingCalls"`
}

// Snapshot computes current session statistics.
func (m *Manager) Snapshot() Stats {
	st := Stats{ByVersion: make(map[string]int), ByTenant: make(map[string]int)}
	for _, s := range m.Sessions() {
		st.Sessions++
		st.ByVersion[string(s.Version)]++
		st.ByTenant[s.TenantID]++
		st.PendingCalls += s.PendingCount()
	}
	return st
}
