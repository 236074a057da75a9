package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ocpp/wire"
)

// Conn abstracts the WebSocket transport under a session so the manager
// and router can be exercised without a network.
type Conn interface {
	WriteText(data []byte) error
	Close(code int, reason string) error
	IsOpen() bool
}

// CallOutcome resolves an outbound CALL: exactly one of Payload, OcppErr
// or Err is meaningful.
type CallOutcome struct {
	Payload json.RawMessage
	OcppErr *wire.Error
	Err     error
}

// pendingCall tracks one server-initiated CALL awaiting its response.
type pendingCall struct {
	MessageID  string
	Action     string
	Payload    json.RawMessage
	SentAt     time.Time
	RetryCount int
	done       chan CallOutcome
}

func (p *pendingCall) complete(outcome CallOutcome) {
	select {
	case p.done <- outcome:
	default: // already completed
	}
}

// Session is the server-side state of one station connection. Identity
// fields are immutable for the session's lifetime; the pending map holds
// the correlation state for server-initiated CALLs.
type Session struct {
	ID          string
	StationID   string
	TenantID    string
	Version     wire.Version
	ClientIP    string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex // outbound frames must not interleave on the wire

	mu                  sync.RWMutex
	lastHeartbeat       time.Time
	lastMessageSent     time.Time
	lastMessageReceived time.Time
	authenticated       bool
	bootStatus          string
	messageCounter      int64
	pending             map[string]*pendingCall
	closed              bool
}

// NewSession wraps an accepted connection.
func NewSession(id, stationID, tenantID string, version wire.Version, clientIP string, conn Conn, now time.Time) *Session {
	return &Session{
		ID:            id,
		StationID:     stationID,
		TenantID:      tenantID,
		Version:       version,
		ClientIP:      clientIP,
		ConnectedAt:   now,
		conn:          conn,
		lastHeartbeat: now,
		pending:       make(map[string]*pendingCall),
	}
}

// Send frames and writes a message, serialising writers.
func (s *Session) Send(frame *wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteText(data); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastMessageSent = time.Now()
	s.messageCounter++
	s.mu.Unlock()
	return nil
}

// TouchReceived records an inbound message.
func (s *Session) TouchReceived(at time.Time) {
	s.mu.Lock()
	s.lastMessageReceived = at
	s.messageCounter++
	s.mu.Unlock()
}

// TouchHeartbeat records a heartbeat.
func (s *Session) TouchHeartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat instant.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// HeartbeatExpired reports whether the session has been silent longer than
// the timeout. Closing expired sessions is the caller's policy, not the
// session's.
func (s *Session) HeartbeatExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat()) > timeout
}

// SetAuthenticated marks handshake authentication.
func (s *Session) SetAuthenticated(v bool) {
	s.mu.Lock()
	s.authenticated = v
	s.mu.Unlock()
}

// SetBootStatus records the latest BootNotification status.
func (s *Session) SetBootStatus(status string) {
	s.mu.Lock()
	s.bootStatus = status
	s.mu.Unlock()
}

// BootStatus returns the latest BootNotification status.
func (s *Session) BootStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootStatus
}

// MessageCount returns the total messages exchanged on this session.
func (s *Session) MessageCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageCounter
}

// Open reports whether the transport is still usable.
func (s *Session) Open() bool {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	return !closed && s.conn.IsOpen()
}

// registerPending records an outbound CALL awaiting a response.
func (s *Session) registerPending(messageID, action string, payload json.RawMessage, at time.Time) (*pendingCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrCallCancelled
	}
	p := &pendingCall{
		MessageID: messageID,
		Action:    action,
		Payload:   payload,
		SentAt:    at,
		done:      make(chan CallOutcome, 1),
	}
	s.pending[messageID] = p
	return p, nil
}

// completePending resolves an outstanding CALL by MessageID. Returns false
// when the id is unknown; stations are not permitted to invent ids.
func (s *Session) completePending(messageID string, outcome CallOutcome) bool {
	s.mu.Lock()
	p, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	p.complete(outcome)
	return true
}

// dropPending removes a pending entry without resolving its future (the
// caller already consumed the outcome, e.g. on context cancellation).
func (s *Session) dropPending(messageID string) {
	s.mu.Lock()
	delete(s.pending, messageID)
	s.mu.Unlock()
}

// expirePending completes every pending CALL older than the cutoff with a
// timeout and returns how many were expired.
func (s *Session) expirePending(cutoff time.Time) int {
	s.mu.Lock()
	var expired []*pendingCall
	for id, p := range s.pending {
		if p.SentAt.Before(cutoff) {
			expired = append(expired, p)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()
	for _, p := range expired {
		p.complete(CallOutcome{Err: domain.ErrCallTimeout})
	}
	return len(expired)
}

// PendingCount returns the number of in-flight outbound CALLs.
func (s *Session) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// CloseSession tears the session down: the transport is closed and every
// outstanding future resolves with ErrCallCancelled. Idempotent.
func (s *Session) CloseSession(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancelled := make([]*pendingCall, 0, len(s.pending))
	for _, p := range s.pending {
		cancelled = append(cancelled, p)
	}
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, p := range cancelled {
		p.complete(CallOutcome{Err: domain.ErrCallCancelled})
	}
	_ = s.conn.Close(code, reason)
}
