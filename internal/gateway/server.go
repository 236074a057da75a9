package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/tenant"
)

// WebSocket close codes sent to stations.
const (
	CloseNormal          = websocket.CloseNormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// Subprotocols negotiated during the WebSocket handshake.
const (
	SubprotocolV16  = "ocpp1.6"
	SubprotocolV201 = "ocpp2.0.1"
)

// Server terminates station WebSocket connections. OCPP 1.6 stations
// connect on /ocpp/{stationId}, OCPP 2.0.1 on /ocpp2/{stationId}.
type Server struct {
	manager   *Manager
	router    *Router
	resolver  *tenant.Resolver
	validator *tenant.Validator
	upgrader  websocket.Upgrader
	log       *zap.Logger

	httpServer   *http.Server
	pingInterval time.Duration
	readTimeout  time.Duration
}

func NewServer(manager *Manager, router *Router, resolver *tenant.Resolver, validator *tenant.Validator, log *zap.Logger) *Server {
	return &Server{
		manager:   manager,
		router:    router,
		resolver:  resolver,
		validator: validator,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{SubprotocolV16, SubprotocolV201},
		},
		log:          log,
		pingInterval: 30 * time.Second,
		readTimeout:  90 * time.Second,
	}
}

// Start listens on the given port until Shutdown is called.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ocpp/", func(w http.ResponseWriter, r *http.Request) {
		s.handleConnect(w, r, "/ocpp/", wire.V16)
	})
	mux.HandleFunc("/ocpp2/", func(w http.ResponseWriter, r *http.Request) {
		s.handleConnect(w, r, "/ocpp2/", wire.V201)
	})

	s.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	s.log.Info("starting OCPP gateway", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every station session and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.CloseAll(ctx, "server shutting down")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, prefix string, version wire.Version) {
	stationID := strings.TrimPrefix(r.URL.Path, prefix)
	if err := domain.ValidateStationID(stationID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed",
			zap.String("station_id", stationID),
			zap.Error(err))
		return
	}

	tenantID, err := s.resolveTenant(r)
	if err != nil {
		s.log.Warn("rejecting station connection",
			zap.String("station_id", stationID),
			zap.Error(err))
		s.refuse(conn, ClosePolicyViolation, "tenant rejected")
		return
	}

	sess := NewSession(
		uuid.New().String(),
		stationID,
		tenantID,
		version,
		clientIP(r),
		&wsConn{conn: conn},
		time.Now(),
	)

	ctx := tenant.WithID(r.Context(), tenantID)
	s.manager.Register(ctx, sess)
	s.readLoop(sess, conn)
}

// resolveTenant maps the handshake request to an active tenant. Stations
// are machines so the JWT and path strategies of the HTTP edge do not
// apply here.
func (s *Server) resolveTenant(r *http.Request) (string, error) {
	query := r.URL.Query().Get("tenantId")
	if query == "" {
		query = r.URL.Query().Get("tenant")
	}
	code, err := s.resolver.Resolve(r.Context(), tenant.Request{
		Header: r.Header.Get("X-Tenant-ID"),
		Query:  query,
		Host:   r.Host,
		Path:   r.URL.Path,
	})
	if err != nil {
		return "", err
	}
	t, err := s.validator.ValidateCurrent(tenant.WithID(r.Context(), code))
	if err != nil {
		return "", err
	}
	return t.Code, nil
}

func (s *Server) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readLoop pumps inbound frames into the router until the connection dies.
// Pings keep NAT mappings alive; a pong extends the read deadline.
func (s *Server) readLoop(sess *Session, conn *websocket.Conn) {
	// Detach so the session outlives the handshake request context.
	ctx := tenant.Detach(tenant.WithID(context.Background(), sess.TenantID))
	defer s.manager.Unregister(ctx, sess)

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		sess.TouchReceived(time.Now())
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(conn, stopPing)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error",
					zap.String("station_id", sess.StationID),
					zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.router.HandleRaw(ctx, sess, message)
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// wsConn adapts a gorilla connection to the session transport. Writes are
// already serialised by the session's write mutex.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

func (c *wsConn) IsOpen() bool {
	// gorilla has no liveness probe; a zero-byte control write detects a
	// torn connection without touching the data stream.
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	return err == nil
}
