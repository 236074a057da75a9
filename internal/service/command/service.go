// Package command synthesises server-initiated OCPP calls: remote
// start/stop, reset, unlock, availability and message triggers. Each
// command is framed per the station's negotiated protocol version.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/domain"
	"github.com/voltgrid/csms/internal/gateway"
	v16 "github.com/voltgrid/csms/internal/ocpp/v16"
	v201 "github.com/voltgrid/csms/internal/ocpp/v201"
	"github.com/voltgrid/csms/internal/ocpp/wire"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/charging"
	"github.com/voltgrid/csms/internal/tenant"
)

var _ ports.CommandService = (*Service)(nil)

// Service issues commands toward live station sessions.
type Service struct {
	manager  *gateway.Manager
	router   *gateway.Router
	sessions ports.SessionRepository
	cache    ports.Cache
	log      *zap.Logger
	now      func() time.Time
}

func NewService(manager *gateway.Manager, router *gateway.Router, sessions ports.SessionRepository, cache ports.Cache, log *zap.Logger) *Service {
	return &Service{
		manager:  manager,
		router:   router,
		sessions: sessions,
		cache:    cache,
		log:      log,
		now:      time.Now,
	}
}

// RemoteStartTTL bounds how long a synthesised session waits for the
// station's StartTransaction before the connector key expires.
const RemoteStartTTL = 5 * time.Minute

// live resolves the station's connection within the current tenant.
func (s *Service) live(ctx context.Context, stationID string) (*gateway.Session, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	sess, ok := s.manager.Find(tenantID, stationID)
	if !ok || !sess.Open() {
		return nil, domain.ErrStationOffline
	}
	return sess, nil
}

// RemoteStart asks the station to begin charging. A placeholder session
// is synthesised first so the eventual StartTransaction can attach to it;
// a rejected command fails the placeholder immediately.
func (s *Service) RemoteStart(ctx context.Context, stationID string, connectorID int, idTag string) (*domain.ChargingSession, error) {
	sess, err := s.live(ctx, stationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	placeholder := &domain.ChargingSession{
		SessionUUID: uuid.New().String(),
		StationID:   stationID,
		ConnectorID: connectorID,
		Status:      domain.SessionPending,
		IdTag:       idTag,
		OCPPVersion: domain.OCPPVersion(sess.Version),
	}
	if err := placeholder.Transition(domain.SessionAuthorizing, "remote start requested", now); err != nil {
		return nil, err
	}
	if err := placeholder.Transition(domain.SessionAuthorized, "remote start authorized", now); err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, placeholder); err != nil {
		return nil, fmt.Errorf("creating remote session: %w", err)
	}

	status, err := s.sendRemoteStart(ctx, sess, connectorID, idTag)
	if err != nil {
		s.failSession(ctx, placeholder, "remote start delivery failed")
		return nil, err
	}
	if status != "Accepted" {
		s.failSession(ctx, placeholder, "remote start rejected by station")
		return nil, fmt.Errorf("%w: station answered %s", domain.ErrValidation, status)
	}

	// 1.6 stations answer with a plain StartTransaction, so the connector
	// key is the only way the incoming start finds this session.
	if s.cache != nil {
		tenantID, _ := tenant.Require(ctx)
		key := charging.RemoteStartKey(tenantID, stationID, connectorID)
		if err := s.cache.Set(ctx, key, placeholder.SessionUUID, RemoteStartTTL); err != nil {
			s.log.Warn("storing remote start key", zap.String("key", key), zap.Error(err))
		}
	}

	s.log.Info("remote start accepted",
		zap.String("station_id", stationID),
		zap.Int("connector_id", connectorID),
		zap.String("session_uuid", placeholder.SessionUUID))
	return placeholder, nil
}

func (s *Service) sendRemoteStart(ctx context.Context, sess *gateway.Session, connectorID int, idTag string) (string, error) {
	switch sess.Version {
	case wire.V201:
		resp, err := s.router.Call(ctx, sess, "RequestStartTransaction", v201.RequestStartTransactionRequest{
			EvseId:        &connectorID,
			RemoteStartId: int(s.now().Unix()),
			IdToken:       v201.IdToken{IdToken: idTag, Type: "Central"},
		})
		if err != nil {
			return "", err
		}
		var out v201.RequestStartTransactionResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", fmt.Errorf("decoding RequestStartTransaction response: %w", err)
		}
		return out.Status, nil
	default:
		resp, err := s.router.Call(ctx, sess, "RemoteStartTransaction", v16.RemoteStartTransactionRequest{
			ConnectorId: &connectorID,
			IdTag:       idTag,
		})
		if err != nil {
			return "", err
		}
		var out v16.RemoteStartTransactionResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", fmt.Errorf("decoding RemoteStartTransaction response: %w", err)
		}
		return out.Status, nil
	}
}

// RemoteStop asks the station to end the session's transaction. The
// session itself completes when the station's stop message arrives.
func (s *Service) RemoteStop(ctx context.Context, sessionUUID string) error {
	session, err := s.sessions.FindByUUID(ctx, sessionUUID)
	if err != nil {
		return err
	}
	if session == nil {
		return domain.ErrNotFound
	}
	if session.Status.IsTerminal() {
		return fmt.Errorf("%w: session already %s", domain.ErrInvalidSessionState, session.Status)
	}
	if session.TransactionID == nil {
		return fmt.Errorf("%w: session has no transaction yet", domain.ErrInvalidSessionState)
	}

	sess, err := s.live(ctx, session.StationID)
	if err != nil {
		return err
	}

	var status string
	switch sess.Version {
	case wire.V201:
		ref := session.TransactionRef
		if ref == "" {
			return fmt.Errorf("%w: session has no transaction reference", domain.ErrInvalidSessionState)
		}
		resp, err := s.router.Call(ctx, sess, "RequestStopTransaction", v201.RequestStopTransactionRequest{TransactionId: ref})
		if err != nil {
			return err
		}
		var out v201.RequestStopTransactionResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return fmt.Errorf("decoding RequestStopTransaction response: %w", err)
		}
		status = out.Status
	default:
		resp, err := s.router.Call(ctx, sess, "RemoteStopTransaction", v16.RemoteStopTransactionRequest{TransactionId: *session.TransactionID})
		if err != nil {
			return err
		}
		var out v16.RemoteStopTransactionResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return fmt.Errorf("decoding RemoteStopTransaction response: %w", err)
		}
		status = out.Status
	}

	if status != "Accepted" {
		return fmt.Errorf("%w: station answered %s", domain.ErrValidation, status)
	}
	s.log.Info("remote stop accepted",
		zap.String("station_id", session.StationID),
		zap.String("session_uuid", sessionUUID))
	return nil
}

// Reset reboots the station. hard maps to Hard/Immediate per version.
func (s *Service) Reset(ctx context.Context, stationID string, hard bool) (string, error) {
	sess, err := s.live(ctx, stationID)
	if err != nil {
		return "", err
	}

	switch sess.Version {
	case wire.V201:
		kind := "OnIdle"
		if hard {
			kind = "Immediate"
		}
		resp, err := s.router.Call(ctx, sess, "Reset", v201.ResetRequest{Type: kind})
		if err != nil {
			return "", err
		}
		var out v201.ResetResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	default:
		kind := "Soft"
		if hard {
			kind = "Hard"
		}
		resp, err := s.router.Call(ctx, sess, "Reset", v16.ResetRequest{Type: kind})
		if err != nil {
			return "", err
		}
		var out v16.ResetResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	}
}

// UnlockConnector releases a connector's cable lock.
func (s *Service) UnlockConnector(ctx context.Context, stationID string, connectorID int) (string, error) {
	sess, err := s.live(ctx, stationID)
	if err != nil {
		return "", err
	}

	switch sess.Version {
	case wire.V201:
		resp, err := s.router.Call(ctx, sess, "UnlockConnector", v201.UnlockConnectorRequest{EvseId: connectorID, ConnectorId: connectorID})
		if err != nil {
			return "", err
		}
		var out v201.UnlockConnectorResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	default:
		resp, err := s.router.Call(ctx, sess, "UnlockConnector", v16.UnlockConnectorRequest{ConnectorId: connectorID})
		if err != nil {
			return "", err
		}
		var out v16.UnlockConnectorResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	}
}

// ChangeAvailability toggles a connector (or whole station, connector 0)
// between operative and inoperative.
func (s *Service) ChangeAvailability(ctx context.Context, stationID string, connectorID int, operative bool) (string, error) {
	sess, err := s.live(ctx, stationID)
	if err != nil {
		return "", err
	}

	kind := "Inoperative"
	if operative {
		kind = "Operative"
	}

	switch sess.Version {
	case wire.V201:
		req := v201.ChangeAvailabilityRequest{OperationalStatus: kind}
		if connectorID > 0 {
			req.Evse = &v201.Evse{Id: connectorID, ConnectorId: connectorID}
		}
		resp, err := s.router.Call(ctx, sess, "ChangeAvailability", req)
		if err != nil {
			return "", err
		}
		var out v201.ChangeAvailabilityResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	default:
		resp, err := s.router.Call(ctx, sess, "ChangeAvailability", v16.ChangeAvailabilityRequest{ConnectorId: connectorID, Type: kind})
		if err != nil {
			return "", err
		}
		var out v16.ChangeAvailabilityResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	}
}

// TriggerMessage asks the station to send a specific message now.
func (s *Service) TriggerMessage(ctx context.Context, stationID, requested string, connectorID *int) (string, error) {
	sess, err := s.live(ctx, stationID)
	if err != nil {
		return "", err
	}

	switch sess.Version {
	case wire.V201:
		req := v201.TriggerMessageRequest{RequestedMessage: requested}
		if connectorID != nil {
			req.Evse = &v201.Evse{Id: *connectorID}
		}
		resp, err := s.router.Call(ctx, sess, "TriggerMessage", req)
		if err != nil {
			return "", err
		}
		var out v201.TriggerMessageResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	default:
		resp, err := s.router.Call(ctx, sess, "TriggerMessage", v16.TriggerMessageRequest{RequestedMessage: requested, ConnectorId: connectorID})
		if err != nil {
			return "", err
		}
		var out v16.TriggerMessageResponse
		if err := json.Unmarshal(resp, &out); err != nil {
			return "", err
		}
		return out.Status, nil
	}
}

func (s *Service) failSession(ctx context.Context, session *domain.ChargingSession, reason string) {
	if err := session.Transition(domain.SessionFailed, reason, s.now()); err != nil {
		return
	}
	if err := s.sessions.Update(ctx, session); err != nil {
		s.log.Warn("failing remote session",
			zap.String("session_uuid", session.SessionUUID),
			zap.Error(err))
	}
}
