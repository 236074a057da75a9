package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/ocpp/v16"
	"github.com/voltgrid/csms/internal/ocpp/wire"
)

const callTimeout = 30 * time.Second

// Config carries the identity and behaviour of one simulated station.
type Config struct {
	ServerURL       string
	StationID       string
	Tenant          string
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	IdTag           string
	ConnectorCount  int
	PowerKw         float64
	MeterInterval   time.Duration
}

type connectorState struct {
	status        string
	transactionID *int
	idTag         string
	meterWh       int
	stopMeter     chan struct{}
}

// Simulator is a single simulated OCPP 1.6 charge point. It keeps one
// WebSocket to the gateway and correlates CALLRESULT frames back to
// their CALLs by message id.
type Simulator struct {
	cfg Config
	log *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Frame

	stateMu           sync.Mutex
	connectors        map[int]*connectorState
	heartbeatInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSimulator(cfg Config, log *zap.Logger) *Simulator {
	if cfg.ConnectorCount < 1 {
		cfg.ConnectorCount = 1
	}
	if cfg.MeterInterval <= 0 {
		cfg.MeterInterval = 30 * time.Second
	}
	connectors := make(map[int]*connectorState, cfg.ConnectorCount)
	for i := 1; i <= cfg.ConnectorCount; i++ {
		connectors[i] = &connectorState{status: "Available"}
	}
	return &Simulator{
		cfg:        cfg,
		log:        log,
		pending:    make(map[string]chan *wire.Frame),
		connectors: connectors,
		stopCh:     make(chan struct{}),
	}
}

// Connect dials the gateway, runs the boot sequence and starts the
// heartbeat loop.
func (s *Simulator) Connect() error {
	endpoint := strings.TrimRight(s.cfg.ServerURL, "/") + "/" + s.cfg.StationID

	header := http.Header{}
	if s.cfg.Tenant != "" {
		header.Set("X-Tenant-ID", s.cfg.Tenant)
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{"ocpp1.6"},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(endpoint, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	s.conn = conn
	s.log.Info("connected to gateway",
		zap.String("endpoint", endpoint),
		zap.String("subprotocol", conn.Subprotocol()))

	go s.readLoop()

	if err := s.bootSequence(); err != nil {
		conn.Close()
		return err
	}
	go s.heartbeatLoop()
	return nil
}

// Stop tears down all charging sessions and closes the connection.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.stateMu.Lock()
		for _, c := range s.connectors {
			if c.stopMeter != nil {
				close(c.stopMeter)
				c.stopMeter = nil
			}
		}
		s.stateMu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Simulator) bootSequence() error {
	var boot v16.BootNotificationResponse
	err := s.call("BootNotification", v16.BootNotificationRequest{
		ChargePointVendor:       s.cfg.Vendor,
		ChargePointModel:        s.cfg.Model,
		ChargePointSerialNumber: s.cfg.SerialNumber,
		FirmwareVersion:         s.cfg.FirmwareVersion,
	}, &boot)
	if err != nil {
		return fmt.Errorf("boot notification: %w", err)
	}
	if boot.Status != v16.RegistrationAccepted {
		return fmt.Errorf("boot rejected with status %s", boot.Status)
	}

	s.stateMu.Lock()
	s.heartbeatInterval = time.Duration(boot.Interval) * time.Second
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = 5 * time.Minute
	}
	s.stateMu.Unlock()

	s.log.Info("registered",
		zap.String("status", boot.Status),
		zap.Int("heartbeat_interval_s", boot.Interval))

	for id := 1; id <= s.cfg.ConnectorCount; id++ {
		s.sendStatus(id, "Available", "NoError")
	}
	return nil
}

func (s *Simulator) heartbeatLoop() {
	s.stateMu.Lock()
	interval := s.heartbeatInterval
	s.stateMu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

func (s *Simulator) sendHeartbeat() {
	var resp v16.HeartbeatResponse
	if err := s.call("Heartbeat", v16.HeartbeatRequest{}, &resp); err != nil {
		s.log.Warn("heartbeat failed", zap.Error(err))
		return
	}
	s.log.Debug("heartbeat", zap.String("server_time", resp.CurrentTime))
}

func (s *Simulator) sendStatus(connectorID int, status, errorCode string) {
	var resp v16.StatusNotificationResponse
	err := s.call("StatusNotification", v16.StatusNotificationRequest{
		ConnectorId: connectorID,
		Status:      status,
		ErrorCode:   errorCode,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, &resp)
	if err != nil {
		s.log.Warn("status notification failed", zap.Error(err))
		return
	}
	s.stateMu.Lock()
	if c, ok := s.connectors[connectorID]; ok {
		c.status = status
	}
	s.stateMu.Unlock()
}

// startCharging runs Authorize and StartTransaction, then keeps a meter
// loop going until stopCharging or a remote stop ends the session.
func (s *Simulator) startCharging(connectorID int, idTag string) {
	s.stateMu.Lock()
	c, ok := s.connectors[connectorID]
	if !ok || c.transactionID != nil {
		s.stateMu.Unlock()
		s.log.Warn("connector busy or unknown", zap.Int("connector", connectorID))
		return
	}
	meterStart := c.meterWh
	s.stateMu.Unlock()

	var auth v16.AuthorizeResponse
	if err := s.call("Authorize", v16.AuthorizeRequest{IdTag: idTag}, &auth); err != nil {
		s.log.Warn("authorize failed", zap.Error(err))
		return
	}
	if auth.IdTagInfo.Status != v16.AuthAccepted {
		s.log.Warn("authorization denied",
			zap.String("id_tag", idTag),
			zap.String("status", auth.IdTagInfo.Status))
		return
	}

	s.sendStatus(connectorID, "Preparing", "NoError")

	var start v16.StartTransactionResponse
	err := s.call("StartTransaction", v16.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}, &start)
	if err != nil {
		s.log.Warn("start transaction failed", zap.Error(err))
		s.sendStatus(connectorID, "Available", "NoError")
		return
	}
	if start.IdTagInfo.Status != v16.AuthAccepted {
		s.log.Warn("start transaction denied", zap.String("status", start.IdTagInfo.Status))
		s.sendStatus(connectorID, "Available", "NoError")
		return
	}

	stopMeter := make(chan struct{})
	s.stateMu.Lock()
	txID := start.TransactionId
	c.transactionID = &txID
	c.idTag = idTag
	c.stopMeter = stopMeter
	s.stateMu.Unlock()

	s.sendStatus(connectorID, "Charging", "NoError")
	s.log.Info("charging started",
		zap.Int("connector", connectorID),
		zap.Int("transaction_id", txID))

	go s.meterLoop(connectorID, txID, stopMeter)
}

// meterLoop advances the meter at the configured power and reports it.
func (s *Simulator) meterLoop(connectorID, transactionID int, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.MeterInterval)
	defer ticker.Stop()

	whPerTick := int(s.cfg.PowerKw * 1000 * s.cfg.MeterInterval.Hours())
	if whPerTick < 1 {
		whPerTick = 1
	}

	for {
		select {
		case <-stop:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.stateMu.Lock()
			c := s.connectors[connectorID]
			c.meterWh += whPerTick
			reading := c.meterWh
			s.stateMu.Unlock()
			s.sendMeterValues(connectorID, &transactionID, reading)
		}
	}
}

func (s *Simulator) sendMeterValues(connectorID int, transactionID *int, wh int) {
	var resp v16.MeterValuesResponse
	err := s.call("MeterValues", v16.MeterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: transactionID,
		MeterValue: []v16.MeterValue{{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			SampledValue: []v16.SampledValue{{
				Value:     strconv.Itoa(wh),
				Measurand: "Energy.Active.Import.Register",
				Unit:      "Wh",
			}},
		}},
	}, &resp)
	if err != nil {
		s.log.Warn("meter values failed", zap.Error(err))
	}
}

func (s *Simulator) stopCharging(connectorID int, reason string) {
	s.stateMu.Lock()
	c, ok := s.connectors[connectorID]
	if !ok || c.transactionID == nil {
		s.stateMu.Unlock()
		s.log.Warn("no active transaction", zap.Int("connector", connectorID))
		return
	}
	txID := *c.transactionID
	idTag := c.idTag
	meterStop := c.meterWh
	if c.stopMeter != nil {
		close(c.stopMeter)
		c.stopMeter = nil
	}
	c.transactionID = nil
	c.idTag = ""
	s.stateMu.Unlock()

	var resp v16.StopTransactionResponse
	err := s.call("StopTransaction", v16.StopTransactionRequest{
		TransactionId: txID,
		IdTag:         idTag,
		MeterStop:     meterStop,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Reason:        reason,
	}, &resp)
	if err != nil {
		s.log.Warn("stop transaction failed", zap.Error(err))
	}

	s.sendStatus(connectorID, "Available", "NoError")
	s.log.Info("charging stopped",
		zap.Int("connector", connectorID),
		zap.Int("transaction_id", txID))
}

// call sends a CALL frame and blocks until its CALLRESULT arrives.
func (s *Simulator) call(action string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	messageID := uuid.NewString()

	ch := make(chan *wire.Frame, 1)
	s.pendingMu.Lock()
	s.pending[messageID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, messageID)
		s.pendingMu.Unlock()
	}()

	if err := s.write(wire.NewCall(messageID, action, payload, wire.V16)); err != nil {
		return err
	}

	select {
	case frame := <-ch:
		if frame.MessageTypeID == wire.CallError {
			return &wire.Error{
				Code:        frame.ErrorCode,
				Description: frame.ErrorDescription,
				Details:     frame.ErrorDetails,
			}
		}
		if resp != nil {
			return json.Unmarshal(frame.Payload, resp)
		}
		return nil
	case <-time.After(callTimeout):
		return errors.New(action + ": call timed out")
	case <-s.stopCh:
		return errors.New("simulator stopped")
	}
}

func (s *Simulator) write(frame *wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.log.Error("connection lost", zap.Error(err))
			}
			return
		}

		frame, decodeErr := wire.Decode(data, wire.V16)
		if decodeErr != nil {
			s.log.Warn("undecodable frame from server", zap.Error(decodeErr))
			continue
		}

		switch frame.MessageTypeID {
		case wire.Call:
			go s.handleServerCall(frame)
		case wire.CallResult, wire.CallError:
			s.pendingMu.Lock()
			ch, ok := s.pending[frame.MessageID]
			s.pendingMu.Unlock()
			if ok {
				ch <- frame
			} else {
				s.log.Warn("result for unknown message id", zap.String("message_id", frame.MessageID))
			}
		}
	}
}

// handleServerCall answers CSMS-initiated commands.
func (s *Simulator) handleServerCall(frame *wire.Frame) {
	s.log.Info("server command", zap.String("action", frame.Action))

	switch frame.Action {
	case "RemoteStartTransaction":
		var req v16.RemoteStartTransactionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		connectorID := s.pickConnector(req.ConnectorId)
		if connectorID == 0 {
			s.reply(frame, v16.RemoteStartTransactionResponse{Status: "Rejected"})
			return
		}
		s.reply(frame, v16.RemoteStartTransactionResponse{Status: "Accepted"})
		go s.startCharging(connectorID, req.IdTag)

	case "RemoteStopTransaction":
		var req v16.RemoteStopTransactionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		connectorID := s.connectorForTransaction(req.TransactionId)
		if connectorID == 0 {
			s.reply(frame, v16.RemoteStopTransactionResponse{Status: "Rejected"})
			return
		}
		s.reply(frame, v16.RemoteStopTransactionResponse{Status: "Accepted"})
		go s.stopCharging(connectorID, "Remote")

	case "Reset":
		var req v16.ResetRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		s.reply(frame, v16.ResetResponse{Status: "Accepted"})
		go s.reset(req.Type)

	case "UnlockConnector":
		var req v16.UnlockConnectorRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		s.stateMu.Lock()
		_, known := s.connectors[req.ConnectorId]
		s.stateMu.Unlock()
		status := "Unlocked"
		if !known {
			status = "UnlockFailed"
		}
		s.reply(frame, v16.UnlockConnectorResponse{Status: status})

	case "ChangeAvailability":
		var req v16.ChangeAvailabilityRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		s.reply(frame, v16.ChangeAvailabilityResponse{Status: "Accepted"})
		status := "Available"
		if req.Type == "Inoperative" {
			status = "Unavailable"
		}
		if req.ConnectorId == 0 {
			for id := 1; id <= s.cfg.ConnectorCount; id++ {
				go s.sendStatus(id, status, "NoError")
			}
		} else {
			go s.sendStatus(req.ConnectorId, status, "NoError")
		}

	case "TriggerMessage":
		var req v16.TriggerMessageRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			s.replyError(frame, wire.CodeFormationViolation, "invalid payload")
			return
		}
		s.handleTrigger(frame, req)

	default:
		s.replyError(frame, wire.CodeNotImplemented, "action not supported by simulator")
	}
}

func (s *Simulator) handleTrigger(frame *wire.Frame, req v16.TriggerMessageRequest) {
	connectorID := 1
	if req.ConnectorId != nil {
		connectorID = *req.ConnectorId
	}

	switch req.RequestedMessage {
	case "Heartbeat":
		s.reply(frame, v16.TriggerMessageResponse{Status: "Accepted"})
		go s.sendHeartbeat()
	case "StatusNotification":
		s.reply(frame, v16.TriggerMessageResponse{Status: "Accepted"})
		s.stateMu.Lock()
		c, ok := s.connectors[connectorID]
		status := "Available"
		if ok {
			status = c.status
		}
		s.stateMu.Unlock()
		go s.sendStatus(connectorID, status, "NoError")
	case "MeterValues":
		s.reply(frame, v16.TriggerMessageResponse{Status: "Accepted"})
		s.stateMu.Lock()
		c, ok := s.connectors[connectorID]
		var tx *int
		reading := 0
		if ok {
			tx = c.transactionID
			reading = c.meterWh
		}
		s.stateMu.Unlock()
		go s.sendMeterValues(connectorID, tx, reading)
	case "BootNotification":
		s.reply(frame, v16.TriggerMessageResponse{Status: "Accepted"})
		go func() {
			if err := s.bootSequence(); err != nil {
				s.log.Warn("triggered boot failed", zap.Error(err))
			}
		}()
	default:
		s.reply(frame, v16.TriggerMessageResponse{Status: "NotImplemented"})
	}
}

// reset stops all sessions and replays the boot sequence, the closest a
// long-lived process can get to a reboot.
func (s *Simulator) reset(kind string) {
	s.log.Info("resetting", zap.String("type", kind))
	s.stateMu.Lock()
	active := make([]int, 0)
	for id, c := range s.connectors {
		if c.transactionID != nil {
			active = append(active, id)
		}
	}
	s.stateMu.Unlock()

	reason := "SoftReset"
	if kind == "Hard" {
		reason = "HardReset"
	}
	for _, id := range active {
		s.stopCharging(id, reason)
	}

	time.Sleep(2 * time.Second)
	if err := s.bootSequence(); err != nil {
		s.log.Error("boot after reset failed", zap.Error(err))
	}
}

func (s *Simulator) reply(frame *wire.Frame, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshaling reply", zap.Error(err))
		return
	}
	if err := s.write(wire.NewCallResult(frame.MessageID, data, wire.V16)); err != nil {
		s.log.Warn("sending reply failed", zap.Error(err))
	}
}

func (s *Simulator) replyError(frame *wire.Frame, code wire.ErrorCode, description string) {
	err := s.write(wire.NewCallError(frame.MessageID, wire.NewError(code, description), wire.V16))
	if err != nil {
		s.log.Warn("sending error reply failed", zap.Error(err))
	}
}

// pickConnector returns the requested connector, or the first free one
// when the request leaves it open. Zero means none available.
func (s *Simulator) pickConnector(requested *int) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if requested != nil {
		if c, ok := s.connectors[*requested]; ok && c.transactionID == nil {
			return *requested
		}
		return 0
	}
	for id := 1; id <= s.cfg.ConnectorCount; id++ {
		if c := s.connectors[id]; c.transactionID == nil && c.status != "Unavailable" && c.status != "Faulted" {
			return id
		}
	}
	return 0
}

func (s *Simulator) connectorForTransaction(transactionID int) int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for id, c := range s.connectors {
		if c.transactionID != nil && *c.transactionID == transactionID {
			return id
		}
	}
	return 0
}

// RunInteractive reads commands from stdin until quit or EOF.
func (s *Simulator) RunInteractive() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return
		case "heartbeat":
			s.sendHeartbeat()
		case "state":
			s.printState()
		case "start":
			connectorID := s.parseConnector(fields, 1)
			if connectorID == 0 {
				continue
			}
			tag := s.cfg.IdTag
			if len(fields) > 2 {
				tag = fields[2]
			}
			go s.startCharging(connectorID, tag)
		case "stop":
			connectorID := s.parseConnector(fields, 1)
			if connectorID == 0 {
				continue
			}
			go s.stopCharging(connectorID, "Local")
		case "meter":
			connectorID := s.parseConnector(fields, 1)
			if connectorID == 0 || len(fields) < 3 {
				fmt.Println("usage: meter <connector> <wh>")
				continue
			}
			wh, err := strconv.Atoi(fields[2])
			if err != nil {
				fmt.Println("meter value must be an integer (Wh)")
				continue
			}
			s.stateMu.Lock()
			c := s.connectors[connectorID]
			c.meterWh = wh
			tx := c.transactionID
			s.stateMu.Unlock()
			go s.sendMeterValues(connectorID, tx, wh)
		case "status":
			connectorID := s.parseConnector(fields, 1)
			if connectorID == 0 || len(fields) < 3 {
				fmt.Println("usage: status <connector> <state>")
				continue
			}
			go s.sendStatus(connectorID, fields[2], "NoError")
		case "fault":
			connectorID := s.parseConnector(fields, 1)
			if connectorID == 0 {
				continue
			}
			go s.sendStatus(connectorID, "Faulted", "OtherError")
		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func (s *Simulator) parseConnector(fields []string, idx int) int {
	if len(fields) <= idx {
		fmt.Println("missing connector id")
		return 0
	}
	id, err := strconv.Atoi(fields[idx])
	if err != nil || id < 1 || id > s.cfg.ConnectorCount {
		fmt.Printf("connector must be 1-%d\n", s.cfg.ConnectorCount)
		return 0
	}
	return id
}

func (s *Simulator) printState() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for id := 1; id <= s.cfg.ConnectorCount; id++ {
		c := s.connectors[id]
		tx := "-"
		if c.transactionID != nil {
			tx = strconv.Itoa(*c.transactionID)
		}
		fmt.Printf("connector %d: %-12s tx=%-6s meter=%d Wh\n", id, c.status, tx, c.meterWh)
	}
}
