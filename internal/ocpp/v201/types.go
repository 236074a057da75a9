// Package v201 carries the OCPP 2.0.1 action payloads and the handlers
// that bridge them onto the charging services.
package v201

// TransactionEvent event types.
const (
	EventStarted = "Started"
	EventUpdated = "Updated"
	EventEnded   = "Ended"
)

// IdTokenInfo statuses.
const (
	AuthAccepted     = "Accepted"
	AuthBlocked      = "Blocked"
	AuthExpired      = "Expired"
	AuthInvalid      = "Invalid"
	AuthConcurrentTx = "ConcurrentTx"
)

type ChargingStation struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation"`
	Reason          string          `json:"reason"`
}

type BootNotificationResponse struct {
	CurrentTime string      `json:"currentTime"`
	Interval    int         `json:"interval"`
	Status      string      `json:"status"` // Accepted, Pending, Rejected
	StatusInfo  *StatusInfo `json:"statusInfo,omitempty"`
}

type StatusInfo struct {
	ReasonCode     string `json:"reasonCode"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

type IdToken struct {
	IdToken        string `json:"idToken"`
	Type           string `json:"type"` // ISO14443, ISO15693, KeyCode, Local, MacAddress, NoAuthorization
	AdditionalInfo []struct {
		AdditionalIdToken string `json:"additionalIdToken"`
		Type              string `json:"type"`
	} `json:"additionalInfo,omitempty"`
}

type IdTokenInfo struct {
	Status              string   `json:"status"`
	CacheExpiryDateTime string   `json:"cacheExpiryDateTime,omitempty"`
	GroupIdToken        *IdToken `json:"groupIdToken,omitempty"`
}

type AuthorizeRequest struct {
	IdToken IdToken `json:"idToken"`
}

type AuthorizeResponse struct {
	IdTokenInfo IdTokenInfo `json:"idTokenInfo"`
}

type Evse struct {
	Id          int `json:"id"`
	ConnectorId int `json:"connectorId,omitempty"`
}

type StatusNotificationRequest struct {
	Timestamp       string `json:"timestamp"`
	ConnectorStatus string `json:"connectorStatus"` // Available, Occupied, Reserved, Unavailable, Faulted
	EvseId          int    `json:"evseId"`
	ConnectorId     int    `json:"connectorId"`
}

type StatusNotificationResponse struct{}

type SampledValue struct {
	Value         float64        `json:"value"`
	Context       string         `json:"context,omitempty"`
	Measurand     string         `json:"measurand,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	Location      string         `json:"location,omitempty"`
	UnitOfMeasure *UnitOfMeasure `json:"unitOfMeasure,omitempty"`
}

type UnitOfMeasure struct {
	Unit       string `json:"unit,omitempty"`
	Multiplier int    `json:"multiplier,omitempty"`
}

type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type TransactionInfo struct {
	TransactionId     string `json:"transactionId"`
	ChargingState     string `json:"chargingState,omitempty"` // Charging, EVConnected, SuspendedEV, SuspendedEVSE, Idle
	StoppedReason     string `json:"stoppedReason,omitempty"`
	RemoteStartId     *int   `json:"remoteStartId,omitempty"`
	TimeSpentCharging *int   `json:"timeSpentCharging,omitempty"`
}

type TransactionEventRequest struct {
	EventType          string          `json:"eventType"` // Started, Updated, Ended
	Timestamp          string          `json:"timestamp"`
	TriggerReason      string          `json:"triggerReason"`
	SeqNo              int             `json:"seqNo"`
	TransactionInfo    TransactionInfo `json:"transactionInfo"`
	Offline            bool            `json:"offline,omitempty"`
	NumberOfPhasesUsed *int            `json:"numberOfPhasesUsed,omitempty"`
	IdToken            *IdToken        `json:"idToken,omitempty"`
	Evse               *Evse           `json:"evse,omitempty"`
	MeterValue         []MeterValue    `json:"meterValue,omitempty"`
}

type TransactionEventResponse struct {
	TotalCost              *float64     `json:"totalCost,omitempty"`
	ChargingPriority       *int         `json:"chargingPriority,omitempty"`
	IdTokenInfo            *IdTokenInfo `json:"idTokenInfo,omitempty"`
	UpdatedPersonalMessage *struct {
		Format  string `json:"format"`
		Content string `json:"content"`
	} `json:"updatedPersonalMessage,omitempty"`
}

type DataTransferRequest struct {
	VendorId  string `json:"vendorId"`
	MessageId string `json:"messageId,omitempty"`
	Data      string `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status string `json:"status"` // Accepted, Rejected, UnknownMessageId, UnknownVendorId
	Data   string `json:"data,omitempty"`
}

type FirmwareStatusNotificationRequest struct {
	Status    string `json:"status"`
	RequestId *int   `json:"requestId,omitempty"`
}

type FirmwareStatusNotificationResponse struct{}

type LogStatusNotificationRequest struct {
	Status    string `json:"status"`
	RequestId *int   `json:"requestId,omitempty"`
}

type LogStatusNotificationResponse struct{}

// Server-initiated commands.

type RequestStartTransactionRequest struct {
	EvseId        *int    `json:"evseId,omitempty"`
	RemoteStartId int     `json:"remoteStartId"`
	IdToken       IdToken `json:"idToken"`
}

type RequestStartTransactionResponse struct {
	Status        string `json:"status"` // Accepted, Rejected
	TransactionId string `json:"transactionId,omitempty"`
}

type RequestStopTransactionRequest struct {
	TransactionId string `json:"transactionId"`
}

type RequestStopTransactionResponse struct {
	Status string `json:"status"`
}

type ResetRequest struct {
	Type   string `json:"type"` // Immediate, OnIdle
	EvseId *int   `json:"evseId,omitempty"`
}

type ResetResponse struct {
	Status string `json:"status"` // Accepted, Rejected, Scheduled
}

type UnlockConnectorRequest struct {
	EvseId      int `json:"evseId"`
	ConnectorId int `json:"connectorId"`
}

type UnlockConnectorResponse struct {
	Status string `json:"status"` // Unlocked, UnlockFailed, OngoingAuthorizedTransaction, UnknownConnector
}

type ChangeAvailabilityRequest struct {
	OperationalStatus string `json:"operationalStatus"` // Inoperative, Operative
	Evse              *Evse  `json:"evse,omitempty"`
}

type ChangeAvailabilityResponse struct {
	Status string `json:"status"` // Accepted, Rejected, Scheduled
}

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage"`
	Evse             *Evse  `json:"evse,omitempty"`
}

type TriggerMessageResponse struct {
	Status string `json:"status"` // Accepted, Rejected, NotImplemented
}
