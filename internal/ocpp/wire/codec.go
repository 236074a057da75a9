// Package wire implements the OCPP-J RPC framing shared by OCPP 1.6 and
// OCPP 2.0.1: JSON arrays of the form [2,id,action,payload] (CALL),
// [3,id,payload] (CALLRESULT) and [4,id,code,description,details]
// (CALLERROR). The codec is pure; it performs no I/O.
package wire

import (
	"encoding/json"
	"fmt"
)

type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

type Version string

const (
	V16  Version = "1.6"
	V201 Version = "2.0.1"
)

// ErrorCode is a CALLERROR code. The set is closed; membership depends on
// the protocol version.
type ErrorCode string

const (
	CodeNotImplemented                ErrorCode = "NotImplemented"
	CodeNotSupported                  ErrorCode = "NotSupported"
	CodeInternalError                 ErrorCode = "InternalError"
	CodeProtocolError                 ErrorCode = "ProtocolError"
	CodeSecurityError                 ErrorCode = "SecurityError"
	CodeFormationViolation            ErrorCode = "FormationViolation"
	CodePropertyConstraintViolation   ErrorCode = "PropertyConstraintViolation"
	CodeOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"
	CodeTypeConstraintViolation       ErrorCode = "TypeConstraintViolation"
	CodeGenericError                  ErrorCode = "GenericError"

	// 1.6 only.
	CodeMessageTypeNotSupported ErrorCode = "MessageTypeNotSupported"
	CodeRequestNotSupported     ErrorCode = "RequestNotSupported"

	// 2.0.1 only.
	CodeRpcFrameworkError ErrorCode = "RpcFrameworkError"
	CodeFormatViolation   ErrorCode = "FormatViolation"
)

var commonCodes = map[ErrorCode]bool{
	CodeNotImplemented: true, CodeNotSupported: true, CodeInternalError: true,
	CodeProtocolError: true, CodeSecurityError: true, CodeFormationViolation: true,
	CodePropertyConstraintViolation: true, CodeOccurrenceConstraintViolation: true,
	CodeTypeConstraintViolation: true, CodeGenericError: true,
}

// ValidCode reports whether the code belongs to the version's closed set.
func ValidCode(code ErrorCode, v Version) bool {
	if commonCodes[code] {
		return true
	}
	switch v {
	case V16:
		return code == CodeMessageTypeNotSupported || code == CodeRequestNotSupported
	case V201:
		return code == CodeRpcFrameworkError || code == CodeFormatViolation
	}
	return false
}

// MalformedCode is the CALLERROR code used for frames that cannot be
// parsed: FormationViolation on 1.6, FormatViolation on 2.0.1.
func MalformedCode(v Version) ErrorCode {
	if v == V201 {
		return CodeFormatViolation
	}
	return CodeFormationViolation
}

// Error is the OCPP-level error carried by a CALLERROR frame and used as
// the failure half of handler results.
type Error struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("ocpp error %s: %s", e.Code, e.Description)
}

// NewError builds an OCPP error with an empty details object.
func NewError(code ErrorCode, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Frame is one decoded OCPP-J message.
type Frame struct {
	MessageTypeID    MessageType
	MessageID        string
	Action           string          // CALL only
	Payload          json.RawMessage // CALL and CALLRESULT
	ErrorCode        ErrorCode       // CALLERROR only
	ErrorDescription string          // CALLERROR only
	ErrorDetails     json.RawMessage // CALLERROR only
	Version          Version
}

// NewCall builds a CALL frame.
func NewCall(messageID, action string, payload json.RawMessage, v Version) *Frame {
	return &Frame{MessageTypeID: Call, MessageID: messageID, Action: action, Payload: payload, Version: v}
}

// NewCallResult builds a CALLRESULT frame.
func NewCallResult(messageID string, payload json.RawMessage, v Version) *Frame {
	return &Frame{MessageTypeID: CallResult, MessageID: messageID, Payload: payload, Version: v}
}

// NewCallError builds a CALLERROR frame.
func NewCallError(messageID string, ocppErr *Error, v Version) *Frame {
	details := ocppErr.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	return &Frame{
		MessageTypeID:    CallError,
		MessageID:        messageID,
		ErrorCode:        ocppErr.Code,
		ErrorDescription: ocppErr.Description,
		ErrorDetails:     details,
		Version:          v,
	}
}

// Decode parses a raw OCPP-J message. Framing violations return an *Error
// with the version's malformed code so the caller can answer directly.
func Decode(data []byte, v Version) (*Frame, *Error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, NewError(MalformedCode(v), "message is not a JSON array")
	}
	if len(elems) < 3 || len(elems) > 5 {
		return nil, NewError(MalformedCode(v), fmt.Sprintf("invalid message length %d", len(elems)))
	}

	var msgType MessageType
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, NewError(MalformedCode(v), "message type id is not an integer")
	}
	var messageID string
	if err := json.Unmarshal(elems[1], &messageID); err != nil || messageID == "" {
		return nil, NewError(MalformedCode(v), "message id is not a non-empty string")
	}

	frame := &Frame{MessageTypeID: msgType, MessageID: messageID, Version: v}

	switch msgType {
	case Call:
		if len(elems) != 4 {
			return nil, NewError(MalformedCode(v), "CALL must have 4 elements")
		}
		if err := json.Unmarshal(elems[2], &frame.Action); err != nil || frame.Action == "" {
			return nil, NewError(MalformedCode(v), "action is not a non-empty string")
		}
		frame.Payload = elems[3]
	case CallResult:
		if len(elems) != 3 {
			return nil, NewError(MalformedCode(v), "CALLRESULT must have 3 elements")
		}
		frame.Payload = elems[2]
	case CallError:
		if len(elems) != 5 {
			return nil, NewError(MalformedCode(v), "CALLERROR must have 5 elements")
		}
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, NewError(MalformedCode(v), "error code is not a string")
		}
		frame.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(elems[3], &frame.ErrorDescription); err != nil {
			return nil, NewError(MalformedCode(v), "error description is not a string")
		}
		frame.ErrorDetails = elems[4]
	default:
		code := CodeMessageTypeNotSupported
		if v == V201 {
			code = CodeRpcFrameworkError
		}
		return nil, NewError(code, fmt.Sprintf("unsupported message type id %d", msgType))
	}

	return frame, nil
}

// Encode serialises a frame back to its JSON-array wire form.
func Encode(f *Frame) ([]byte, error) {
	var elems []interface{}
	switch f.MessageTypeID {
	case Call:
		payload := f.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		elems = []interface{}{int(Call), f.MessageID, f.Action, payload}
	case CallResult:
		payload := f.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		elems = []interface{}{int(CallResult), f.MessageID, payload}
	case CallError:
		details := f.ErrorDetails
		if len(details) == 0 {
			details = json.RawMessage(`{}`)
		}
		elems = []interface{}{int(CallError), f.MessageID, string(f.ErrorCode), f.ErrorDescription, details}
	default:
		return nil, fmt.Errorf("cannot encode message type %d", f.MessageTypeID)
	}
	return json.Marshal(elems)
}
