package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecode_Call(t *testing.T) {
	raw := []byte(`[2,"19223201","BootNotification",{"chargePointVendor":"Acme","chargePointModel":"M1"}]`)

	frame, ocppErr := Decode(raw, V16)

	if ocppErr != nil {
		t.Fatalf("expected no error, got %v", ocppErr)
	}
	if frame.MessageTypeID != Call {
		t.Errorf("expected message type 2, got %d", frame.MessageTypeID)
	}
	if frame.MessageID != "19223201" {
		t.Errorf("expected message id '19223201', got %q", frame.MessageID)
	}
	if frame.Action != "BootNotification" {
		t.Errorf("expected action BootNotification, got %q", frame.Action)
	}

	var payload map[string]string
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("payload did not survive decode: %v", err)
	}
	if payload["chargePointVendor"] != "Acme" {
		t.Errorf("expected vendor Acme, got %q", payload["chargePointVendor"])
	}
}

func TestDecode_CallResult(t *testing.T) {
	raw := []byte(`[3,"19223201",{"status":"Accepted","interval":300}]`)

	frame, ocppErr := Decode(raw, V16)

	if ocppErr != nil {
		t.Fatalf("expected no error, got %v", ocppErr)
	}
	if frame.MessageTypeID != CallResult {
		t.Errorf("expected message type 3, got %d", frame.MessageTypeID)
	}
}

func TestDecode_CallError(t *testing.T) {
	raw := []byte(`[4,"19223201","NotImplemented","Unknown action",{}]`)

	frame, ocppErr := Decode(raw, V201)

	if ocppErr != nil {
		t.Fatalf("expected no error, got %v", ocppErr)
	}
	if frame.ErrorCode != CodeNotImplemented {
		t.Errorf("expected NotImplemented, got %q", frame.ErrorCode)
	}
	if frame.ErrorDescription != "Unknown action" {
		t.Errorf("unexpected description %q", frame.ErrorDescription)
	}
}

func TestDecode_MalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"foo":1}`},
		{"too short", `[2,"id"]`},
		{"too long", `[4,"id","a","b",{},1]`},
		{"message type not int", `["x","id",{}]`},
		{"empty message id", `[2,"","Heartbeat",{}]`},
		{"call without payload", `[2,"id","Heartbeat"]`},
		{"callerror short", `[4,"id","GenericError"]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ocppErr := Decode([]byte(tc.raw), V16)
			if ocppErr == nil {
				t.Fatal("expected decode error, got nil")
			}
			if ocppErr.Code != CodeFormationViolation {
				t.Errorf("expected FormationViolation, got %q", ocppErr.Code)
			}
		})
	}
}

func TestDecode_MalformedCodePerVersion(t *testing.T) {
	_, e16 := Decode([]byte(`nonsense`), V16)
	_, e201 := Decode([]byte(`nonsense`), V201)

	if e16.Code != CodeFormationViolation {
		t.Errorf("1.6: expected FormationViolation, got %q", e16.Code)
	}
	if e201.Code != CodeFormatViolation {
		t.Errorf("2.0.1: expected FormatViolation, got %q", e201.Code)
	}
}

func TestDecode_UnsupportedMessageType(t *testing.T) {
	_, e16 := Decode([]byte(`[7,"id",{}]`), V16)
	if e16.Code != CodeMessageTypeNotSupported {
		t.Errorf("1.6: expected MessageTypeNotSupported, got %q", e16.Code)
	}

	_, e201 := Decode([]byte(`[7,"id",{}]`), V201)
	if e201.Code != CodeRpcFrameworkError {
		t.Errorf("2.0.1: expected RpcFrameworkError, got %q", e201.Code)
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewCall("m1", "Heartbeat", json.RawMessage(`{}`), V16),
		NewCall("m2", "StartTransaction", json.RawMessage(`{"connectorId":1,"idTag":"RFID-ABC","meterStart":0,"timestamp":"2025-01-01T10:00:00Z"}`), V16),
		NewCallResult("m3", json.RawMessage(`{"currentTime":"2025-01-01T10:00:00Z"}`), V201),
		NewCallError("m4", NewError(CodeSecurityError, "tenant rejected"), V201),
	}

	for _, original := range frames {
		encoded, err := Encode(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, ocppErr := Decode(encoded, original.Version)
		if ocppErr != nil {
			t.Fatalf("decode failed: %v", ocppErr)
		}
		if decoded.MessageTypeID != original.MessageTypeID ||
			decoded.MessageID != original.MessageID ||
			decoded.Action != original.Action ||
			decoded.ErrorCode != original.ErrorCode ||
			decoded.ErrorDescription != original.ErrorDescription {
			t.Errorf("round trip mismatch: %+v != %+v", decoded, original)
		}
		if original.Payload != nil && !jsonEqual(t, decoded.Payload, original.Payload) {
			t.Errorf("payload mismatch: %s != %s", decoded.Payload, original.Payload)
		}
	}
}

func jsonEqual(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := json.Compact(&cb, b); err != nil {
		t.Fatalf("compact: %v", err)
	}
	return ca.String() == cb.String()
}

func TestValidCode(t *testing.T) {
	if !ValidCode(CodeGenericError, V16) || !ValidCode(CodeGenericError, V201) {
		t.Error("GenericError should be valid for both versions")
	}
	if !ValidCode(CodeRequestNotSupported, V16) || ValidCode(CodeRequestNotSupported, V201) {
		t.Error("RequestNotSupported is 1.6 only")
	}
	if ValidCode(CodeFormatViolation, V16) || !ValidCode(CodeFormatViolation, V201) {
		t.Error("FormatViolation is 2.0.1 only")
	}
	if ValidCode("Bogus", V16) {
		t.Error("unknown codes must be rejected")
	}
}
