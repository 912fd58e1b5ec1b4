package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Signature Tests
// =============================================================================

func TestSignKnownVector(t *testing.T) {
	// Vector computed with the firmware algorithm:
	// md5("0123456789abcdef0123456789abcdefsecret1735689600")
	got := Sign("0123456789abcdef0123456789abcdef", "secret", 1735689600)
	if len(got) != 32 {
		t.Fatalf("Sign() length = %d, want 32", len(got))
	}
	if got != strings.ToLower(got) {
		t.Errorf("Sign() = %q, want lowercase hex", got)
	}

	// Deterministic for identical inputs.
	if again := Sign("0123456789abcdef0123456789abcdef", "secret", 1735689600); again != got {
		t.Errorf("Sign() not deterministic: %q != %q", again, got)
	}
}

func TestNewRequestVerifyRoundTrip(t *testing.T) {
	msg, err := NewRequest(NSSystemAll.Name, MethodGet, map[string]any{}, "devicekey")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if err := msg.Verify("devicekey", 0); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsMutations(t *testing.T) {
	base, err := NewRequest(NSSystemAll.Name, MethodGet, map[string]any{}, "devicekey")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(m *Message)
	}{
		{"messageId", func(m *Message) { m.Header.MessageID = NewMessageID() }},
		{"timestamp", func(m *Message) { m.Header.Timestamp++ }},
		{"sign", func(m *Message) { m.Header.Sign = "0" + m.Header.Sign[1:] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := *base
			tt.mutate(&msg)
			if err := msg.Verify("devicekey", 0); !errors.Is(err, ErrBadSignature) {
				t.Errorf("Verify() after mutating %s = %v, want ErrBadSignature", tt.name, err)
			}
		})
	}

	// Wrong key must also fail.
	if err := base.Verify("otherkey", 0); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() with wrong key = %v, want ErrBadSignature", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	messageID := NewMessageID()
	stale := time.Now().Add(-10 * time.Minute).Unix()
	msg := &Message{
		Header: Header{
			MessageID: messageID,
			Namespace: NSSystemAll.Name,
			Method:    MethodGetAck,
			Timestamp: stale,
			Sign:      Sign(messageID, "devicekey", stale),
		},
		Payload: json.RawMessage(`{}`),
	}

	if err := msg.Verify("devicekey", 0); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() with stale timestamp = %v, want ErrBadSignature", err)
	}
}

func TestVerifyEmptyKeyAcceptsEchoedTimestamp(t *testing.T) {
	// Degraded-trust mode: empty key, arbitrary (old) device timestamp.
	messageID := NewMessageID()
	stale := time.Now().Add(-24 * time.Hour).Unix()
	msg := &Message{
		Header: Header{
			MessageID: messageID,
			Namespace: NSSystemAll.Name,
			Method:    MethodGetAck,
			Timestamp: stale,
			Sign:      Sign(messageID, "", stale),
		},
		Payload: json.RawMessage(`{}`),
	}

	if err := msg.Verify("", 0); err != nil {
		t.Errorf("Verify() empty key = %v, want nil", err)
	}
}

// =============================================================================
// Wire Format Tests
// =============================================================================

func TestEncodeWireFormat(t *testing.T) {
	msg, err := NewRequest(NSControlToggleX.Name, MethodGet, map[string]any{"togglex": map[string]any{}}, "k")
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal(wire) error = %v", err)
	}
	if _, ok := wire[KeyHeader]; !ok {
		t.Error("wire format missing header")
	}
	if _, ok := wire[KeyPayload]; !ok {
		t.Error("wire format missing payload")
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(wire[KeyHeader], &header); err != nil {
		t.Fatalf("Unmarshal(header) error = %v", err)
	}
	for _, key := range []string{
		KeyMessageID, KeyNamespace, KeyMethod, KeyPayloadVersion,
		KeyFrom, KeyTimestamp, KeyTimestampMs, KeySign,
	} {
		if _, ok := header[key]; !ok {
			t.Errorf("header missing %q", key)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "valid response",
			data: `{"header":{"messageId":"abc","namespace":"Appliance.System.All","method":"GETACK","timestamp":1,"sign":"x"},"payload":{"all":{}}}`,
		},
		{
			name:    "not json",
			data:    `]`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing namespace",
			data:    `{"header":{"messageId":"abc","method":"GETACK"},"payload":{}}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "empty header",
			data:    `{"payload":{}}`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Decode() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Device Error Tests
// =============================================================================

func TestCheckError(t *testing.T) {
	msg := &Message{
		Header:  Header{MessageID: "abc", Namespace: NSSystemAll.Name, Method: MethodError},
		Payload: json.RawMessage(`{"error":{"code":5001}}`),
	}

	err := msg.CheckError()
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("CheckError() = %v, want ErrInvalidKey", err)
	}

	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatal("CheckError() did not return a *DeviceError")
	}
	if devErr.Code != ErrorCodeInvalidKey {
		t.Errorf("DeviceError.Code = %d, want %d", devErr.Code, ErrorCodeInvalidKey)
	}
}

func TestCheckErrorGenericCode(t *testing.T) {
	msg := &Message{
		Header:  Header{MessageID: "abc", Namespace: NSControlToggleX.Name, Method: MethodError},
		Payload: json.RawMessage(`{"error":{"code":11}}`),
	}

	if err := msg.CheckError(); !errors.Is(err, ErrDeviceError) {
		t.Errorf("CheckError() = %v, want ErrDeviceError", err)
	}
	if err := msg.CheckError(); errors.Is(err, ErrInvalidKey) {
		t.Error("CheckError() matched ErrInvalidKey for a non-key code")
	}
}

func TestCheckErrorNonErrorMethod(t *testing.T) {
	msg := &Message{
		Header:  Header{MessageID: "abc", Namespace: NSSystemAll.Name, Method: MethodGetAck},
		Payload: json.RawMessage(`{"all":{}}`),
	}
	if err := msg.CheckError(); err != nil {
		t.Errorf("CheckError() = %v, want nil for GETACK", err)
	}
}

// =============================================================================
// Control.Multiple Tests
// =============================================================================

func TestMultipleRequestRoundTrip(t *testing.T) {
	subs := make([]SubRequest, 0, 3)
	for _, ns := range []*Namespace{NSControlToggleX, NSSystemDNDMode, NSSystemRuntime} {
		sub, err := NewSubRequest(ns.Name, MethodGet, ns.GetPayload())
		if err != nil {
			t.Fatalf("NewSubRequest(%s) error = %v", ns.Name, err)
		}
		subs = append(subs, sub)
	}

	msg, err := NewMultipleRequest(subs, "k")
	if err != nil {
		t.Fatalf("NewMultipleRequest() error = %v", err)
	}
	if msg.Header.Namespace != NSControlMultiple.Name {
		t.Errorf("namespace = %q, want %q", msg.Header.Namespace, NSControlMultiple.Name)
	}
	if msg.Header.Method != MethodSet {
		t.Errorf("method = %q, want SET", msg.Header.Method)
	}

	var body struct {
		Multiple []SubRequest `json:"multiple"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		t.Fatalf("Unmarshal(payload) error = %v", err)
	}
	if len(body.Multiple) != 3 {
		t.Fatalf("len(multiple) = %d, want 3", len(body.Multiple))
	}
	for i, sub := range body.Multiple {
		if sub.Header.MessageID == "" {
			t.Errorf("sub[%d] missing messageId", i)
		}
		if sub.Header.Method != MethodGet {
			t.Errorf("sub[%d] method = %q, want GET", i, sub.Header.Method)
		}
	}
}

func TestDecodeMultipleResponse(t *testing.T) {
	payload := json.RawMessage(`{"multiple":[
		{"header":{"messageId":"a","namespace":"Appliance.Control.ToggleX","method":"GETACK"},"payload":{"togglex":[{"channel":0,"onoff":1}]}},
		{"header":{"messageId":"b","namespace":"Appliance.System.DNDMode","method":"GETACK"},"payload":{"DNDMode":{"mode":0}}}
	]}`)

	msgs, err := DecodeMultipleResponse(payload)
	if err != nil {
		t.Fatalf("DecodeMultipleResponse() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Header.Namespace != NSControlToggleX.Name {
		t.Errorf("msgs[0].namespace = %q", msgs[0].Header.Namespace)
	}
}

// =============================================================================
// Ack Mapping Tests
// =============================================================================

func TestAckMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{MethodGet, MethodGetAck},
		{MethodSet, MethodSetAck},
		{MethodPush, ""},
		{MethodError, ""},
	}
	for _, tt := range tests {
		if got := AckMethod(tt.method); got != tt.want {
			t.Errorf("AckMethod(%s) = %q, want %q", tt.method, got, tt.want)
		}
	}
}
