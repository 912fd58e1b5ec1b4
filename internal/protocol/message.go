package protocol

import (
	"crypto/md5" //nolint:gosec // firmware-mandated signature algorithm
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultSignValidity is the window around the local clock within which a
// message timestamp is accepted during verification. Device clocks drift;
// the firmware itself tolerates a few tens of seconds.
const DefaultSignValidity = 60 * time.Second

// Header is the envelope header shared by every message on both transports.
// Field order follows the firmware's own serialisation; json tags keep the
// wire format byte-compatible.
type Header struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         string `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	TimestampMs    int    `json:"timestampMs"`
	Sign           string `json:"sign"`
}

// Message is a full protocol envelope. Payload is kept as raw JSON: the
// codec never interprets namespace payloads, that is the consumer's job.
type Message struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Sign computes the firmware signature for a message:
// hex(md5(messageId + key + timestamp)).
func Sign(messageID, key string, timestamp int64) string {
	sum := md5.Sum([]byte(messageID + key + strconv.FormatInt(timestamp, 10))) //nolint:gosec // interop, not security
	return hex.EncodeToString(sum[:])
}

// NewMessageID returns a fresh 32-character hex message identifier, the
// same format the official app generates.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequest builds a signed request envelope for the given namespace and
// method. The messageId is random and the timestamp is the wall clock, so
// two calls never produce the same envelope. An empty key is allowed and
// produces a degraded-trust signature (see package doc).
func NewRequest(namespace, method string, payload any, key string) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding payload: %w", ErrMalformed, err)
	}

	messageID := NewMessageID()
	timestamp := time.Now().Unix()

	return &Message{
		Header: Header{
			MessageID:      messageID,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: payloadVersionCurrent,
			From:           DefaultSource,
			Timestamp:      timestamp,
			TimestampMs:    0,
			Sign:           Sign(messageID, key, timestamp),
		},
		Payload: raw,
	}, nil
}

// Decode parses a raw envelope received from a device. It validates only
// structure (header presence and mandatory fields), not the signature:
// call Verify for that.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	h := &msg.Header
	if h.MessageID == "" || h.Namespace == "" || h.Method == "" {
		return nil, fmt.Errorf("%w: incomplete header", ErrMalformed)
	}
	return &msg, nil
}

// Encode serialises the message to its wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Verify checks the message signature against the shared key.
//
// The message timestamp must fall within validity of now (pass 0 to use
// DefaultSignValidity); stale timestamps are rejected to bound replays.
// With an empty key the check degrades to accepting the device's own
// echoed timestamp, which is the documented no-key compatibility mode: the
// signature is still recomputed, just with no secret mixed in.
func (m *Message) Verify(key string, validity time.Duration) error {
	h := &m.Header
	if Sign(h.MessageID, key, h.Timestamp) != h.Sign {
		return fmt.Errorf("%w: messageId=%s", ErrBadSignature, h.MessageID)
	}
	if key == "" {
		// No-key mode: the echoed timestamp is all we have, trust it.
		return nil
	}
	if validity <= 0 {
		validity = DefaultSignValidity
	}
	if d := time.Since(time.Unix(h.Timestamp, 0)); d > validity || d < -validity {
		return fmt.Errorf("%w: stale timestamp %d", ErrBadSignature, h.Timestamp)
	}
	return nil
}

// CheckError inspects a structurally valid response for a METHOD_ERROR
// envelope and converts it into a typed error. A nil return means the
// response is a plain data-carrying message.
func (m *Message) CheckError() error {
	if m.Header.Method != MethodError {
		return nil
	}
	var body struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(m.Payload, &body); err != nil {
		return fmt.Errorf("%w: error payload: %w", ErrMalformed, err)
	}
	return &DeviceError{Code: body.Error.Code, Namespace: m.Header.Namespace}
}

// SubRequest is one element of an Appliance.Control.Multiple batch. The
// firmware only requires messageId, method and namespace in sub-headers;
// the outer envelope carries the signature.
type SubRequest struct {
	Header struct {
		MessageID string `json:"messageId"`
		Method    string `json:"method"`
		Namespace string `json:"namespace"`
	} `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// NewSubRequest shapes a namespaced request for inclusion in a
// Control.Multiple batch.
func NewSubRequest(namespace, method string, payload any) (SubRequest, error) {
	var sub SubRequest
	raw, err := json.Marshal(payload)
	if err != nil {
		return sub, fmt.Errorf("%w: encoding sub payload: %w", ErrMalformed, err)
	}
	sub.Header.MessageID = NewMessageID()
	sub.Header.Method = method
	sub.Header.Namespace = namespace
	sub.Payload = raw
	return sub, nil
}

// NewMultipleRequest wraps a set of sub-requests into a signed SET on
// Appliance.Control.Multiple. Callers are responsible for honouring the
// device's maxCmdNum limit.
func NewMultipleRequest(subs []SubRequest, key string) (*Message, error) {
	return NewRequest(NSControlMultiple.Name, MethodSet, map[string]any{
		KeyMultiple: subs,
	}, key)
}

// DecodeMultipleResponse unpacks the sub-responses of a Control.Multiple
// acknowledge payload.
func DecodeMultipleResponse(payload json.RawMessage) ([]Message, error) {
	var body struct {
		Multiple []Message `json:"multiple"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: multiple payload: %w", ErrMalformed, err)
	}
	return body.Multiple, nil
}
