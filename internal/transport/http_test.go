package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

const emulatorKey = "emulator-key"

// deviceEmulator answers protocol envelopes the way appliance firmware
// does: echo the messageId, sign with the device key, ack the method.
func deviceEmulator(t *testing.T, handler func(req *protocol.Message) (string, any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config" {
			http.NotFound(w, r)
			return
		}
		var req protocol.Message
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		method, payload := handler(&req)
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Errorf("emulator marshal error: %v", err)
		}
		timestamp := time.Now().Unix()
		resp := protocol.Message{
			Header: protocol.Header{
				MessageID:      req.Header.MessageID,
				Namespace:      req.Header.Namespace,
				Method:         method,
				PayloadVersion: 1,
				Timestamp:      timestamp,
				Sign:           protocol.Sign(req.Header.MessageID, emulatorKey, timestamp),
			},
			Payload: raw,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&resp); err != nil {
			t.Errorf("emulator encode error: %v", err)
		}
	}))
}

func emulatorTarget(server *httptest.Server) Target {
	return Target{
		UUID: "test-device",
		Host: strings.TrimPrefix(server.URL, "http://"),
		Key:  emulatorKey,
	}
}

// =============================================================================
// Exchange Tests
// =============================================================================

func TestHTTPSendSuccess(t *testing.T) {
	server := deviceEmulator(t, func(req *protocol.Message) (string, any) {
		return protocol.AckMethod(req.Header.Method), map[string]any{"all": map[string]any{}}
	})
	defer server.Close()

	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()
	corr := NewCorrelator(nil, nil)

	msg, err := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet,
		protocol.NSSystemAll.GetPayload(), emulatorKey)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	outcome := adapter.Send(context.Background(), emulatorTarget(server), msg, corr)
	if outcome.Err != nil {
		t.Fatalf("Send() outcome.Err = %v", outcome.Err)
	}
	if outcome.Response.Header.Method != protocol.MethodGetAck {
		t.Errorf("response method = %q, want GETACK", outcome.Response.Header.Method)
	}
	if outcome.Protocol != ProtocolHTTP {
		t.Errorf("outcome.Protocol = %q, want http", outcome.Protocol)
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after exchange, want 0", corr.PendingCount())
	}
}

func TestHTTPSendConnectionRefused(t *testing.T) {
	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()
	corr := NewCorrelator(nil, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	target := Target{UUID: "gone", Host: "127.0.0.1:1", Key: "k"}

	outcome := adapter.Send(context.Background(), target, msg, corr)
	if !errors.Is(outcome.Err, ErrTransport) {
		t.Errorf("outcome.Err = %v, want ErrTransport", outcome.Err)
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after failure, want 0", corr.PendingCount())
	}
}

func TestHTTPSendNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "device busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()
	corr := NewCorrelator(nil, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), emulatorTarget(server), msg, corr)
	if !errors.Is(outcome.Err, ErrTransport) {
		t.Errorf("outcome.Err = %v, want ErrTransport", outcome.Err)
	}
}

func TestHTTPSendMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"header":`)) //nolint:errcheck // truncated JSON on purpose
	}))
	defer server.Close()

	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()
	corr := NewCorrelator(nil, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), emulatorTarget(server), msg, corr)
	if !errors.Is(outcome.Err, ErrTransport) {
		t.Errorf("outcome.Err = %v, want ErrTransport", outcome.Err)
	}
}

func TestHTTPSendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	adapter := NewHTTPAdapter(100*time.Millisecond, nil)
	defer adapter.Close()
	corr := NewCorrelator(nil, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), emulatorTarget(server), msg, corr)
	if !errors.Is(outcome.Err, ErrTimeout) {
		t.Errorf("outcome.Err = %v, want ErrTimeout", outcome.Err)
	}
}

// =============================================================================
// Signature Rejection Tests
// =============================================================================

func TestHTTPSendBadSignatureRejected(t *testing.T) {
	// Emulator signs with a different key than the adapter verifies with.
	server := deviceEmulator(t, func(req *protocol.Message) (string, any) {
		return protocol.AckMethod(req.Header.Method), map[string]any{"all": map[string]any{}}
	})
	defer server.Close()

	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()

	var pushed int
	corr := NewCorrelator(func(*protocol.Message, Protocol) { pushed++ }, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "wrong-key")
	target := emulatorTarget(server)
	target.Key = "wrong-key"

	outcome := adapter.Send(context.Background(), target, msg, corr)
	if !errors.Is(outcome.Err, protocol.ErrBadSignature) {
		t.Errorf("outcome.Err = %v, want ErrBadSignature", outcome.Err)
	}
	if pushed != 0 {
		t.Errorf("rejected response reached the push handler %d times", pushed)
	}
}

// =============================================================================
// PUSH Query Tests
// =============================================================================

func TestHTTPSendPushQueryFireAndForget(t *testing.T) {
	// ms600-style: the device answers a PUSH query with a PUSH envelope.
	server := deviceEmulator(t, func(req *protocol.Message) (string, any) {
		return protocol.MethodPush, map[string]any{
			"study": []any{map[string]any{"channel": 0, "value": 2, "status": 1}},
		}
	})
	defer server.Close()

	adapter := NewHTTPAdapter(testTimeout, nil)
	defer adapter.Close()

	pushCh := make(chan *protocol.Message, 1)
	corr := NewCorrelator(func(msg *protocol.Message, _ Protocol) { pushCh <- msg }, nil)

	ns := protocol.NSControlPresenceStudy
	msg, _ := protocol.NewRequest(ns.Name, protocol.MethodPush, ns.PushPayload(), emulatorKey)

	outcome := adapter.Send(context.Background(), emulatorTarget(server), msg, corr)
	if outcome.Err != nil {
		t.Fatalf("Send() outcome.Err = %v", outcome.Err)
	}
	if outcome.Response != nil {
		t.Error("PUSH query returned a response, want fire-and-forget")
	}

	select {
	case push := <-pushCh:
		if push.Header.Namespace != ns.Name {
			t.Errorf("push namespace = %q, want %q", push.Header.Namespace, ns.Name)
		}
	case <-time.After(testTimeout):
		t.Fatal("PUSH answer never reached the push handler")
	}
	if corr.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 (no registration for PUSH)", corr.PendingCount())
	}
}
