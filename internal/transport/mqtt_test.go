package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// fakeBroker is an in-memory Broker that lets tests script device
// behaviour without a running Mosquitto instance.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]func(topic string, payload []byte) error
	onPublish func(topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		connected: true,
		handlers:  make(map[string]func(string, []byte) error),
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	connected := b.connected
	onPublish := b.onPublish
	b.mu.Unlock()
	if !connected {
		return errors.New("not connected")
	}
	if onPublish != nil {
		go onPublish(topic, payload)
	}
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler func(string, []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// inject delivers a payload to the subscriber of topic, as the broker would.
func (b *fakeBroker) inject(topic string, payload []byte) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler != nil {
		handler(topic, payload) //nolint:errcheck // test delivery
	}
}

// respond wires a scripted device: every published request is answered on
// the response topic after transform.
func (b *fakeBroker) respond(uuid string, transform func(req *protocol.Message) *protocol.Message) {
	b.mu.Lock()
	b.onPublish = func(topic string, payload []byte) {
		if topic != protocol.TopicRequest(uuid) {
			return
		}
		req, err := protocol.Decode(payload)
		if err != nil {
			return
		}
		resp := transform(req)
		if resp == nil {
			return
		}
		data, err := resp.Encode()
		if err != nil {
			return
		}
		b.inject(protocol.TopicResponse(uuid), data)
	}
	b.mu.Unlock()
}

func signedAck(req *protocol.Message, key string, payload string) *protocol.Message {
	timestamp := time.Now().Unix()
	return &protocol.Message{
		Header: protocol.Header{
			MessageID:      req.Header.MessageID,
			Namespace:      req.Header.Namespace,
			Method:         protocol.AckMethod(req.Header.Method),
			PayloadVersion: 1,
			Timestamp:      timestamp,
			Sign:           protocol.Sign(req.Header.MessageID, key, timestamp),
		},
		Payload: json.RawMessage(payload),
	}
}

// =============================================================================
// Exchange Tests
// =============================================================================

func TestMQTTSendSuccess(t *testing.T) {
	broker := newFakeBroker()
	adapter := NewMQTTAdapter(broker, 1, testTimeout, nil)
	corr := NewCorrelator(nil, nil)

	target := Target{UUID: "uuid-1", Key: "k"}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	broker.respond("uuid-1", func(req *protocol.Message) *protocol.Message {
		return signedAck(req, "k", `{"all":{}}`)
	})

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), target, msg, corr)
	if outcome.Err != nil {
		t.Fatalf("Send() outcome.Err = %v", outcome.Err)
	}
	if outcome.Response.Header.MessageID != msg.Header.MessageID {
		t.Errorf("response matched wrong messageId %q", outcome.Response.Header.MessageID)
	}
	if outcome.Protocol != ProtocolMQTT {
		t.Errorf("outcome.Protocol = %q, want mqtt", outcome.Protocol)
	}
}

func TestMQTTSendNotConnected(t *testing.T) {
	broker := newFakeBroker()
	broker.connected = false
	adapter := NewMQTTAdapter(broker, 1, testTimeout, nil)
	corr := NewCorrelator(nil, nil)

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), Target{UUID: "uuid-1", Key: "k"}, msg, corr)
	if !errors.Is(outcome.Err, ErrTransport) {
		t.Errorf("outcome.Err = %v, want ErrTransport", outcome.Err)
	}
}

func TestMQTTSendTimeout(t *testing.T) {
	broker := newFakeBroker() // never responds
	adapter := NewMQTTAdapter(broker, 1, 50*time.Millisecond, nil)
	corr := NewCorrelator(nil, nil)

	target := Target{UUID: "uuid-1", Key: "k"}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), target, msg, corr)
	if !errors.Is(outcome.Err, ErrTimeout) {
		t.Errorf("outcome.Err = %v, want ErrTimeout", outcome.Err)
	}
}

func TestMQTTDisconnectFailsPending(t *testing.T) {
	broker := newFakeBroker()
	adapter := NewMQTTAdapter(broker, 1, testTimeout, nil)
	corr := NewCorrelator(nil, nil)

	target := Target{UUID: "uuid-1", Key: "k"}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")

	done := make(chan Outcome, 1)
	go func() {
		done <- adapter.Send(context.Background(), target, msg, corr)
	}()

	// Wait for the request to be registered, then drop the broker.
	deadline := time.After(testTimeout)
	for corr.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("request never registered")
		case <-time.After(time.Millisecond):
		}
	}
	adapter.HandleDisconnect(errors.New("connection lost"))

	outcome := <-done
	if !errors.Is(outcome.Err, ErrTransport) {
		t.Errorf("outcome.Err = %v, want ErrTransport after disconnect", outcome.Err)
	}
}

// =============================================================================
// Inbound Filtering Tests
// =============================================================================

func TestMQTTReceiveRejectsBadSignature(t *testing.T) {
	broker := newFakeBroker()
	adapter := NewMQTTAdapter(broker, 1, 100*time.Millisecond, nil)

	var pushed int
	corr := NewCorrelator(func(*protocol.Message, Protocol) { pushed++ }, nil)

	target := Target{UUID: "uuid-1", Key: "k"}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	broker.respond("uuid-1", func(req *protocol.Message) *protocol.Message {
		return signedAck(req, "attacker-key", `{"all":{}}`)
	})

	msg, _ := protocol.NewRequest(protocol.NSSystemAll.Name, protocol.MethodGet, map[string]any{}, "k")
	outcome := adapter.Send(context.Background(), target, msg, corr)

	// The forged reply is dropped before the correlator, so the request
	// runs into its timeout.
	if !errors.Is(outcome.Err, ErrTimeout) {
		t.Errorf("outcome.Err = %v, want ErrTimeout", outcome.Err)
	}
	if pushed != 0 {
		t.Errorf("forged envelope reached push handler %d times", pushed)
	}
}

func TestMQTTUnsolicitedPushRouted(t *testing.T) {
	broker := newFakeBroker()
	adapter := NewMQTTAdapter(broker, 1, testTimeout, nil)

	pushCh := make(chan *protocol.Message, 1)
	corr := NewCorrelator(func(msg *protocol.Message, _ Protocol) { pushCh <- msg }, nil)

	target := Target{UUID: "uuid-1", Key: "k"}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	messageID := protocol.NewMessageID()
	timestamp := time.Now().Unix()
	push := &protocol.Message{
		Header: protocol.Header{
			MessageID:      messageID,
			Namespace:      protocol.NSControlToggleX.Name,
			Method:         protocol.MethodPush,
			PayloadVersion: 1,
			Timestamp:      timestamp,
			Sign:           protocol.Sign(messageID, "k", timestamp),
		},
		Payload: json.RawMessage(`{"togglex":[{"channel":0,"onoff":1}]}`),
	}
	data, _ := push.Encode()
	broker.inject(protocol.TopicResponse("uuid-1"), data)

	select {
	case got := <-pushCh:
		if got.Header.Namespace != protocol.NSControlToggleX.Name {
			t.Errorf("push namespace = %q", got.Header.Namespace)
		}
	case <-time.After(testTimeout):
		t.Fatal("push never routed")
	}
}

func TestMQTTDetachStopsRouting(t *testing.T) {
	broker := newFakeBroker()
	adapter := NewMQTTAdapter(broker, 1, testTimeout, nil)

	var pushed int
	corr := NewCorrelator(func(*protocol.Message, Protocol) { pushed++ }, nil)

	target := Target{UUID: "uuid-1", Key: ""}
	if err := adapter.Attach(target, corr); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := adapter.Detach("uuid-1"); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	if len(broker.handlers) != 0 {
		t.Errorf("broker still has %d subscriptions after Detach", len(broker.handlers))
	}
}
