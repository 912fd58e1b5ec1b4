package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// defaultMQTTTimeout bounds one publish/await exchange. Cloud-relayed
// brokers add latency, so it is longer than the HTTP default.
const defaultMQTTTimeout = 15 * time.Second

// Broker is the slice of the MQTT client the adapter needs. Satisfied by
// *mqtt.Client; narrow so tests can substitute an in-memory broker.
type Broker interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error

	// Unsubscribe removes a topic subscription.
	Unsubscribe(topic string) error

	// IsConnected reports the broker connection state.
	IsConnected() bool
}

// attachment is one device bound to the adapter.
type attachment struct {
	target Target
	corr   *Correlator
}

// MQTTAdapter sends envelopes by publishing to a device's request topic
// and matching replies arriving on its response topic. Multiple requests
// may be in flight concurrently on the shared broker connection; replies
// are matched by messageId only.
//
// Thread Safety: safe for concurrent use from multiple goroutines.
type MQTTAdapter struct {
	broker  Broker
	qos     byte
	timeout time.Duration
	logger  Logger

	mu       sync.Mutex
	attached map[string]*attachment // by device UUID
}

// NewMQTTAdapter creates the adapter on a connected broker client.
// timeout bounds each exchange; zero selects the default.
func NewMQTTAdapter(broker Broker, qos byte, timeout time.Duration, logger Logger) *MQTTAdapter {
	if timeout <= 0 {
		timeout = defaultMQTTTimeout
	}
	return &MQTTAdapter{
		broker:   broker,
		qos:      qos,
		timeout:  timeout,
		logger:   logger,
		attached: make(map[string]*attachment),
	}
}

// Attach subscribes to the device's response topic and routes everything
// received on it through the device's correlator. Must be called before
// Send for that device.
func (a *MQTTAdapter) Attach(target Target, corr *Correlator) error {
	a.mu.Lock()
	a.attached[target.UUID] = &attachment{target: target, corr: corr}
	a.mu.Unlock()

	topic := protocol.TopicResponse(target.UUID)
	err := a.broker.Subscribe(topic, a.qos, func(_ string, payload []byte) error {
		a.receive(target.UUID, payload)
		return nil
	})
	if err != nil {
		a.mu.Lock()
		delete(a.attached, target.UUID)
		a.mu.Unlock()
		return fmt.Errorf("attaching %s: %w", target.UUID, err)
	}
	return nil
}

// Detach unsubscribes the device and fails its in-flight MQTT requests
// with ErrCancelled semantics left to the caller (the engine cancels the
// correlator as part of device removal).
func (a *MQTTAdapter) Detach(uuid string) error {
	a.mu.Lock()
	delete(a.attached, uuid)
	a.mu.Unlock()

	if !a.broker.IsConnected() {
		return nil
	}
	if err := a.broker.Unsubscribe(protocol.TopicResponse(uuid)); err != nil {
		return fmt.Errorf("detaching %s: %w", uuid, err)
	}
	return nil
}

// Send publishes the envelope to the device's request topic and awaits the
// matching reply on its response topic.
//
// PUSH-method queries are fire-and-forget: the device answers (if at all)
// with a PUSH of its own, which the correlator routes as an unsolicited
// update.
func (a *MQTTAdapter) Send(ctx context.Context, target Target, msg *protocol.Message, corr *Correlator) Outcome {
	if !a.broker.IsConnected() {
		return Outcome{Err: fmt.Errorf("%w: broker not connected", ErrTransport), Protocol: ProtocolMQTT}
	}

	body, err := msg.Encode()
	if err != nil {
		return Outcome{Err: fmt.Errorf("%w: %w", ErrTransport, err), Protocol: ProtocolMQTT}
	}

	if msg.Header.Method == protocol.MethodPush {
		if err := a.broker.Publish(protocol.TopicRequest(target.UUID), body, a.qos, false); err != nil {
			return Outcome{Err: fmt.Errorf("%w: %w", ErrTransport, err), Protocol: ProtocolMQTT}
		}
		return Outcome{Protocol: ProtocolMQTT}
	}

	ch, err := corr.Register(msg.Header.MessageID, ProtocolMQTT, a.timeout)
	if err != nil {
		return Outcome{Err: err, Protocol: ProtocolMQTT}
	}

	if err := a.broker.Publish(protocol.TopicRequest(target.UUID), body, a.qos, false); err != nil {
		corr.Fail(msg.Header.MessageID, fmt.Errorf("%w: %w", ErrTransport, err), ProtocolMQTT)
		return <-ch
	}

	select {
	case outcome := <-ch:
		return outcome
	case <-ctx.Done():
		corr.Fail(msg.Header.MessageID, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()), ProtocolMQTT)
		return <-ch
	}
}

// HandleDisconnect fails every attached device's pending MQTT requests
// immediately. Wire it to the broker client's disconnect callback so
// requests never hang silently across a broker loss.
func (a *MQTTAdapter) HandleDisconnect(err error) {
	a.mu.Lock()
	correlators := make([]*Correlator, 0, len(a.attached))
	for _, att := range a.attached {
		correlators = append(correlators, att.corr)
	}
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Warn("broker disconnected, failing pending MQTT requests",
			"devices", len(correlators),
			"error", err,
		)
	}
	for _, corr := range correlators {
		corr.FailAll(ProtocolMQTT, fmt.Errorf("%w: broker disconnected", ErrTransport))
	}
}

// receive decodes and verifies one envelope from a device response topic.
func (a *MQTTAdapter) receive(uuid string, payload []byte) {
	a.mu.Lock()
	att, ok := a.attached[uuid]
	a.mu.Unlock()
	if !ok {
		return
	}

	msg, err := protocol.Decode(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("dropping malformed envelope", "uuid", uuid, "error", err)
		}
		return
	}
	if err := msg.Verify(att.target.Key, att.target.SignValidity); err != nil {
		if a.logger != nil {
			a.logger.Warn("rejecting MQTT envelope", "uuid", uuid,
				"namespace", msg.Header.Namespace, "error", err)
		}
		return
	}

	att.corr.Deliver(msg, ProtocolMQTT)
}
