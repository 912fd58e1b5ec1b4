package transport

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// Protocol identifies which carrier a request travelled over.
type Protocol string

// Transport identifiers.
const (
	ProtocolHTTP Protocol = "http"
	ProtocolMQTT Protocol = "mqtt"
)

// Outcome is the terminal result of one request: exactly one of Response
// or Err is set.
type Outcome struct {
	Response *protocol.Message
	Err      error
	Protocol Protocol
}

// PushHandler receives unsolicited device envelopes (state pushes and
// responses that matched no pending request but carry fresh state).
type PushHandler func(msg *protocol.Message, via Protocol)

// Logger is the minimal logging interface the correlator needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Correlator tracks in-flight requests for a single device and matches
// received envelopes to them by messageId.
//
// One Correlator exists per device: partitioning the pending table removes
// any chance of cross-device messageId collisions. Both transport adapters
// feed every received envelope through Deliver.
//
// Thread Safety: all methods are safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	onPush  PushHandler
	logger  Logger
}

// pendingRequest is one outstanding messageId. Owned exclusively by the
// Correlator; removed on match, timeout, failure or cancellation.
type pendingRequest struct {
	ch       chan Outcome
	timer    *time.Timer
	protocol Protocol
}

// NewCorrelator creates a correlator routing unsolicited pushes to onPush.
func NewCorrelator(onPush PushHandler, logger Logger) *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		onPush:  onPush,
		logger:  logger,
	}
}

// Register adds a pending request and returns the channel its outcome will
// be delivered on. The channel receives exactly one Outcome: the matched
// response, ErrTimeout after the deadline, ErrTransport via Fail/FailAll,
// or ErrCancelled via CancelAll.
func (c *Correlator) Register(messageID string, via Protocol, timeout time.Duration) (<-chan Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[messageID]; exists {
		return nil, ErrDuplicateID
	}

	p := &pendingRequest{
		ch:       make(chan Outcome, 1),
		protocol: via,
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(messageID, Outcome{Err: ErrTimeout, Protocol: via})
	})
	c.pending[messageID] = p
	return p.ch, nil
}

// Deliver routes a received envelope.
//
// PUSH envelopes always go to the push handler: even when a PUSH answers
// one of our PUSH-method queries it is fresh state, not a reply. Ack and
// error envelopes resolve their pending request; without a match they are
// stale or duplicate and are discarded at debug level, never surfaced.
func (c *Correlator) Deliver(msg *protocol.Message, via Protocol) {
	if msg.Header.Method == protocol.MethodPush {
		if c.onPush != nil {
			c.onPush(msg, via)
		}
		return
	}

	if c.settle(msg.Header.MessageID, Outcome{Response: msg, Protocol: via}) {
		return
	}

	if c.logger != nil {
		c.logger.Debug("discarding unmatched response",
			"messageId", msg.Header.MessageID,
			"namespace", msg.Header.Namespace,
			"method", msg.Header.Method,
			"protocol", string(via),
		)
	}
}

// Fail resolves a single pending request with a transport-level error.
// Used by adapters when the send itself fails after registration.
func (c *Correlator) Fail(messageID string, err error, via Protocol) {
	c.settle(messageID, Outcome{Err: err, Protocol: via})
}

// FailAll resolves every pending request on the given transport with err.
// The MQTT adapter calls this on broker disconnect so requests fail fast
// instead of silently running into their timeouts.
func (c *Correlator) FailAll(via Protocol, err error) {
	c.resolveMatching(func(p *pendingRequest) bool { return p.protocol == via }, err)
}

// CancelAll cancels every pending request, resolving each exactly once
// with ErrCancelled. Called on device removal or reconfiguration.
func (c *Correlator) CancelAll() {
	c.resolveMatching(func(*pendingRequest) bool { return true }, ErrCancelled)
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes a pending request and delivers its outcome. Returns false
// when the messageId is unknown (already resolved, timed out or never
// registered).
func (c *Correlator) settle(messageID string, outcome Outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- outcome
	return true
}

// resolveMatching settles every pending request accepted by match with err.
func (c *Correlator) resolveMatching(match func(*pendingRequest) bool, err error) {
	c.mu.Lock()
	settled := make(map[string]*pendingRequest)
	for id, p := range c.pending {
		if match(p) {
			settled[id] = p
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range settled {
		p.timer.Stop()
		p.ch <- Outcome{Err: err, Protocol: p.protocol}
	}
}
