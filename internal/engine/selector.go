package engine

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/device"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// httpFirstNamespaces are policy-pinned to HTTP first regardless of the
// selector state: several firmware generations answer these configuration
// namespaces on the local HTTP endpoint only.
var httpFirstNamespaces = map[string]bool{
	"Appliance.Config.Key":      true,
	"Appliance.Config.Wifi":     true,
	"Appliance.Config.WifiList": true,
	"Appliance.Config.Trace":    true,
}

// transportHealth is the per-transport failure bookkeeping.
type transportHealth struct {
	consecutiveFailures int
	lastSuccess         time.Time
	active              bool
}

// plausible reports whether the transport is worth attempting: it is
// currently active, has not yet exhausted its failure budget, or
// succeeded recently enough that a retry is reasonable.
func (h *transportHealth) plausible(now time.Time, threshold int, window time.Duration) bool {
	if h.active {
		return true
	}
	if h.consecutiveFailures < threshold {
		return true
	}
	return !h.lastSuccess.IsZero() && now.Sub(h.lastSuccess) <= window
}

// Selector is the per-device transport failover state machine.
//
// With a fixed transport mode the selector is pinned: persistent failures
// surface as device-unavailable but never trigger a switch. With AUTO it
// flips to the alternate transport after a burst of consecutive failures,
// falling back to backed-off retries of the preferred transport when both
// carriers are down.
//
// Thread Safety: all methods are safe for concurrent use.
type Selector struct {
	mode      device.TransportMode
	preferred transport.Protocol
	threshold int
	window    time.Duration
	minRetry  time.Duration
	maxRetry  time.Duration

	mu       sync.Mutex
	current  transport.Protocol
	health   map[transport.Protocol]*transportHealth
	bothDown bool
	backoff  time.Duration
	retryAt  time.Time

	// now is the clock, swappable in tests.
	now func() time.Time
}

// SelectorConfig carries the failover tunables.
type SelectorConfig struct {
	// Mode is the configured transport: auto, http or mqtt.
	Mode device.TransportMode

	// Preferred is the transport attempted first (and retried when both
	// are down). Ignored for pinned modes.
	Preferred transport.Protocol

	// FailureThreshold is the consecutive-failure count that flips the
	// active transport. Small by design; single dropped packets must not
	// cause flapping.
	FailureThreshold int

	// RecentSuccessWindow is how recently the alternate transport must
	// have succeeded to be switched to directly instead of entering the
	// both-down state.
	RecentSuccessWindow time.Duration

	// RetryBackoffMin/Max bound the both-down retry schedule.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
}

// NewSelector creates a selector in its optimistic initial state: the
// preferred (or pinned) transport is current and both carriers still have
// their full failure budget.
func NewSelector(cfg SelectorConfig) *Selector {
	preferred := cfg.Preferred
	switch cfg.Mode {
	case device.TransportHTTP:
		preferred = transport.ProtocolHTTP
	case device.TransportMQTT:
		preferred = transport.ProtocolMQTT
	case device.TransportAuto:
		if preferred == "" {
			preferred = transport.ProtocolHTTP
		}
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 2
	}
	window := cfg.RecentSuccessWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	minRetry := cfg.RetryBackoffMin
	if minRetry <= 0 {
		minRetry = 5 * time.Second
	}
	maxRetry := cfg.RetryBackoffMax
	if maxRetry < minRetry {
		maxRetry = 5 * time.Minute
	}

	return &Selector{
		mode:      cfg.Mode,
		preferred: preferred,
		threshold: threshold,
		window:    window,
		minRetry:  minRetry,
		maxRetry:  maxRetry,
		current:   preferred,
		health: map[transport.Protocol]*transportHealth{
			transport.ProtocolHTTP: {},
			transport.ProtocolMQTT: {},
		},
		now: time.Now,
	}
}

// Pick returns the transport the next request for the namespace should be
// issued on.
func (s *Selector) Pick(namespace string) transport.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == device.TransportAuto && httpFirstNamespaces[namespace] {
		return transport.ProtocolHTTP
	}
	return s.current
}

// Current returns the active transport.
func (s *Selector) Current() transport.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// RecordSuccess marks one successful exchange on p. The transport becomes
// active and its failure counter resets. The selector moves to p when p is
// the preferred transport or when the current one is itself down: recovery
// of a previously active transport is confirmed lazily, on the next actual
// attempt, never by implication.
func (s *Selector) RecordSuccess(p transport.Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.health[p]
	h.consecutiveFailures = 0
	h.active = true
	h.lastSuccess = s.now()
	s.bothDown = false
	s.backoff = 0

	if s.mode != device.TransportAuto {
		return
	}
	if s.current != p && (p == s.preferred || !s.health[s.current].active) {
		s.current = p
	}
}

// RecordFailure marks one failed exchange (transport error or timeout) on
// p and performs failover bookkeeping.
func (s *Selector) RecordFailure(p transport.Protocol) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	h := s.health[p]
	h.consecutiveFailures++
	if h.consecutiveFailures < s.threshold {
		return
	}
	h.active = false

	if s.mode != device.TransportAuto || p != s.current {
		return
	}

	other := alternate(p)
	if s.health[other].plausible(now, s.threshold, s.window) {
		s.current = other
		return
	}

	// Both carriers exhausted: retry the preferred one on a backoff
	// schedule.
	s.bothDown = true
	s.current = s.preferred
	if s.backoff == 0 {
		s.backoff = s.minRetry
	} else {
		s.backoff *= 2
		if s.backoff > s.maxRetry {
			s.backoff = s.maxRetry
		}
	}
	s.retryAt = now.Add(s.backoff)
}

// Failover reports whether a request that just failed on p should be
// retried on the alternate transport right now, and on which one.
// Pinned modes never fail over.
func (s *Selector) Failover(p transport.Protocol) (transport.Protocol, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != device.TransportAuto {
		return "", false
	}
	other := alternate(p)
	if s.health[other].plausible(s.now(), s.threshold, s.window) {
		return other, true
	}
	return "", false
}

// Exhausted reports whether every enabled transport is down. For AUTO
// this is the both-down state; for pinned modes it means the pinned
// transport has spent its failure budget.
func (s *Selector) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == device.TransportAuto {
		return s.bothDown
	}
	h := s.health[s.current]
	return !h.active && h.consecutiveFailures >= s.threshold
}

// ShouldAttempt reports whether a request should be issued now. It only
// gates the both-down state, where attempts follow the backoff schedule.
func (s *Selector) ShouldAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bothDown {
		return true
	}
	return !s.now().Before(s.retryAt)
}

// Health returns a snapshot of per-transport health for diagnostics.
func (s *Selector) Health() map[transport.Protocol]TransportHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[transport.Protocol]TransportHealth, len(s.health))
	for p, h := range s.health {
		out[p] = TransportHealth{
			ConsecutiveFailures: h.consecutiveFailures,
			LastSuccess:         h.lastSuccess,
			Active:              h.active,
		}
	}
	return out
}

// TransportHealth is the exported health snapshot.
type TransportHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
	Active              bool      `json:"active"`
}

func alternate(p transport.Protocol) transport.Protocol {
	if p == transport.ProtocolHTTP {
		return transport.ProtocolMQTT
	}
	return transport.ProtocolHTTP
}
