package engine

import (
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// StrategyKind decides when a namespace is queried.
type StrategyKind string

const (
	// StrategyNone is never polled. Descriptive and one-shot namespaces
	// (abilities, clock sync, batching) fall here.
	StrategyNone StrategyKind = "none"

	// StrategyAll rides the full-state query: the namespace is covered
	// by Appliance.System.All and polled at the device interval.
	StrategyAll StrategyKind = "all"

	// StrategyDefault polls at the device interval unconditionally.
	StrategyDefault StrategyKind = "default"

	// StrategyLazy polls at a multiple of the device interval. Used for
	// slow-moving configuration state.
	StrategyLazy StrategyKind = "lazy"

	// StrategySmart polls at the device interval but skips a round when
	// a push update for the namespace arrived within the freshness
	// window. Devices bound to a broker push state changes themselves.
	StrategySmart StrategyKind = "smart"
)

// strategyTable assigns a strategy to each known namespace. Namespaces a
// device advertises but which are absent here are not polled.
var strategyTable = map[string]StrategyKind{
	protocol.NSSystemAll.Name:             StrategyAll,
	protocol.NSSystemDNDMode.Name:         StrategyLazy,
	protocol.NSSystemRuntime.Name:         StrategyLazy,
	protocol.NSControlToggle.Name:         StrategySmart,
	protocol.NSControlToggleX.Name:        StrategySmart,
	protocol.NSControlLight.Name:          StrategySmart,
	protocol.NSControlElectricity.Name:    StrategyDefault,
	protocol.NSControlConsumptionX.Name:   StrategyDefault,
	protocol.NSControlPresenceStudy.Name:  StrategySmart,
	protocol.NSControlPresenceConfig.Name: StrategyLazy,
}

// lazyMultiplier stretches the poll interval for StrategyLazy entries.
const lazyMultiplier = 8

// pollEntry tracks the polling state of one namespace on one device.
// Only the owning driver goroutine touches it.
type pollEntry struct {
	ns   *protocol.Namespace
	kind StrategyKind

	interval time.Duration

	lastRequest  time.Time
	lastResponse time.Time
	lastPush     time.Time
	nextDue      time.Time

	// getUnsupported is learned at runtime: the device rejected or
	// dropped a GET for this namespace. Further polls go out as PUSH
	// queries when the namespace pushes at all.
	getUnsupported bool
}

// newPollEntry builds the entry for an advertised namespace, or nil when
// the strategy is none.
func newPollEntry(ns *protocol.Namespace, base time.Duration) *pollEntry {
	kind, ok := strategyTable[ns.Name]
	if !ok || kind == StrategyNone {
		return nil
	}
	interval := base
	if kind == StrategyLazy {
		interval = base * lazyMultiplier
	}
	return &pollEntry{
		ns:       ns,
		kind:     kind,
		interval: interval,
		// Zero nextDue: due immediately on first cycle.
	}
}

// due reports whether the entry should be queried now. SMART entries skip
// the round when a push arrived within the freshness window, but the skip
// never delays nextDue: the moment pushes stop, polling resumes on the
// original cadence.
func (e *pollEntry) due(now time.Time, freshness time.Duration) bool {
	if now.Before(e.nextDue) {
		return false
	}
	if e.kind == StrategySmart && !e.lastPush.IsZero() && now.Sub(e.lastPush) < freshness {
		return false
	}
	return true
}

// recordSuccess anchors the next poll to the response time, so cadence
// drifts with actual device latency instead of the request schedule.
func (e *pollEntry) recordSuccess(now time.Time) {
	e.lastResponse = now
	e.nextDue = now.Add(e.interval)
}

// recordPush notes a device-initiated update and re-anchors SMART cadence.
func (e *pollEntry) recordPush(now time.Time) {
	e.lastPush = now
	if e.kind == StrategySmart {
		e.nextDue = now.Add(e.interval)
	}
}

// recordFailure pushes the entry out by the backoff without ever pulling
// nextDue earlier than it already was.
func (e *pollEntry) recordFailure(now time.Time, backoff time.Duration) {
	deferred := now.Add(backoff)
	if deferred.After(e.nextDue) {
		e.nextDue = deferred
	}
}
