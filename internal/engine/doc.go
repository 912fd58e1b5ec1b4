// Package engine drives Meross appliances: it decides what to ask each
// device and when, over which transport, and routes decoded state to the
// host bus.
//
// # Architecture
//
//	┌───────────────────────── Engine ─────────────────────────┐
//	│  one driver goroutine per device                          │
//	│                                                           │
//	│  Scheduler ──► Selector ──► codec ──► HTTP/MQTT adapter   │
//	│     ▲  (what/when)  (which carrier)        │              │
//	│     │                                      ▼              │
//	│     └────────────── Correlator ◄───────────┘              │
//	│                         │ pushes / responses              │
//	└─────────────────────────┼────────────────────────────────┘
//	                          ▼
//	                     state sink (external)
//
// Each device is owned by exactly one driver goroutine running its own
// poll cycle. The driver owns the device's polling strategy table,
// transport selector and correlator; externally-triggered requests (user
// commands via the API) share those through the driver's lock. A stalled
// device delays only its own next cycle, never other devices.
//
// # Polling strategies
//
// Every namespace advertised in the device's ability catalog gets a
// strategy: ALL (the System.All heartbeat), DEFAULT (device interval),
// LAZY (coarse interval for rarely-changing state), SMART (device
// interval, but skipped while the device PUSHes fresh updates for the
// namespace) or NONE (never polled proactively). Due namespaces are
// coalesced into Appliance.Control.Multiple batches when the device
// advertises maxCmdNum.
//
// # Failover
//
// Devices configured AUTO fail over between HTTP and MQTT after a small
// number of consecutive failures; pinned devices never switch. Recovery
// is lazy: a transport is trusted again only when an actual exchange on
// it succeeds.
package engine
