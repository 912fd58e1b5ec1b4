// Package transport carries Meross protocol envelopes to devices over HTTP
// and MQTT behind a uniform send/await contract.
//
// # Architecture
//
//	┌──────────┐   Send    ┌──────────────┐  POST /config   ┌────────┐
//	│  engine  │──────────►│ HTTPAdapter  │────────────────►│ device │
//	│          │           ├──────────────┤  /appliance/…   │        │
//	│          │──────────►│ MQTTAdapter  │◄───────────────►│ broker │
//	└──────────┘           └──────┬───────┘                 └────────┘
//	      ▲                       │ every received envelope
//	      │  pushes               ▼
//	      └──────────────── Correlator (per device)
//
// Both adapters implement the same contract: send one signed envelope and
// await the matching response, a timeout, or a transport error. Every
// envelope an adapter receives — matched response, duplicate or unsolicited
// push — flows through the device's Correlator, which owns the pending
// request table and routes pushes to the state-update sink.
//
// Responses are matched solely by messageId, never by arrival order: MQTT
// deliveries may interleave freely when several requests are in flight.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package transport
