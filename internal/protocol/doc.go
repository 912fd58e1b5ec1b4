// Package protocol implements the Meross appliance message codec.
//
// Meross devices speak a namespace-based request/response protocol carried
// identically over local HTTP and MQTT. Every message is a JSON envelope:
//
//	{
//	  "header": {
//	    "messageId": "...32 hex chars...",
//	    "namespace": "Appliance.System.All",
//	    "method": "GET",
//	    "payloadVersion": 1,
//	    "from": "/app/gray-logic-meross/subscribe",
//	    "timestamp": 1735689600,
//	    "timestampMs": 0,
//	    "sign": "...md5 hex..."
//	  },
//	  "payload": { ... namespace specific ... }
//	}
//
// The signature is the device firmware's own computation:
//
//	sign = hex(md5(messageId + key + timestamp))
//
// where key is the per-device shared secret. MD5 is mandated by the
// firmware; it is an interoperability requirement, not a security choice.
//
// # Namespaces
//
// Namespaces are dotted capability identifiers (e.g. Appliance.Control.ToggleX).
// Each namespace carries its payload under a well-known root key derived from
// the last dotted segment. The Namespace descriptor and the catalog in
// namespaces.go capture the grammar of the namespaces we know about; unknown
// namespaces get a synthesised descriptor so the engine can still query them.
//
// # Key fallback
//
// When the device key is unknown the codec can sign with an empty key and
// accept the device's echoed header timestamp. This reproduces the official
// app's degraded-trust pairing mode and exists purely for compatibility.
//
// # Thread Safety
//
// All exported functions are pure and safe for concurrent use. Message
// values are immutable once built.
package protocol
