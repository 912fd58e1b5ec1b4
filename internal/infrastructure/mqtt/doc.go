// Package mqtt provides the broker connection for the Meross bridge.
//
// This package manages:
//   - Connection to the local broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for bridge offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Meross appliances that have been paired to a local broker publish their
// responses and state pushes on /appliance/{uuid}/publish and accept
// requests on /appliance/{uuid}/subscribe. The transport layer builds
// those topics (see internal/protocol); this package only moves bytes.
//
//	Bridge ↔ MQTT Broker ↔ Appliances
//
// # Security Considerations
//
//   - TLS is recommended for brokers reachable beyond the LAN
//   - Credentials are validated against broker ACL
//   - Appliance payloads carry their own md5 signature on top of transport
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("/appliance/+/publish", 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
