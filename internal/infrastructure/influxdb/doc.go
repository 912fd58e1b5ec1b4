// Package influxdb provides time-series storage for the Meross bridge.
//
// It records two kinds of data in InfluxDB v2:
//
//   - Protocol traces: every envelope exchanged with a device (direction,
//     transport, method, namespace, payload). The Client satisfies the
//     engine's trace.Sink interface, so it can be wired directly into the
//     engine for wire-level diagnostics.
//   - Device telemetry: numeric readings extracted from device state,
//     such as instantaneous power from Appliance.Control.Electricity.
//
// Writes are non-blocking and batched; the write API buffers points and
// flushes on an interval, so tracing never stalls the request path.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // ErrDisabled when the integration is off in config
//	}
//	defer client.Close()
//
//	eng, err := engine.New(engine.Config{
//	    Tracer: client,
//	    // ...
//	})
//
// Write errors surface asynchronously through SetOnError.
package influxdb
