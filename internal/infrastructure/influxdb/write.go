package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-meross/internal/trace"
)

var _ trace.Sink = (*Client)(nil)

// Trace records one protocol event. It satisfies trace.Sink so the client
// can be passed straight to the engine as its tracer.
//
// The write is non-blocking; points are batched and sent asynchronously.
// Payloads are stored as a field (not a tag) to keep series cardinality
// bounded by device count, not message content.
func (c *Client) Trace(rec trace.Record) {
	if !c.IsConnected() {
		return
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		"protocol_event",
		map[string]string{
			"device":    rec.Device,
			"direction": rec.Direction,
			"transport": rec.Transport,
			"method":    rec.Method,
			"namespace": rec.Namespace,
		},
		map[string]interface{}{
			"payload": rec.Payload,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteElectricityMetric records an instantaneous power reading, as
// reported by Appliance.Control.Electricity.
//
// Parameters:
//   - deviceUUID: Device identifier
//   - channel: Device channel the reading belongs to
//   - powerWatts: Current power draw in watts
//   - voltageVolts: Mains voltage in volts
//   - currentAmps: Current draw in amps
func (c *Client) WriteElectricityMetric(deviceUUID string, channel int, powerWatts, voltageVolts, currentAmps float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"electricity",
		map[string]string{
			"device":  deviceUUID,
			"channel": strconv.Itoa(channel),
		},
		map[string]interface{}{
			"power_watts":   powerWatts,
			"voltage_volts": voltageVolts,
			"current_amps":  currentAmps,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceMetric writes a single named reading for a device.
//
// Use this for readings that don't fit the dedicated helpers, such as
// cumulative consumption from Appliance.Control.ConsumptionX.
//
// Example:
//
//	client.WriteDeviceMetric("2212199...", "consumption_wh", 1520)
func (c *Client) WriteDeviceMetric(deviceUUID string, measurement string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_metrics",
		map[string]string{
			"device":      deviceUUID,
			"measurement": measurement,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., device-reported history).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
