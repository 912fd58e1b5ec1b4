package main

import (
	"encoding/json"

	"github.com/nerrad567/gray-logic-meross/internal/api"
	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// stateSink fans engine events out to the WebSocket hub and, when
// InfluxDB is connected, extracts numeric telemetry from metering
// namespaces.
type stateSink struct {
	hub    *api.Hub
	influx *influxdb.Client
	log    *logging.Logger
}

var _ engine.Sink = (*stateSink)(nil)

func newStateSink(hub *api.Hub, influx *influxdb.Client, log *logging.Logger) *stateSink {
	return &stateSink{hub: hub, influx: influx, log: log}
}

func (s *stateSink) OnState(uuid, namespace string, payload json.RawMessage, via transport.Protocol) {
	s.hub.OnState(uuid, namespace, payload, via)

	if s.influx == nil {
		return
	}
	switch namespace {
	case protocol.NSControlElectricity.Name:
		s.writeElectricity(uuid, payload)
	case protocol.NSControlConsumptionX.Name:
		s.writeConsumption(uuid, payload)
	}
}

func (s *stateSink) OnAvailability(uuid string, online bool) {
	s.hub.OnAvailability(uuid, online)
}

// electricityPayload mirrors the Appliance.Control.Electricity body.
// Firmware reports milliwatts, tenths of a volt and milliamps.
type electricityPayload struct {
	Electricity struct {
		Channel int     `json:"channel"`
		Current float64 `json:"current"`
		Voltage float64 `json:"voltage"`
		Power   float64 `json:"power"`
	} `json:"electricity"`
}

// electricityReading is one converted sample in SI units.
type electricityReading struct {
	channel int
	watts   float64
	volts   float64
	amps    float64
}

func parseElectricity(payload json.RawMessage) (electricityReading, error) {
	var p electricityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return electricityReading{}, err
	}
	return electricityReading{
		channel: p.Electricity.Channel,
		watts:   p.Electricity.Power / 1000,   // mW -> W
		volts:   p.Electricity.Voltage / 10,   // dV -> V
		amps:    p.Electricity.Current / 1000, // mA -> A
	}, nil
}

func (s *stateSink) writeElectricity(uuid string, payload json.RawMessage) {
	r, err := parseElectricity(payload)
	if err != nil {
		s.log.Debug("unparseable electricity payload", "uuid", uuid, "error", err)
		return
	}
	s.influx.WriteElectricityMetric(uuid, r.channel, r.watts, r.volts, r.amps)
}

// consumptionPayload mirrors the Appliance.Control.ConsumptionX body:
// a day-bucketed list of cumulative watt-hour readings.
type consumptionPayload struct {
	ConsumptionX []struct {
		Date  string  `json:"date"`
		Time  int64   `json:"time"`
		Value float64 `json:"value"`
	} `json:"consumptionx"`
}

// parseConsumption returns today's running watt-hour total, the last
// entry of the day-bucketed list the firmware reports.
func parseConsumption(payload json.RawMessage) (float64, bool, error) {
	var p consumptionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, false, err
	}
	if len(p.ConsumptionX) == 0 {
		return 0, false, nil
	}
	return p.ConsumptionX[len(p.ConsumptionX)-1].Value, true, nil
}

func (s *stateSink) writeConsumption(uuid string, payload json.RawMessage) {
	value, ok, err := parseConsumption(payload)
	if err != nil {
		s.log.Debug("unparseable consumption payload", "uuid", uuid, "error", err)
		return
	}
	if !ok {
		return
	}
	s.influx.WriteDeviceMetric(uuid, "consumption_wh", value)
}
