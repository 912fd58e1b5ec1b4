// Package trace defines the protocol event record emitted by the engine
// for every message exchanged with a device, plus the Sink interface
// consumed by external writers (diagnostic files, time series storage).
package trace

import (
	"sync"
	"time"
)

// Direction of a protocol event relative to the bridge.
const (
	// DirectionTX marks an envelope sent to the device.
	DirectionTX = "TX"
	// DirectionRX marks an envelope received from the device.
	DirectionRX = "RX"
	// DirectionNone marks a non-protocol event (failures, log lines).
	DirectionNone = ""
)

// Record is one protocol event. The tuple shape (timestamp, direction,
// transport, method, namespace, payload) is the canonical trace format;
// writers must preserve field order when serialising.
type Record struct {
	Timestamp time.Time
	Device    string
	Direction string
	Transport string
	Method    string
	Namespace string
	Payload   string
}

// Sink consumes trace records. Implementations must be safe for concurrent
// use and must not block the caller: the engine emits records on the hot
// request path.
type Sink interface {
	Trace(rec Record)
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Trace(Record) {}

// Tee fans records out to several sinks.
func Tee(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil && s != Discard {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	default:
		return tee(out)
	}
}

type tee []Sink

func (t tee) Trace(rec Record) {
	for _, s := range t {
		s.Trace(rec)
	}
}

// Buffer is a bounded in-memory Sink keeping the most recent records.
// Useful for diagnostics endpoints and tests. When full, the oldest
// records are dropped.
type Buffer struct {
	mu   sync.Mutex
	recs []Record
	max  int
}

// NewBuffer creates a buffer holding at most max records.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 1000
	}
	return &Buffer{max: max}
}

// Trace implements Sink.
func (b *Buffer) Trace(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs = append(b.recs, rec)
	if len(b.recs) > b.max {
		b.recs = b.recs[len(b.recs)-b.max:]
	}
}

// Records returns a copy of the buffered records, oldest first.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.recs))
	copy(out, b.recs)
	return out
}
