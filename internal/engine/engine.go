package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/device"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/trace"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// Logger is the logging surface the engine needs. Satisfied by
// logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Sink receives decoded device state and availability changes. The API
// layer fans these out to websocket subscribers; implementations must not
// block, they are called from driver and transport goroutines.
type Sink interface {
	// OnState delivers one namespace payload for a device. via is empty
	// for states assembled outside a single carrier exchange.
	OnState(uuid, namespace string, payload json.RawMessage, via transport.Protocol)

	// OnAvailability delivers online/offline edges.
	OnAvailability(uuid string, online bool)
}

// Tunables are the engine-wide timing and failover knobs. Zero values
// select the defaults; see WithDefaults.
type Tunables struct {
	// PollInterval is the base cadence for devices without their own.
	PollInterval time.Duration

	// TickInterval is the scheduler granularity. Poll entries are checked
	// for dueness at this rate.
	TickInterval time.Duration

	// BindRetryInterval spaces out bind attempts for unreachable devices.
	BindRetryInterval time.Duration

	// PollFailureBackoff defers a namespace after a failed poll.
	PollFailureBackoff time.Duration

	// SmartFreshness is the push-recency window within which SMART
	// namespaces skip their poll.
	SmartFreshness time.Duration

	// SignValidity is the accepted timestamp window on response
	// verification.
	SignValidity time.Duration

	// FailureThreshold, RecentSuccessWindow and RetryBackoffMin/Max feed
	// each device's transport selector. See SelectorConfig.
	FailureThreshold    int
	RecentSuccessWindow time.Duration
	RetryBackoffMin     time.Duration
	RetryBackoffMax     time.Duration
}

// WithDefaults fills zero fields with production defaults.
func (t Tunables) WithDefaults() Tunables {
	if t.PollInterval <= 0 {
		t.PollInterval = 30 * time.Second
	}
	if t.TickInterval <= 0 {
		t.TickInterval = time.Second
	}
	if t.BindRetryInterval <= 0 {
		t.BindRetryInterval = 30 * time.Second
	}
	if t.PollFailureBackoff <= 0 {
		t.PollFailureBackoff = 10 * time.Second
	}
	if t.SmartFreshness <= 0 {
		t.SmartFreshness = t.PollInterval
	}
	if t.SignValidity <= 0 {
		t.SignValidity = protocol.DefaultSignValidity
	}
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = 2
	}
	if t.RecentSuccessWindow <= 0 {
		t.RecentSuccessWindow = 10 * time.Minute
	}
	if t.RetryBackoffMin <= 0 {
		t.RetryBackoffMin = 5 * time.Second
	}
	if t.RetryBackoffMax <= 0 {
		t.RetryBackoffMax = 5 * time.Minute
	}
	return t
}

// Config assembles an Engine.
type Config struct {
	// HTTP is the local HTTP adapter. Required.
	HTTP *transport.HTTPAdapter

	// MQTT is the broker adapter. Optional; nil pins every device to HTTP
	// regardless of configured transport mode.
	MQTT *transport.MQTTAdapter

	// Registry persists learned device info. Optional.
	Registry *device.Registry

	// Sink receives state and availability. Required.
	Sink Sink

	// Tracer receives protocol events. Nil means trace.Discard.
	Tracer trace.Sink

	// Logger. Nil means silent.
	Logger Logger

	Tunables Tunables
}

// Engine drives a fleet of Meross devices: one driver goroutine per
// device, sharing the two transport adapters.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	httpA    *transport.HTTPAdapter
	mqttA    *transport.MQTTAdapter
	registry *device.Registry
	sink     Sink
	tracer   trace.Sink
	logger   Logger
	tun      Tunables

	mu      sync.RWMutex
	drivers map[string]*driver
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

// New creates an engine. Call AddDevice to start driving devices and Close
// to stop them all.
func New(cfg Config) (*Engine, error) {
	if cfg.HTTP == nil {
		return nil, fmt.Errorf("engine: HTTP adapter is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("engine: sink is required")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		httpA:    cfg.HTTP,
		mqttA:    cfg.MQTT,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		tracer:   tracer,
		logger:   logger,
		tun:      cfg.Tunables.WithDefaults(),
		drivers:  make(map[string]*driver),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// AddDevice starts driving a device. The device is copied; later changes
// to dev do not affect the running driver.
func (e *Engine) AddDevice(dev *device.Device) error {
	if dev.UUID == "" || dev.Host == "" {
		return fmt.Errorf("%w: uuid and host are required", ErrInvalidRequest)
	}
	if !dev.Transport.Valid() {
		return fmt.Errorf("%w: transport %q", ErrInvalidRequest, dev.Transport)
	}
	if e.mqttA == nil && dev.Transport == device.TransportMQTT {
		return fmt.Errorf("%w: no broker configured for mqtt transport", ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: closed")
	}
	if _, exists := e.drivers[dev.UUID]; exists {
		return fmt.Errorf("%w: device %s already driven", ErrInvalidRequest, dev.UUID)
	}

	d := newDriver(dev.DeepCopy(), e)
	if e.mqttA == nil {
		d.dev.Transport = device.TransportHTTP
		d.sel = NewSelector(SelectorConfig{
			Mode:             device.TransportHTTP,
			FailureThreshold: e.tun.FailureThreshold,
			RetryBackoffMin:  e.tun.RetryBackoffMin,
			RetryBackoffMax:  e.tun.RetryBackoffMax,
		})
	}
	e.drivers[dev.UUID] = d
	d.start(e.ctx)

	e.logger.Info("device added", "uuid", dev.UUID, "host", dev.Host, "transport", string(d.dev.Transport))
	return nil
}

// RemoveDevice stops driving a device, cancelling its in-flight requests.
func (e *Engine) RemoveDevice(uuid string) error {
	e.mu.Lock()
	d, ok := e.drivers[uuid]
	if ok {
		delete(e.drivers, uuid)
	}
	e.mu.Unlock()

	if !ok {
		return ErrUnknownDevice
	}
	d.stop()
	e.logger.Info("device removed", "uuid", uuid)
	return nil
}

// RawRequest is an externally submitted protocol request.
type RawRequest struct {
	// DeviceUUID addresses the target device.
	DeviceUUID string `json:"device_uuid"`

	// Method is GET, SET or PUSH.
	Method string `json:"method"`

	// Namespace is the dotted protocol namespace.
	Namespace string `json:"namespace"`

	// Key overrides the device's stored signing key for this exchange.
	// Empty means the stored key. Useful for probing a device whose key
	// is not yet known to be right.
	Key string `json:"key,omitempty"`

	// Payload is the namespace body. Nil selects the namespace's default
	// query payload for GET and PUSH, and is invalid for SET.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request performs one protocol exchange on behalf of a caller (API
// layer, automation). The returned message is the verified device
// response; PUSH-method requests return nil on successful send.
func (e *Engine) Request(ctx context.Context, req RawRequest) (*protocol.Message, error) {
	d, err := e.driverFor(req.DeviceUUID)
	if err != nil {
		return nil, err
	}

	ns := protocol.LookupNamespace(req.Namespace)
	var payload any
	switch req.Method {
	case protocol.MethodGet:
		payload = json.RawMessage(req.Payload)
		if req.Payload == nil {
			payload = ns.GetPayload()
		}
	case protocol.MethodPush:
		payload = json.RawMessage(req.Payload)
		if req.Payload == nil {
			payload = ns.PushPayload()
		}
	case protocol.MethodSet:
		if req.Payload == nil {
			return nil, fmt.Errorf("%w: SET requires a payload", ErrInvalidRequest)
		}
		payload = json.RawMessage(req.Payload)
	default:
		return nil, fmt.Errorf("%w: method %q", ErrInvalidRequest, req.Method)
	}

	if !d.sel.ShouldAttempt() {
		return nil, ErrDeviceUnavailable
	}

	key := d.target.Key
	if req.Key != "" {
		key = req.Key
	}
	resp, _, err := d.exchangeAs(ctx, req.Namespace, req.Method, payload, key)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// NamespaceStatus is one polling table entry snapshot.
type NamespaceStatus struct {
	Namespace    string       `json:"namespace"`
	Strategy     StrategyKind `json:"strategy"`
	LastResponse time.Time    `json:"last_response,omitzero"`
	LastPush     time.Time    `json:"last_push,omitzero"`
	NextDue      time.Time    `json:"next_due,omitzero"`
}

// DeviceStatus is the diagnostic snapshot of one driven device.
type DeviceStatus struct {
	UUID      string                                 `json:"uuid"`
	Online    bool                                   `json:"online"`
	Bound     bool                                   `json:"bound"`
	Transport transport.Protocol                     `json:"transport"`
	MaxCmdNum int                                    `json:"max_cmd_num,omitempty"`
	Pending   int                                    `json:"pending"`
	Health    map[transport.Protocol]TransportHealth `json:"health"`
	Polls     []NamespaceStatus                      `json:"polls,omitempty"`
}

// Status returns the snapshot for one device.
func (e *Engine) Status(uuid string) (DeviceStatus, error) {
	d, err := e.driverFor(uuid)
	if err != nil {
		return DeviceStatus{}, err
	}
	return d.status(), nil
}

// StatusAll returns snapshots for every driven device.
func (e *Engine) StatusAll() []DeviceStatus {
	e.mu.RLock()
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, d.status())
	}
	return out
}

// Close stops every driver and releases the transports. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.drivers = make(map[string]*driver)
	e.mu.Unlock()

	e.cancel()
	for _, d := range drivers {
		d.stop()
	}
	e.httpA.Close()
	e.logger.Info("engine stopped", "devices", len(drivers))
}

func (e *Engine) driverFor(uuid string) (*driver, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.drivers[uuid]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return d, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
