package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/device"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/trace"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// driver owns one device: its correlator, transport selector and polling
// table. One goroutine per driver runs the poll loop; pushes come in from
// the transport adapters on their own goroutines, so the polling table is
// guarded by mu.
type driver struct {
	dev    *device.Device
	target transport.Target
	corr   *transport.Correlator
	sel    *Selector
	httpA  *transport.HTTPAdapter
	mqttA  *transport.MQTTAdapter
	sink   Sink
	tracer trace.Sink
	logger Logger
	reg    *device.Registry
	tun    Tunables

	mu        sync.Mutex
	bound     bool
	online    bool
	maxCmdNum int
	polls     map[string]*pollEntry
	lastBind  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newDriver(dev *device.Device, e *Engine) *driver {
	if dev.PollInterval <= 0 {
		dev.PollInterval = e.tun.PollInterval
	}
	d := &driver{
		dev: dev,
		target: transport.Target{
			UUID:         dev.UUID,
			Host:         dev.Host,
			Key:          dev.Key,
			SignValidity: e.tun.SignValidity,
		},
		sel: NewSelector(SelectorConfig{
			Mode:                dev.Transport,
			Preferred:           transport.ProtocolHTTP,
			FailureThreshold:    e.tun.FailureThreshold,
			RecentSuccessWindow: e.tun.RecentSuccessWindow,
			RetryBackoffMin:     e.tun.RetryBackoffMin,
			RetryBackoffMax:     e.tun.RetryBackoffMax,
		}),
		httpA:  e.httpA,
		mqttA:  e.mqttA,
		sink:   e.sink,
		tracer: e.tracer,
		logger: e.logger,
		reg:    e.registry,
		tun:    e.tun,
		polls:  make(map[string]*pollEntry),
		done:   make(chan struct{}),
	}
	d.corr = transport.NewCorrelator(d.handlePush, e.logger)

	// A persisted ability catalog lets a restarted bridge poll right away
	// while the fresh bind confirms it.
	if len(dev.Abilities) > 0 {
		d.seedPolls(dev.Abilities)
		d.maxCmdNum = dev.Abilities.MaxCmdNum()
	}
	return d
}

// start launches the poll loop. The MQTT response topic is attached up
// front so pushes flow even before the first request goes out.
func (d *driver) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	if d.mqttA != nil && d.dev.Transport != device.TransportHTTP {
		if err := d.mqttA.Attach(d.target, d.corr); err != nil {
			d.logger.Warn("mqtt attach failed", "uuid", d.dev.UUID, "error", err)
		}
	}

	go d.run(ctx)
}

// stop cancels the loop, fails in-flight requests and detaches from the
// broker. Blocks until the loop goroutine has exited.
func (d *driver) stop() {
	d.cancel()
	<-d.done
	d.corr.CancelAll()
	if d.mqttA != nil && d.dev.Transport != device.TransportHTTP {
		if err := d.mqttA.Detach(d.dev.UUID); err != nil {
			d.logger.Debug("mqtt detach failed", "uuid", d.dev.UUID, "error", err)
		}
	}
}

func (d *driver) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.tun.TickInterval)
	defer ticker.Stop()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// cycle runs one scheduler pass: bind if needed, collect due namespaces,
// batch and dispatch queries, and flip availability when the selector
// exhausts.
func (d *driver) cycle(ctx context.Context) {
	if !d.sel.ShouldAttempt() {
		d.setOnline(false)
		return
	}

	d.mu.Lock()
	bound := d.bound
	lastBind := d.lastBind
	d.mu.Unlock()

	if !bound {
		if time.Since(lastBind) < d.tun.BindRetryInterval {
			return
		}
		d.mu.Lock()
		d.lastBind = time.Now()
		d.mu.Unlock()
		if err := d.bind(ctx); err != nil {
			d.logger.Warn("bind failed", "uuid", d.dev.UUID, "error", err)
			// Online is only ever asserted by a successful exchange;
			// a failed bind can at most take the device offline.
			if d.sel.Exhausted() {
				d.setOnline(false)
			}
			return
		}
	}

	d.mu.Lock()
	due := dueEntries(d.polls, time.Now(), d.tun.SmartFreshness)
	maxCmdNum := d.maxCmdNum
	d.mu.Unlock()

	gets, pushOnly := splitQueryable(due)

	for _, e := range pushOnly {
		d.queryPush(ctx, e)
	}

	if maxCmdNum >= 2 && len(gets) > 1 {
		for _, batch := range batchEntries(gets, maxCmdNum) {
			d.queryBatch(ctx, batch)
		}
	} else {
		for _, e := range gets {
			d.queryGet(ctx, e)
		}
	}

	if d.sel.Exhausted() {
		d.setOnline(false)
	}
}

// bind performs the initial handshake: learn the ability catalog, fetch
// the full state snapshot, seed the polling table and persist what we
// learned about the hardware.
func (d *driver) bind(ctx context.Context) error {
	abilityResp, _, err := d.exchange(ctx, protocol.NSSystemAbility.Name, protocol.MethodGet, protocol.NSSystemAbility.GetPayload())
	if err != nil {
		return fmt.Errorf("querying abilities: %w", err)
	}
	catalog, err := device.ParseAbilityCatalog(abilityResp.Payload)
	if err != nil {
		return fmt.Errorf("parsing abilities: %w", err)
	}

	allResp, allVia, err := d.exchange(ctx, protocol.NSSystemAll.Name, protocol.MethodGet, protocol.NSSystemAll.GetPayload())
	if err != nil {
		return fmt.Errorf("querying system state: %w", err)
	}
	all, err := device.ParseSystemAll(allResp.Payload)
	if err != nil {
		return fmt.Errorf("parsing system state: %w", err)
	}

	d.mu.Lock()
	d.dev.Abilities = catalog
	d.dev.Model = all.All.System.Hardware.Type
	d.dev.FirmwareVersion = all.All.System.Firmware.Version
	d.dev.HardwareVersion = all.All.System.Hardware.Version
	d.dev.MACAddress = all.All.System.Hardware.MacAddr
	d.maxCmdNum = catalog.MaxCmdNum()
	d.seedPolls(catalog)
	d.seedDigest(all.All.Digest)
	if e, ok := d.polls[protocol.NSSystemAll.Name]; ok {
		e.recordSuccess(time.Now())
	}
	d.bound = true
	snapshot := d.dev.DeepCopy()
	d.mu.Unlock()

	if d.reg != nil {
		if err := d.reg.Update(ctx, snapshot); err != nil {
			d.logger.Warn("persisting device info failed", "uuid", d.dev.UUID, "error", err)
		}
	}

	d.sink.OnState(d.dev.UUID, protocol.NSSystemAll.Name, allResp.Payload, allVia)
	d.setOnline(true)

	d.logger.Info("device bound",
		"uuid", d.dev.UUID,
		"model", all.All.System.Hardware.Type,
		"firmware", all.All.System.Firmware.Version,
		"namespaces", len(catalog),
		"maxCmdNum", d.maxCmdNum,
	)
	return nil
}

// seedPolls populates the polling table from an ability catalog. Existing
// entries keep their timing state so a re-bind does not burst-poll.
// Caller holds mu (or the driver is not yet started).
func (d *driver) seedPolls(catalog device.AbilityCatalog) {
	for name := range catalog {
		if _, ok := d.polls[name]; ok {
			continue
		}
		if e := newPollEntry(protocol.LookupNamespace(name), d.dev.PollInterval); e != nil {
			d.polls[name] = e
		}
	}
}

// seedDigest adds polling entries for System.All digest sections the
// ability catalog missed. Some firmware omits control namespaces from
// the ability list yet reports their state in the digest; the digest is
// proof the device carries them. Sections without a built-in namespace
// stay covered by the System.All poll. Caller holds mu.
func (d *driver) seedDigest(digest json.RawMessage) {
	if len(digest) == 0 {
		return
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(digest, &sections); err != nil {
		return
	}
	for key := range sections {
		ns := protocol.LookupDigestKey(key)
		if ns == nil {
			continue
		}
		if _, ok := d.polls[ns.Name]; ok {
			continue
		}
		e := newPollEntry(ns, d.dev.PollInterval)
		if e == nil {
			// Known namespace without a strategy row: the digest proves
			// the hardware has it, poll at the base cadence.
			e = &pollEntry{ns: ns, kind: StrategyDefault, interval: d.dev.PollInterval}
		}
		d.polls[ns.Name] = e
	}
}

// queryGet polls one namespace with a GET. A device-side rejection marks
// the namespace GET-unsupported and falls through to a PUSH probe when the
// namespace pushes, so sensors whose firmware drops GETs still get read.
func (d *driver) queryGet(ctx context.Context, e *pollEntry) {
	d.mu.Lock()
	e.lastRequest = time.Now()
	d.mu.Unlock()

	resp, via, err := d.exchange(ctx, e.ns.Name, protocol.MethodGet, e.ns.GetPayload())
	if err != nil {
		var devErr *protocol.DeviceError
		isDevErr := errors.As(err, &devErr)

		d.mu.Lock()
		e.recordFailure(time.Now(), d.tun.PollFailureBackoff)
		if isDevErr {
			e.getUnsupported = true
		}
		d.mu.Unlock()

		if errors.Is(err, transport.ErrCancelled) {
			return
		}
		if e.ns.HasPush == nil || *e.ns.HasPush {
			d.queryPush(ctx, e)
		}
		return
	}

	d.mu.Lock()
	e.recordSuccess(time.Now())
	d.mu.Unlock()
	d.sink.OnState(d.dev.UUID, e.ns.Name, resp.Payload, via)
	d.setOnline(true)
}

// queryPush sends a PUSH-method query. The device does not acknowledge;
// its answer (if any) arrives as an unsolicited PUSH and is handled by
// handlePush, which re-anchors the entry's cadence.
func (d *driver) queryPush(ctx context.Context, e *pollEntry) {
	d.mu.Lock()
	now := time.Now()
	e.lastRequest = now
	// Advance nextDue so an unanswered probe does not repeat every tick.
	e.recordFailure(now, d.tun.PollFailureBackoff)
	d.mu.Unlock()

	msg, err := protocol.NewRequest(e.ns.Name, protocol.MethodPush, e.ns.PushPayload(), d.target.Key)
	if err != nil {
		d.logger.Warn("building push query failed", "uuid", d.dev.UUID, "namespace", e.ns.Name, "error", err)
		return
	}

	via := d.sel.Pick(e.ns.Name)
	d.traceTX(via, msg)
	out := d.adapter(via).Send(ctx, d.target, msg, d.corr)
	if out.Err != nil {
		if errors.Is(out.Err, transport.ErrTransport) || errors.Is(out.Err, transport.ErrTimeout) {
			d.sel.RecordFailure(via)
		}
		d.logger.Debug("push query failed", "uuid", d.dev.UUID, "namespace", e.ns.Name, "error", out.Err)
		return
	}
	d.sel.RecordSuccess(via)
}

// queryBatch polls a group of namespaces through one Control.Multiple SET.
// Sub-responses settle their entries individually; namespaces missing from
// the batched reply are treated as failed.
func (d *driver) queryBatch(ctx context.Context, batch []*pollEntry) {
	d.mu.Lock()
	now := time.Now()
	for _, e := range batch {
		e.lastRequest = now
	}
	d.mu.Unlock()

	subs, err := batchRequests(batch)
	if err != nil {
		d.logger.Warn("building batch failed", "uuid", d.dev.UUID, "error", err)
		return
	}

	resp, via, err := d.exchangeWith(ctx, protocol.NSControlMultiple.Name, func() (*protocol.Message, error) {
		return protocol.NewMultipleRequest(subs, d.target.Key)
	})
	if err != nil {
		d.mu.Lock()
		now := time.Now()
		for _, e := range batch {
			e.recordFailure(now, d.tun.PollFailureBackoff)
		}
		d.mu.Unlock()
		return
	}

	answered := make(map[string]*protocol.Message)
	subResponses, err := protocol.DecodeMultipleResponse(resp.Payload)
	if err != nil {
		d.logger.Warn("decoding batch response failed", "uuid", d.dev.UUID, "error", err)
	} else {
		for i := range subResponses {
			answered[subResponses[i].Header.Namespace] = &subResponses[i]
		}
	}

	now = time.Now()
	var deliver []*protocol.Message
	d.mu.Lock()
	for _, e := range batch {
		sub, ok := answered[e.ns.Name]
		if !ok || sub.Header.Method == protocol.MethodError {
			e.recordFailure(now, d.tun.PollFailureBackoff)
			if ok {
				// The device answered the batch but rejected this
				// namespace's GET: route it through the PUSH path from
				// now on (when it pushes at all).
				e.getUnsupported = true
			}
			continue
		}
		e.recordSuccess(now)
		deliver = append(deliver, sub)
	}
	d.mu.Unlock()

	for _, sub := range deliver {
		d.sink.OnState(d.dev.UUID, sub.Header.Namespace, sub.Payload, via)
	}
	// The batched exchange itself succeeded even if every sub-response
	// was a rejection, so the device is reachable.
	d.setOnline(true)
}

// exchange builds, signs and sends one request, handling transport
// selection, failover retry and device-level errors. The returned response
// has a verified signature and a non-error method.
func (d *driver) exchange(ctx context.Context, namespace, method string, payload any) (*protocol.Message, transport.Protocol, error) {
	return d.exchangeAs(ctx, namespace, method, payload, d.target.Key)
}

// exchangeAs is exchange with an explicit signing key. The raw request
// surface uses it to honour a caller-supplied key override; responses
// are verified against the same key.
func (d *driver) exchangeAs(ctx context.Context, namespace, method string, payload any, key string) (*protocol.Message, transport.Protocol, error) {
	target := d.target
	target.Key = key
	return d.exchangeTarget(ctx, target, namespace, func() (*protocol.Message, error) {
		return protocol.NewRequest(namespace, method, payload, key)
	})
}

func (d *driver) exchangeWith(ctx context.Context, namespace string, build func() (*protocol.Message, error)) (*protocol.Message, transport.Protocol, error) {
	return d.exchangeTarget(ctx, d.target, namespace, build)
}

// exchangeTarget runs the failover policy around attempt: one immediate
// retry on the alternate transport after a carrier-level failure, with a
// freshly built envelope. Reusing the original messageId or timestamp
// would fail signature checks and confuse duplicate detection.
func (d *driver) exchangeTarget(ctx context.Context, target transport.Target, namespace string, build func() (*protocol.Message, error)) (*protocol.Message, transport.Protocol, error) {
	via := d.sel.Pick(namespace)
	resp, err := d.attempt(ctx, via, target, build)
	if err == nil {
		return resp, via, nil
	}
	if !errors.Is(err, transport.ErrTransport) && !errors.Is(err, transport.ErrTimeout) {
		return nil, via, err
	}

	alt, ok := d.sel.Failover(via)
	if !ok {
		return nil, via, err
	}
	resp, retryErr := d.attempt(ctx, alt, target, build)
	if retryErr != nil {
		return nil, alt, retryErr
	}
	return resp, alt, nil
}

// attempt performs a single send on a single transport, recording the
// outcome with the selector. Device-level errors count as transport
// success: the carrier worked, the firmware said no.
func (d *driver) attempt(ctx context.Context, via transport.Protocol, target transport.Target, build func() (*protocol.Message, error)) (*protocol.Message, error) {
	msg, err := build()
	if err != nil {
		return nil, err
	}

	d.traceTX(via, msg)
	out := d.adapter(via).Send(ctx, target, msg, d.corr)
	if out.Err != nil {
		if errors.Is(out.Err, transport.ErrTransport) || errors.Is(out.Err, transport.ErrTimeout) {
			d.sel.RecordFailure(via)
		}
		d.traceFailure(via, msg, out.Err)
		return nil, out.Err
	}

	d.sel.RecordSuccess(via)
	if out.Response == nil {
		// Fire-and-forget PUSH: the carrier accepted the frame. Any
		// answer comes back later as an unsolicited PUSH via handlePush.
		return nil, nil
	}
	d.traceRX(out.Protocol, out.Response)

	if err := out.Response.CheckError(); err != nil {
		if errors.Is(err, protocol.ErrInvalidKey) {
			d.logger.Warn("device rejected signature, check configured key",
				"uuid", d.dev.UUID, "namespace", msg.Header.Namespace)
		}
		return nil, err
	}
	return out.Response, nil
}

func (d *driver) adapter(via transport.Protocol) sender {
	if via == transport.ProtocolMQTT && d.mqttA != nil {
		return d.mqttA
	}
	return d.httpA
}

// sender is the common adapter surface.
type sender interface {
	Send(ctx context.Context, target transport.Target, msg *protocol.Message, corr *transport.Correlator) transport.Outcome
}

// handlePush receives unsolicited device envelopes from the correlator.
// Runs on transport goroutines; keep it light.
func (d *driver) handlePush(msg *protocol.Message, via transport.Protocol) {
	d.traceRX(via, msg)
	d.sel.RecordSuccess(via)

	d.mu.Lock()
	e, known := d.polls[msg.Header.Namespace]
	if known {
		e.recordPush(time.Now())
	}
	d.mu.Unlock()

	if !known {
		// Unpolled namespaces still carry usable state (Online, Clock,
		// hub subdevice reports). Forward them, just note it.
		d.logger.Debug("push for unpolled namespace",
			"uuid", d.dev.UUID, "namespace", msg.Header.Namespace)
	}
	d.sink.OnState(d.dev.UUID, msg.Header.Namespace, msg.Payload, via)
	d.setOnline(true)
}

// setOnline flips device availability, notifying the sink on edges only.
func (d *driver) setOnline(online bool) {
	d.mu.Lock()
	changed := d.online != online
	d.online = online
	d.mu.Unlock()

	if changed {
		if online {
			d.logger.Info("device online", "uuid", d.dev.UUID)
		} else {
			d.logger.Warn("device unavailable", "uuid", d.dev.UUID)
		}
		d.sink.OnAvailability(d.dev.UUID, online)
	}
}

// status snapshots the driver for the API surface.
func (d *driver) status() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	polls := make([]NamespaceStatus, 0, len(d.polls))
	for _, e := range d.polls {
		polls = append(polls, NamespaceStatus{
			Namespace:    e.ns.Name,
			Strategy:     e.kind,
			LastResponse: e.lastResponse,
			LastPush:     e.lastPush,
			NextDue:      e.nextDue,
		})
	}
	return DeviceStatus{
		UUID:      d.dev.UUID,
		Online:    d.online,
		Bound:     d.bound,
		Transport: d.sel.Current(),
		MaxCmdNum: d.maxCmdNum,
		Pending:   d.corr.PendingCount(),
		Health:    d.sel.Health(),
		Polls:     polls,
	}
}

func (d *driver) traceTX(via transport.Protocol, msg *protocol.Message) {
	d.tracer.Trace(trace.Record{
		Timestamp: time.Now(),
		Device:    d.dev.UUID,
		Direction: trace.DirectionTX,
		Transport: string(via),
		Method:    msg.Header.Method,
		Namespace: msg.Header.Namespace,
		Payload:   string(msg.Payload),
	})
}

func (d *driver) traceRX(via transport.Protocol, msg *protocol.Message) {
	d.tracer.Trace(trace.Record{
		Timestamp: time.Now(),
		Device:    d.dev.UUID,
		Direction: trace.DirectionRX,
		Transport: string(via),
		Method:    msg.Header.Method,
		Namespace: msg.Header.Namespace,
		Payload:   string(msg.Payload),
	})
}

func (d *driver) traceFailure(via transport.Protocol, msg *protocol.Message, err error) {
	d.tracer.Trace(trace.Record{
		Timestamp: time.Now(),
		Device:    d.dev.UUID,
		Direction: trace.DirectionNone,
		Transport: string(via),
		Method:    msg.Header.Method,
		Namespace: msg.Header.Namespace,
		Payload:   err.Error(),
	})
}
