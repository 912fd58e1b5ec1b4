package protocol

import (
	"strings"
	"sync"
)

// PayloadShape describes how a namespace expects its GET query payload to
// be formed. Firmware generations are inconsistent here; the shape was
// reverse engineered per namespace family.
type PayloadShape int

const (
	// ShapeDict queries with {"<key>": {}} and returns all channels.
	ShapeDict PayloadShape = iota
	// ShapeList queries with {"<key>": []} and returns all channels.
	ShapeList
	// ShapeListChannel queries with {"<key>": [{"channel": 0}]} and
	// returns the addressed channels only.
	ShapeListChannel
)

// Namespace describes the grammar of one protocol capability family.
// Descriptors are immutable catalog entries; the per-device knowledge of
// whether a namespace is actually supported lives in the ability catalog
// learned at bind time.
type Namespace struct {
	// Name is the dotted identifier, e.g. "Appliance.Control.ToggleX".
	Name string

	// Key is the root key carrying the namespace payload, derived from
	// the last dotted segment (ToggleX -> "togglex").
	Key string

	// Shape is the GET query payload shape.
	Shape PayloadShape

	// HasGet reports whether the namespace answers METHOD_GET. Nil means
	// unknown. Namespaces with HasGet == false are query-able only via
	// PUSH (the device volunteers state) or not at all.
	HasGet *bool

	// HasPush reports whether the device spontaneously PUSHes updates
	// for this namespace. Nil means unknown.
	HasPush *bool
}

// GetPayload returns the default METHOD_GET query payload for the
// namespace.
func (n *Namespace) GetPayload() map[string]any {
	switch n.Shape {
	case ShapeList:
		return map[string]any{n.Key: []any{}}
	case ShapeListChannel:
		return map[string]any{n.Key: []any{map[string]any{KeyChannel: 0}}}
	default:
		return map[string]any{n.Key: map[string]any{}}
	}
}

// PushPayload returns the default METHOD_PUSH query payload. Devices
// answering PUSH queries accept an empty object.
func (n *Namespace) PushPayload() map[string]any {
	return map[string]any{}
}

func ptr(b bool) *bool { return &b }

// Catalog of namespaces with firmware grammar we have verified against real
// devices or traces. The engine works with any namespace advertised by the
// ability catalog; entries here just refine query shape and GET/PUSH
// support.
var (
	NSSystemAll     = &Namespace{Name: "Appliance.System.All", Key: "all", HasGet: ptr(true), HasPush: ptr(false)}
	NSSystemAbility = &Namespace{Name: "Appliance.System.Ability", Key: "ability", HasGet: ptr(true), HasPush: ptr(false)}
	NSSystemDebug   = &Namespace{Name: "Appliance.System.Debug", Key: "debug", HasGet: ptr(true), HasPush: ptr(false)}
	NSSystemDNDMode = &Namespace{Name: "Appliance.System.DNDMode", Key: "DNDMode", HasGet: ptr(true)}
	NSSystemRuntime = &Namespace{Name: "Appliance.System.Runtime", Key: "runtime", HasGet: ptr(true)}
	NSSystemOnline  = &Namespace{Name: "Appliance.System.Online", Key: "online", HasGet: ptr(false), HasPush: ptr(true)}
	NSSystemClock   = &Namespace{Name: "Appliance.System.Clock", Key: "clock", HasGet: ptr(false), HasPush: ptr(true)}

	NSControlMultiple     = &Namespace{Name: "Appliance.Control.Multiple", Key: "multiple", HasGet: ptr(false), HasPush: ptr(false)}
	NSControlToggle       = &Namespace{Name: "Appliance.Control.Toggle", Key: "toggle", HasGet: ptr(true), HasPush: ptr(true)}
	NSControlToggleX      = &Namespace{Name: "Appliance.Control.ToggleX", Key: "togglex", HasGet: ptr(true), HasPush: ptr(true)}
	NSControlLight        = &Namespace{Name: "Appliance.Control.Light", Key: "light", HasGet: ptr(true), HasPush: ptr(true)}
	NSControlElectricity  = &Namespace{Name: "Appliance.Control.Electricity", Key: "electricity", HasGet: ptr(true), HasPush: ptr(false)}
	NSControlConsumptionX = &Namespace{Name: "Appliance.Control.ConsumptionX", Key: "consumptionx", HasGet: ptr(true), HasPush: ptr(false)}

	// ms600 presence sensor: Study answers PUSH queries only, its GET
	// drops the HTTP connection on current firmware.
	NSControlPresenceStudy  = &Namespace{Name: "Appliance.Control.Presence.Study", Key: "study", Shape: ShapeListChannel, HasGet: ptr(false), HasPush: ptr(true)}
	NSControlPresenceConfig = &Namespace{Name: "Appliance.Control.Presence.Config", Key: "config", Shape: ShapeListChannel, HasGet: ptr(true)}
)

var builtin = []*Namespace{
	NSSystemAll, NSSystemAbility, NSSystemDebug, NSSystemDNDMode,
	NSSystemRuntime, NSSystemOnline, NSSystemClock,
	NSControlMultiple, NSControlToggle, NSControlToggleX,
	NSControlLight, NSControlElectricity, NSControlConsumptionX,
	NSControlPresenceStudy, NSControlPresenceConfig,
}

var catalog = map[string]*Namespace{}
var catalogMu sync.RWMutex

func init() {
	for _, ns := range builtin {
		catalog[ns.Name] = ns
	}
}

// LookupNamespace returns the descriptor for a namespace name, synthesising
// one for names not in the catalog so that newly advertised abilities can
// still be queried. Synthesised descriptors are cached.
func LookupNamespace(name string) *Namespace {
	catalogMu.RLock()
	ns, ok := catalog[name]
	catalogMu.RUnlock()
	if ok {
		return ns
	}

	ns = &Namespace{
		Name:  name,
		Key:   deriveKey(name),
		Shape: deriveShape(name),
	}

	catalogMu.Lock()
	if existing, ok := catalog[name]; ok {
		ns = existing
	} else {
		catalog[name] = ns
	}
	catalogMu.Unlock()
	return ns
}

// LookupDigestKey maps a System.All digest section key back to the
// control namespace carrying that payload ("togglex" ->
// Appliance.Control.ToggleX). Only built-in descriptors are considered;
// a synthesised descriptor's key is a guess and must not claim digest
// sections.
func LookupDigestKey(key string) *Namespace {
	for _, ns := range builtin {
		if ns.Key == key && strings.HasPrefix(ns.Name, "Appliance.Control.") {
			return ns
		}
	}
	return nil
}

// deriveKey computes the payload root key from the namespace name:
// camelCase the last dotted segment, with a trailing "X" also lowercased
// (ToggleX -> togglex).
func deriveKey(name string) string {
	segment := name[strings.LastIndexByte(name, '.')+1:]
	if segment == "" {
		return ""
	}
	key := strings.ToLower(segment[:1]) + segment[1:]
	if strings.HasSuffix(key, "X") {
		key = key[:len(key)-1] + "x"
	}
	return key
}

// deriveShape guesses the query shape for unknown namespaces from their
// family: Hub and RollerShutter namespaces take lists, Thermostat, Screen
// and Sensor namespaces take channel-addressed lists, everything else a
// plain dict.
func deriveShape(name string) PayloadShape {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return ShapeDict
	}
	switch parts[1] {
	case "Hub", "RollerShutter":
		return ShapeList
	}
	if len(parts) >= 3 && parts[1] == "Control" {
		switch parts[2] {
		case "Thermostat", "Screen", "Sensor", "Presence":
			return ShapeListChannel
		}
	}
	return ShapeDict
}
