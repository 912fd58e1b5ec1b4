package device

import (
	"encoding/json"
	"time"
)

// TransportMode selects which carrier a device is driven over.
type TransportMode string

// Transport modes. Auto lets the engine fail over between HTTP and MQTT;
// the fixed modes pin the device to one carrier and disable failover.
const (
	TransportAuto TransportMode = "auto"
	TransportHTTP TransportMode = "http"
	TransportMQTT TransportMode = "mqtt"
)

// Valid reports whether m is a known transport mode.
func (m TransportMode) Valid() bool {
	switch m {
	case TransportAuto, TransportHTTP, TransportMQTT:
		return true
	}
	return false
}

// Device represents one Meross appliance known to the bridge.
// This matches the database schema in migrations.
type Device struct {
	// Identity
	UUID string `json:"uuid"`
	Name string `json:"name"`

	// Connection settings
	Host         string        `json:"host"`
	Key          string        `json:"-"` // shared signing secret, never serialised
	Transport    TransportMode `json:"transport"`
	PollInterval time.Duration `json:"poll_interval"`

	// Descriptive info learned from Appliance.System.All
	Model           string `json:"model,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	HardwareVersion string `json:"hardware_version,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`

	// Abilities is the namespace capability catalog learned from
	// Appliance.System.Ability. Nil until the device has been bound once.
	Abilities AbilityCatalog `json:"abilities,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device, cloning the ability
// catalog so modifications to the copy do not affect the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	out := *d
	if d.Abilities != nil {
		out.Abilities = make(AbilityCatalog, len(d.Abilities))
		for ns, params := range d.Abilities {
			out.Abilities[ns] = params
		}
	}
	return &out
}

// AbilityParams are the per-namespace capability parameters a device
// advertises. Most namespaces advertise an empty object; a few carry
// limits the engine must honour.
type AbilityParams struct {
	// MaxCmdNum is the Control.Multiple batch size limit. Zero means the
	// namespace (or batching) carries no limit parameter.
	MaxCmdNum int `json:"maxCmdNum,omitempty"`
}

// AbilityCatalog maps namespace name to its advertised parameters. Learned
// once at bind time and immutable for the device's lifetime.
type AbilityCatalog map[string]AbilityParams

// Supports returns the parameters for a namespace and whether the device
// advertises it at all.
func (c AbilityCatalog) Supports(namespace string) (AbilityParams, bool) {
	params, ok := c[namespace]
	return params, ok
}

// MaxCmdNum returns the Control.Multiple batch limit, or 0 when the device
// does not support batching.
func (c AbilityCatalog) MaxCmdNum() int {
	params, ok := c["Appliance.Control.Multiple"]
	if !ok {
		return 0
	}
	return params.MaxCmdNum
}

// ParseAbilityCatalog decodes the payload of an Appliance.System.Ability
// response: {"ability": {"Namespace.Name": {params...}, ...}}.
func ParseAbilityCatalog(payload json.RawMessage) (AbilityCatalog, error) {
	var body struct {
		Ability map[string]AbilityParams `json:"ability"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	return AbilityCatalog(body.Ability), nil
}

// SystemAll is the subset of the Appliance.System.All payload the bridge
// persists. The digest carries the live state and is forwarded to the
// state sink untouched.
type SystemAll struct {
	All struct {
		System struct {
			Hardware struct {
				Type    string `json:"type"`
				Version string `json:"version"`
				UUID    string `json:"uuid"`
				MacAddr string `json:"macAddress"`
			} `json:"hardware"`
			Firmware struct {
				Version string `json:"version"`
			} `json:"firmware"`
			Online struct {
				Status int `json:"status"`
			} `json:"online"`
		} `json:"system"`
		Digest json.RawMessage `json:"digest"`
	} `json:"all"`
}

// ParseSystemAll decodes an Appliance.System.All response payload.
func ParseSystemAll(payload json.RawMessage) (*SystemAll, error) {
	var all SystemAll
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil, err
	}
	return &all, nil
}
