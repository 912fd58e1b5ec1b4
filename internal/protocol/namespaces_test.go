package protocol

import (
	"reflect"
	"testing"
)

// =============================================================================
// Key Derivation Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name string
		ns   string
		want string
	}{
		{"plain", "Appliance.Control.Toggle", "toggle"},
		{"trailing X", "Appliance.Control.ToggleX", "togglex"},
		{"consumption", "Appliance.Control.ConsumptionX", "consumptionx"},
		{"nested", "Appliance.Control.Presence.Study", "study"},
		{"single segment", "Toggle", "toggle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveKey(tt.ns); got != tt.want {
				t.Errorf("deriveKey(%s) = %q, want %q", tt.ns, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Lookup Tests
// =============================================================================

func TestLookupNamespaceCatalog(t *testing.T) {
	ns := LookupNamespace("Appliance.System.All")
	if ns != NSSystemAll {
		t.Error("LookupNamespace() did not return the catalog descriptor")
	}
}

func TestLookupNamespaceSynthesised(t *testing.T) {
	ns := LookupNamespace("Appliance.Control.FutureFeatureX")
	if ns.Key != "futureFeaturex" {
		t.Errorf("synthesised key = %q, want %q", ns.Key, "futureFeaturex")
	}
	if ns.HasGet != nil || ns.HasPush != nil {
		t.Error("synthesised descriptor should have unknown GET/PUSH support")
	}

	// Repeated lookups return the cached descriptor.
	if again := LookupNamespace("Appliance.Control.FutureFeatureX"); again != ns {
		t.Error("LookupNamespace() did not cache the synthesised descriptor")
	}
}

func TestDeriveShape(t *testing.T) {
	tests := []struct {
		ns   string
		want PayloadShape
	}{
		{"Appliance.Hub.Sensor.All", ShapeList},
		{"Appliance.RollerShutter.State", ShapeList},
		{"Appliance.Control.Thermostat.Mode", ShapeListChannel},
		{"Appliance.Control.Screen.Brightness", ShapeListChannel},
		{"Appliance.Control.Sensor.Latest", ShapeListChannel},
		{"Appliance.Control.ToggleX", ShapeDict},
		{"Appliance.System.All", ShapeDict},
	}
	for _, tt := range tests {
		if got := deriveShape(tt.ns); got != tt.want {
			t.Errorf("deriveShape(%s) = %v, want %v", tt.ns, got, tt.want)
		}
	}
}

// =============================================================================
// Query Payload Tests
// =============================================================================

func TestGetPayloadShapes(t *testing.T) {
	tests := []struct {
		name string
		ns   *Namespace
		want map[string]any
	}{
		{
			name: "dict",
			ns:   &Namespace{Name: "Appliance.Control.ToggleX", Key: "togglex", Shape: ShapeDict},
			want: map[string]any{"togglex": map[string]any{}},
		},
		{
			name: "list",
			ns:   &Namespace{Name: "Appliance.Hub.ToggleX", Key: "togglex", Shape: ShapeList},
			want: map[string]any{"togglex": []any{}},
		},
		{
			name: "channel list",
			ns:   NSControlPresenceStudy,
			want: map[string]any{"study": []any{map[string]any{"channel": 0}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ns.GetPayload(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GetPayload() = %v, want %v", got, tt.want)
			}
		})
	}
}
