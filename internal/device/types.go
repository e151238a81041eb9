package device

import "time"

// Device represents one smart plug as currently known to the cache.
//
// ID is the stable internal identifier assigned at provisioning; it is the
// only key ever exposed to consumers. The relay's per-connection session
// identifier is deliberately absent from this type; it lives in the session
// mapper and must never reach persisted state or the UI.
type Device struct {
	// Identity
	ID string `json:"id"`

	// Assignment metadata, owned by the clinic application and mirrored
	// read-only into this core.
	ClinicID    string `json:"clinic_id"`
	EquipmentID string `json:"equipment_id"`
	AccountID   string `json:"-"`

	// Connectivity and switch state. Online is derived from explicit
	// reports; RelayOn is the last known switch position. The two are
	// independent of the telemetry below: a plug can report relay on
	// before its power sensor has produced a valid sample.
	Online  bool `json:"online"`
	RelayOn bool `json:"relay_on"`

	// Telemetry, nil until first reported.
	PowerW       *float64 `json:"power_w,omitempty"`
	VoltageV     *float64 `json:"voltage_v,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`

	// LastUpdate is the time of the last committed state mutation,
	// used for staleness detection.
	LastUpdate time.Time `json:"last_update"`
}

// clone returns an independent copy of the Device.
// Pointer telemetry fields are re-allocated so cache internals never escape.
func (d *Device) clone() Device {
	cpy := *d
	cpy.PowerW = clonePtr(d.PowerW)
	cpy.VoltageV = clonePtr(d.VoltageV)
	cpy.TemperatureC = clonePtr(d.TemperatureC)
	return cpy
}

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cpy := *v
	return &cpy
}

// Source identifies which path produced a state write. It is used only for
// conflict resolution inside the store and is never exposed to consumers.
type Source string

// Source constants.
const (
	// SourceEvent marks writes derived from relay push events.
	SourceEvent Source = "event"

	// SourceOptimistic marks speculative local writes applied before a
	// command's outcome is known.
	SourceOptimistic Source = "optimistic"

	// SourceReconciliation marks corrective writes from authoritative
	// status fetches.
	SourceReconciliation Source = "reconciliation"
)

// Patch is a partial state update. Nil fields are left untouched.
//
// Timestamp orders the write against previous writes to the same fields:
// a patch whose timestamp is older than a field's last applied stamp does
// not touch that field. A zero Timestamp means "now".
type Patch struct {
	Online       *bool
	RelayOn      *bool
	PowerW       *float64
	VoltageV     *float64
	TemperatureC *float64
	Timestamp    time.Time
}

// Update describes one committed mutation, delivered to subscribers.
// Delivery is at-least-once and ordered per device.
type Update struct {
	Device  Device
	Source  Source
	Changed []string
}

// Field name constants used in Update.Changed.
const (
	FieldOnline      = "online"
	FieldRelayOn     = "relay_on"
	FieldPower       = "power_w"
	FieldVoltage     = "voltage_v"
	FieldTemperature = "temperature_c"
	FieldAssignment  = "assignment"
)
