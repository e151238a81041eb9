package device

import "time"

// View is the consumer-facing projection of a Device.
//
// It never carries the cloud session identifier, and it qualifies last-known
// values with a staleness flag instead of hiding them: an offline plug keeps
// showing its last relay position and power draw, marked stale, so clinic
// staff can tell "was drawing 800W, now unreachable" from "never seen".
type View struct {
	ID           string     `json:"id"`
	ClinicID     string     `json:"clinic_id"`
	EquipmentID  string     `json:"equipment_id"`
	Online       bool       `json:"online"`
	Stale        bool       `json:"stale"`
	RelayOn      bool       `json:"relay_on"`
	PowerW       *float64   `json:"power_w,omitempty"`
	VoltageV     *float64   `json:"voltage_v,omitempty"`
	TemperatureC *float64   `json:"temperature_c,omitempty"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
}

// NewView projects a Device for consumers.
//
// Stale is set when the device is offline (last-known values are unverifiable)
// or when it claims to be online but nothing has confirmed its state within
// the staleness window. Consumers must render stale relay/power values
// distinctly from fresh ones.
func NewView(d Device, now time.Time, stalenessWindow time.Duration) View {
	stale := !d.Online
	if d.Online && !d.LastUpdate.IsZero() && now.Sub(d.LastUpdate) > stalenessWindow {
		stale = true
	}
	if d.Online && d.LastUpdate.IsZero() {
		stale = true
	}

	v := View{
		ID:           d.ID,
		ClinicID:     d.ClinicID,
		EquipmentID:  d.EquipmentID,
		Online:       d.Online,
		Stale:        stale,
		RelayOn:      d.RelayOn,
		PowerW:       clonePtr(d.PowerW),
		VoltageV:     clonePtr(d.VoltageV),
		TemperatureC: clonePtr(d.TemperatureC),
	}
	if !d.LastUpdate.IsZero() {
		lu := d.LastUpdate
		v.LastUpdate = &lu
	}
	return v
}
