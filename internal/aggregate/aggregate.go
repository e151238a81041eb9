// Package aggregate computes per-clinic rollups of device state for
// dashboard consumption.
package aggregate

import "github.com/nerrad567/plugsync-core/internal/device"

// Aggregate is a clinic-level rollup of plug state.
type Aggregate struct {
	Total           int     `json:"total"`
	Online          int     `json:"online"`
	Offline         int     `json:"offline"`
	Consuming       int     `json:"consuming"`
	TotalPowerWatts float64 `json:"totalPowerWatts"`
}

// Compute rolls up a clinic's devices.
//
// A device is consuming when it is online, its relay is on, and it draws
// measurably more than powerEpsilon watts; the threshold filters out standby
// noise from plugs that report a few milliwatts while idle, and the relay
// check keeps residual sensor readings from a switched-off circuit out of
// the count. TotalPowerWatts sums power over consuming devices only, so the
// figure staff see is draw the clinic can act on. Offline devices contribute
// to Total and Offline only: their last-seen telemetry is withheld rather
// than counted as live draw.
func Compute(devices []device.Device, powerEpsilon float64) Aggregate {
	agg := Aggregate{Total: len(devices)}

	for _, d := range devices {
		if !d.Online {
			agg.Offline++
			continue
		}
		agg.Online++
		if d.RelayOn && d.PowerW != nil && *d.PowerW > powerEpsilon {
			agg.Consuming++
			agg.TotalPowerWatts += *d.PowerW
		}
	}

	return agg
}
