package device

import (
	"testing"
	"time"
)

func TestNewView_Staleness(t *testing.T) {
	now := time.Now().UTC()
	window := 90 * time.Second

	tests := []struct {
		name      string
		device    Device
		wantStale bool
	}{
		{
			name:      "offline device is always stale",
			device:    Device{ID: "p1", Online: false, LastUpdate: now.Add(-time.Second)},
			wantStale: true,
		},
		{
			name:      "online with recent update is fresh",
			device:    Device{ID: "p1", Online: true, LastUpdate: now.Add(-10 * time.Second)},
			wantStale: false,
		},
		{
			name:      "online but silent past the window is stale",
			device:    Device{ID: "p1", Online: true, LastUpdate: now.Add(-2 * time.Minute)},
			wantStale: true,
		},
		{
			name:      "online with no update ever is stale",
			device:    Device{ID: "p1", Online: true},
			wantStale: true,
		},
		{
			name:      "exactly at the window boundary is fresh",
			device:    Device{ID: "p1", Online: true, LastUpdate: now.Add(-window)},
			wantStale: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewView(tt.device, now, window)
			if got.Stale != tt.wantStale {
				t.Errorf("Stale = %v, want %v", got.Stale, tt.wantStale)
			}
		})
	}
}

func TestNewView_RetainsLastKnownValues(t *testing.T) {
	now := time.Now().UTC()
	lastSeen := now.Add(-time.Hour)

	// Going offline must not erase telemetry; staff need to see what the
	// plug was doing before it dropped off.
	d := Device{
		ID:         "p1",
		Online:     false,
		RelayOn:    true,
		PowerW:     floatPtr(800),
		LastUpdate: lastSeen,
	}

	v := NewView(d, now, 90*time.Second)
	if !v.Stale {
		t.Error("Stale = false, want true")
	}
	if !v.RelayOn {
		t.Error("RelayOn = false, last-known position was dropped")
	}
	if v.PowerW == nil || *v.PowerW != 800 {
		t.Errorf("PowerW = %v, want 800", v.PowerW)
	}
	if v.LastUpdate == nil || !v.LastUpdate.Equal(lastSeen) {
		t.Errorf("LastUpdate = %v, want %v", v.LastUpdate, lastSeen)
	}
}

func TestNewView_OmitsZeroLastUpdate(t *testing.T) {
	v := NewView(Device{ID: "p1"}, time.Now().UTC(), 90*time.Second)
	if v.LastUpdate != nil {
		t.Errorf("LastUpdate = %v, want nil for never-updated device", v.LastUpdate)
	}
}
