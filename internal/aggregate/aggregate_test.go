package aggregate

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/plugsync-core/internal/device"
)

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		devices []device.Device
		epsilon float64
		want    Aggregate
	}{
		{
			name:    "empty clinic",
			devices: nil,
			epsilon: 0.1,
			want:    Aggregate{},
		},
		{
			name: "mixed clinic",
			devices: []device.Device{
				{ID: "a", Online: true, RelayOn: true, PowerW: floatPtr(5.2)},
				{ID: "b", Online: true, RelayOn: false, PowerW: floatPtr(0)},
				{ID: "c", Online: false, PowerW: floatPtr(120)},
			},
			epsilon: 0.1,
			want: Aggregate{
				Total:           3,
				Online:          2,
				Offline:         1,
				Consuming:       1,
				TotalPowerWatts: 5.2,
			},
		},
		{
			name: "relay off excludes residual power readings",
			devices: []device.Device{
				{ID: "a", Online: true, RelayOn: false, PowerW: floatPtr(5.2)},
				{ID: "b", Online: true, RelayOn: true, PowerW: floatPtr(0.05)},
			},
			epsilon: 0.1,
			want: Aggregate{
				Total:  2,
				Online: 2,
			},
		},
		{
			name: "standby draw at the noise floor does not count as consuming",
			devices: []device.Device{
				{ID: "a", Online: true, RelayOn: true, PowerW: floatPtr(0.1)},
			},
			epsilon: 0.1,
			want: Aggregate{
				Total:  1,
				Online: 1,
			},
		},
		{
			name: "relay on with no power sample yet",
			devices: []device.Device{
				{ID: "a", Online: true, RelayOn: true},
			},
			epsilon: 0.1,
			want:    Aggregate{Total: 1, Online: 1},
		},
		{
			name: "online with no power sample yet",
			devices: []device.Device{
				{ID: "a", Online: true},
			},
			epsilon: 0.1,
			want: Aggregate{Total: 1, Online: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.devices, tt.epsilon)
			if got != tt.want {
				t.Errorf("Compute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// mockPublisher is a test implementation of Publisher.
type mockPublisher struct {
	mu        sync.Mutex
	published []publishedAggregate
}

type publishedAggregate struct {
	clinicID string
	agg      Aggregate
}

func (m *mockPublisher) PublishAggregate(clinicID string, agg Aggregate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishedAggregate{clinicID: clinicID, agg: agg})
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *mockPublisher) lastPublished() (publishedAggregate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.published) == 0 {
		return publishedAggregate{}, false
	}
	return m.published[len(m.published)-1], true
}

// waitForCount polls until the publisher has seen n publishes.
func waitForCount(t *testing.T, pub *mockPublisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pub.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("publish count = %d, want at least %d", pub.count(), n)
}

func TestNotifier_PublishesOnChange(t *testing.T) {
	store := device.NewStore()
	defer store.Close()

	pub := &mockPublisher{}
	n := NewNotifier(store, pub, 0.1)
	defer n.Close()

	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")
	waitForCount(t, pub, 1)

	if _, err := store.Apply("plug-1", device.Patch{
		Online:  boolPtr(true),
		RelayOn: boolPtr(true),
		PowerW:  floatPtr(45.0),
	}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	waitForCount(t, pub, 2)

	got, _ := pub.lastPublished()
	if got.clinicID != "clinic-a" {
		t.Errorf("clinicID = %q, want clinic-a", got.clinicID)
	}
	want := Aggregate{Total: 1, Online: 1, Consuming: 1, TotalPowerWatts: 45.0}
	if got.agg != want {
		t.Errorf("published = %+v, want %+v", got.agg, want)
	}
}

func TestNotifier_SuppressesUnchangedRollups(t *testing.T) {
	store := device.NewStore()
	defer store.Close()

	pub := &mockPublisher{}
	n := NewNotifier(store, pub, 0.1)
	defer n.Close()

	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	online := true
	if _, err := store.Apply("plug-1", device.Patch{Online: &online}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	waitForCount(t, pub, 2)
	before := pub.count()

	// Relay position flips but the rollup (total/online/consuming/power) is
	// identical, so clients hear nothing.
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		on := i%2 == 0
		if _, err := store.Apply("plug-1", device.Patch{
			RelayOn:   &on,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}, device.SourceEvent); err != nil {
			t.Fatalf("Apply(%d) error = %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := pub.count(); got != before {
		t.Errorf("publish count = %d, want %d (unchanged rollup must not publish)", got, before)
	}
}

func TestNotifier_Snapshot(t *testing.T) {
	store := device.NewStore()
	defer store.Close()

	n := NewNotifier(store, nil, 0.1)
	defer n.Close()

	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")
	store.Ensure("plug-2", "clinic-a", "eq-2", "acct-1")
	store.Ensure("plug-3", "clinic-b", "eq-3", "acct-2")

	if _, err := store.Apply("plug-1", device.Patch{
		Online:  boolPtr(true),
		RelayOn: boolPtr(true),
		PowerW:  floatPtr(12.5),
	}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got := n.Snapshot("clinic-a")
	want := Aggregate{Total: 2, Online: 1, Offline: 1, Consuming: 1, TotalPowerWatts: 12.5}
	if got != want {
		t.Errorf("Snapshot(clinic-a) = %+v, want %+v", got, want)
	}

	// Other clinics never leak into the rollup.
	if got := n.Snapshot("clinic-b"); got.Total != 1 {
		t.Errorf("Snapshot(clinic-b).Total = %d, want 1", got.Total)
	}
}
