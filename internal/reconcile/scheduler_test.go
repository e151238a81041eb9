package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/cloudapi"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
)

// mockFetcher is a test implementation of StatusFetcher.
type mockFetcher struct {
	mu       sync.Mutex
	statuses map[string]*cloudapi.DeviceStatus
	errs     map[string]error
	calls    map[string]int
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		statuses: make(map[string]*cloudapi.DeviceStatus),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (m *mockFetcher) FetchStatus(_ context.Context, deviceID string) (*cloudapi.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[deviceID]++
	if err, ok := m.errs[deviceID]; ok {
		return nil, err
	}
	if status, ok := m.statuses[deviceID]; ok {
		cpy := *status
		return &cpy, nil
	}
	return nil, errors.New("unknown device")
}

func (m *mockFetcher) callCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[deviceID]
}

// mockAssignments is a test implementation of Assignments.
type mockAssignments struct {
	devices   []string
	byAccount map[string][]string
}

func (m *mockAssignments) DeviceIDs() []string { return m.devices }

func (m *mockAssignments) DeviceIDsByAccount(accountID string) []string {
	return m.byAccount[accountID]
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

func newTestScheduler(t *testing.T, fetcher *mockFetcher, assignments *mockAssignments) (*Scheduler, *device.Store) {
	t.Helper()

	store := device.NewStore()
	t.Cleanup(store.Close)

	s, err := NewScheduler(Deps{
		Config: config.ReconcileConfig{
			SweepInterval:    time.Hour, // keep the periodic sweep out of the way
			ConfirmDelay:     10 * time.Millisecond,
			FailureThreshold: 3,
		},
		Store:       store,
		Fetcher:     fetcher,
		Assignments: assignments,
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	s.Start(context.Background())
	t.Cleanup(s.Close)

	return s, store
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduler_Resync_AppliesStatus(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{
		DeviceID: "plug-1",
		Online:   true,
		RelayOn:  boolPtr(true),
		PowerW:   floatPtr(55.5),
	}

	s, store := newTestScheduler(t, fetcher, &mockAssignments{devices: []string{"plug-1"}})
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	if err := s.Resync(context.Background(), "plug-1"); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	got, _ := store.Get("plug-1")
	if !got.Online || !got.RelayOn {
		t.Errorf("Online/RelayOn = %v/%v, want true/true", got.Online, got.RelayOn)
	}
	if got.PowerW == nil || *got.PowerW != 55.5 {
		t.Errorf("PowerW = %v, want 55.5", got.PowerW)
	}
}

func TestScheduler_Resync_AppliesExplicitOffline(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{DeviceID: "plug-1", Online: false}

	s, store := newTestScheduler(t, fetcher, &mockAssignments{devices: []string{"plug-1"}})
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	online := true
	if _, err := store.Apply("plug-1", device.Patch{Online: &online}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if err := s.Resync(context.Background(), "plug-1"); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	got, _ := store.Get("plug-1")
	if got.Online {
		t.Error("Online = true, explicit offline report was not applied")
	}
}

func TestScheduler_Resync_FetchFailureMutatesNothing(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.errs["plug-1"] = errors.New("provider unreachable")

	s, store := newTestScheduler(t, fetcher, &mockAssignments{devices: []string{"plug-1"}})
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	online := true
	power := 40.0
	if _, err := store.Apply("plug-1", device.Patch{Online: &online, PowerW: &power}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	before, _ := store.Get("plug-1")

	err := s.Resync(context.Background(), "plug-1")
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("Resync() error = %v, want ErrFetchFailed", err)
	}

	// Absence of information is not evidence of offline.
	after, _ := store.Get("plug-1")
	if after.Online != before.Online || *after.PowerW != *before.PowerW {
		t.Errorf("state changed after failed fetch: %+v -> %+v", before, after)
	}
}

func TestScheduler_Connected_RefreshesAccountDevices(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{DeviceID: "plug-1", Online: true}
	fetcher.statuses["plug-2"] = &cloudapi.DeviceStatus{DeviceID: "plug-2", Online: true}

	assignments := &mockAssignments{
		byAccount: map[string][]string{"acct-1": {"plug-1", "plug-2"}},
	}
	s, store := newTestScheduler(t, fetcher, assignments)
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")
	store.Ensure("plug-2", "clinic-a", "eq-2", "acct-1")

	s.Connected("acct-1")

	waitFor(t, func() bool {
		return fetcher.callCount("plug-1") == 1 && fetcher.callCount("plug-2") == 1
	})

	got, _ := store.Get("plug-1")
	if !got.Online {
		t.Error("plug-1 Online = false after reconnect refresh")
	}
}

func TestScheduler_ScheduleConfirm(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{DeviceID: "plug-1", Online: true, RelayOn: boolPtr(false)}

	s, store := newTestScheduler(t, fetcher, &mockAssignments{devices: []string{"plug-1"}})
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	s.ScheduleConfirm("plug-1")

	waitFor(t, func() bool { return fetcher.callCount("plug-1") == 1 })

	// The confirmation fetch corrects a plug that acknowledged but did not act.
	got, _ := store.Get("plug-1")
	if got.RelayOn {
		t.Error("RelayOn = true, confirmation result not applied")
	}
}

func TestScheduler_RefreshBeforeStart(t *testing.T) {
	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{DeviceID: "plug-1", Online: true}

	store := device.NewStore()
	t.Cleanup(store.Close)
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	s, err := NewScheduler(Deps{
		Config: config.ReconcileConfig{
			SweepInterval: time.Hour,
			ConfirmDelay:  10 * time.Millisecond,
		},
		Store:       store,
		Fetcher:     fetcher,
		Assignments: &mockAssignments{devices: []string{"plug-1"}},
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	// Both triggers work before Start; wiring order must not matter.
	if err := s.Resync(context.Background(), "plug-1"); err != nil {
		t.Fatalf("Resync() before Start error = %v", err)
	}
	s.ScheduleConfirm("plug-1")

	waitFor(t, func() bool { return fetcher.callCount("plug-1") == 2 })
	s.Close()
}

func TestScheduler_SlowFetchLosesToFresherEvent(t *testing.T) {
	now := time.Now().UTC()

	fetcher := newMockFetcher()
	fetcher.statuses["plug-1"] = &cloudapi.DeviceStatus{
		DeviceID:   "plug-1",
		Online:     true,
		RelayOn:    boolPtr(false),
		ObservedAt: now.Add(-time.Minute),
	}

	s, store := newTestScheduler(t, fetcher, &mockAssignments{devices: []string{"plug-1"}})
	store.Ensure("plug-1", "clinic-a", "eq-1", "acct-1")

	on := true
	if _, err := store.Apply("plug-1", device.Patch{RelayOn: &on, Timestamp: now}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if err := s.Resync(context.Background(), "plug-1"); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	got, _ := store.Get("plug-1")
	if !got.RelayOn {
		t.Error("RelayOn = false, minute-old status report overwrote a fresher event")
	}
}
