package assignment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/session"
)

// mockRepository is a test implementation of Repository.
type mockRepository struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *mockRepository) ListAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *mockRepository) set(records []Record, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.err = err
}

func newTestCache(t *testing.T, repo Repository) (*Cache, *device.Store, *session.Mapper) {
	t.Helper()

	store := device.NewStore()
	t.Cleanup(store.Close)
	mapper := session.NewMapper()

	// RefreshInterval zero keeps the background loop out of the tests.
	cache, err := NewCache(repo, store, mapper, config.AssignmentsConfig{}, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return cache, store, mapper
}

func TestCache_Start_InitialLoadFailurePropagates(t *testing.T) {
	repo := &mockRepository{err: errors.New("database locked")}
	cache, _, _ := newTestCache(t, repo)

	if err := cache.Start(context.Background()); err == nil {
		t.Error("Start() error = nil, want initial load failure")
	}
}

func TestCache_Refresh_PopulatesStore(t *testing.T) {
	repo := &mockRepository{records: []Record{
		{DeviceID: "plug-1", EquipmentID: "laser-01", ClinicID: "clinic-a", AccountID: "acct-1"},
		{DeviceID: "plug-2", EquipmentID: "steriliser-02", ClinicID: "clinic-b", AccountID: "acct-1"},
	}}
	cache, store, _ := newTestCache(t, repo)

	if err := cache.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cache.Close()

	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}
	if !cache.Known("plug-1") || cache.Known("plug-99") {
		t.Error("Known() mismatch")
	}

	got, err := store.Get("plug-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ClinicID != "clinic-a" || got.EquipmentID != "laser-01" {
		t.Errorf("assignment = %q/%q, want clinic-a/laser-01", got.ClinicID, got.EquipmentID)
	}
}

func TestCache_Refresh_DiffDrivesEviction(t *testing.T) {
	repo := &mockRepository{records: []Record{
		{DeviceID: "plug-1", EquipmentID: "eq-1", ClinicID: "clinic-a", AccountID: "acct-1"},
		{DeviceID: "plug-2", EquipmentID: "eq-2", ClinicID: "clinic-a", AccountID: "acct-1"},
	}}
	cache, store, mapper := newTestCache(t, repo)

	ctx := context.Background()
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mapper.Observe("sess-2", "plug-2")

	// plug-2 is unassigned; plug-3 arrives.
	repo.set([]Record{
		{DeviceID: "plug-1", EquipmentID: "eq-1", ClinicID: "clinic-a", AccountID: "acct-1"},
		{DeviceID: "plug-3", EquipmentID: "eq-3", ClinicID: "clinic-b", AccountID: "acct-2"},
	}, nil)
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := store.Get("plug-2"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Get(plug-2) error = %v, want ErrDeviceNotFound after unassignment", err)
	}
	if _, ok := mapper.ResolveSession("plug-2"); ok {
		t.Error("session mapping survived unassignment")
	}
	if _, err := store.Get("plug-3"); err != nil {
		t.Errorf("Get(plug-3) error = %v, want new assignment present", err)
	}
	if _, err := store.Get("plug-1"); err != nil {
		t.Errorf("Get(plug-1) error = %v, want untouched assignment present", err)
	}
}

func TestCache_Refresh_ReboundDeviceKeepsState(t *testing.T) {
	repo := &mockRepository{records: []Record{
		{DeviceID: "plug-1", EquipmentID: "eq-1", ClinicID: "clinic-a", AccountID: "acct-1"},
	}}
	cache, store, _ := newTestCache(t, repo)

	ctx := context.Background()
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	online := true
	if _, err := store.Apply("plug-1", device.Patch{Online: &online}, device.SourceEvent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// Plug moves to a different room; live state carries over.
	repo.set([]Record{
		{DeviceID: "plug-1", EquipmentID: "eq-9", ClinicID: "clinic-b", AccountID: "acct-1"},
	}, nil)
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got, _ := store.Get("plug-1")
	if got.ClinicID != "clinic-b" || got.EquipmentID != "eq-9" {
		t.Errorf("assignment = %q/%q, want clinic-b/eq-9", got.ClinicID, got.EquipmentID)
	}
	if !got.Online {
		t.Error("Online = false, live state lost on re-bind")
	}
}

func TestCache_Refresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	repo := &mockRepository{records: []Record{
		{DeviceID: "plug-1", EquipmentID: "eq-1", ClinicID: "clinic-a", AccountID: "acct-1"},
	}}
	cache, _, _ := newTestCache(t, repo)

	ctx := context.Background()
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	repo.set(nil, errors.New("database locked"))
	if err := cache.Refresh(ctx); err == nil {
		t.Fatal("Refresh() error = nil, want read failure")
	}

	if !cache.Known("plug-1") {
		t.Error("Known(plug-1) = false, snapshot discarded on failed refresh")
	}
}

func TestCache_DeviceIDsByAccount(t *testing.T) {
	repo := &mockRepository{records: []Record{
		{DeviceID: "plug-1", EquipmentID: "eq-1", ClinicID: "clinic-a", AccountID: "acct-1"},
		{DeviceID: "plug-2", EquipmentID: "eq-2", ClinicID: "clinic-b", AccountID: "acct-1"},
		{DeviceID: "plug-3", EquipmentID: "eq-3", ClinicID: "clinic-c", AccountID: "acct-2"},
	}}
	cache, _, _ := newTestCache(t, repo)

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := cache.DeviceIDsByAccount("acct-1")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "plug-1" || got[1] != "plug-2" {
		t.Errorf("DeviceIDsByAccount(acct-1) = %v, want [plug-1 plug-2]", got)
	}
	if ids := cache.DeviceIDsByAccount("acct-99"); len(ids) != 0 {
		t.Errorf("DeviceIDsByAccount(acct-99) = %v, want empty", ids)
	}
}

func TestCache_HealthCheck(t *testing.T) {
	repo := &mockRepository{}
	cache, _, _ := newTestCache(t, repo)

	if err := cache.HealthCheck(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("HealthCheck() error = %v, want ErrNotLoaded before first load", err)
	}

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if err := cache.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil after load", err)
	}
}
