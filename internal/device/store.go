package device

import (
	"hash/fnv"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// shardCount is the number of lock stripes. Writes to different devices on
// different stripes never contend; reads never block on a write to a
// different device.
const shardCount = 16

// record is the internal cache entry for one device.
type record struct {
	dev Device

	// stamps holds the last applied timestamp per field. A write with an
	// older timestamp than a field's stamp does not touch that field,
	// which stops a slow, late-arriving relay event from clobbering a
	// newer optimistic write during a command's flight window.
	stamps map[string]time.Time
}

// shard is one lock stripe of the store.
type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Store is the authoritative in-memory cache of per-device state.
//
// It is the single shared mutable resource of the synchronisation core:
// the relay connection manager, the command executor and the reconciliation
// scheduler all write through Apply; the API and aggregation layers read
// through Get/ListByClinic and observe mutations via Subscribe.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriber callbacks run on a single dispatch goroutine, so per-device
//     notification order matches mutation order. No cross-device ordering is
//     guaranteed or needed.
type Store struct {
	shards [shardCount]shard
	logger Logger

	// Subscriptions.
	subMu     sync.RWMutex
	subs      map[int]func(Update)
	nextSubID int

	// Notification queue, appended under a shard lock to preserve
	// per-device ordering and drained by the dispatch goroutine.
	queueMu sync.Mutex
	queue   []Update
	cond    *sync.Cond
	closed  bool
	done    chan struct{}
}

// NewStore creates an empty device state store and starts its notification
// dispatcher. Call Close() to stop the dispatcher and drain pending updates.
func NewStore() *Store {
	s := &Store{
		logger: noopLogger{},
		subs:   make(map[int]func(Update)),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.queueMu)
	for i := range s.shards {
		s.shards[i].records = make(map[string]*record)
	}
	go s.dispatch()
	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// shardFor returns the lock stripe for a device ID.
func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // fnv hash writes never fail
	return &s.shards[h.Sum32()%shardCount]
}

// Ensure creates the cache entry for a device known to the assignment mirror,
// or refreshes its assignment metadata if it already exists. New entries start
// offline with unknown telemetry; they still count towards clinic totals.
func (s *Store) Ensure(id, clinicID, equipmentID, accountID string) {
	sh := s.shardFor(id)
	sh.mu.Lock()

	rec, ok := sh.records[id]
	if !ok {
		rec = &record{
			dev: Device{
				ID:          id,
				ClinicID:    clinicID,
				EquipmentID: equipmentID,
				AccountID:   accountID,
			},
			stamps: make(map[string]time.Time),
		}
		sh.records[id] = rec
		snapshot := rec.dev.clone()
		s.enqueue(Update{Device: snapshot, Source: SourceReconciliation, Changed: []string{FieldAssignment}})
		sh.mu.Unlock()
		s.logger.Debug("device entry created", "device_id", id, "clinic_id", clinicID)
		return
	}

	if rec.dev.ClinicID == clinicID && rec.dev.EquipmentID == equipmentID && rec.dev.AccountID == accountID {
		sh.mu.Unlock()
		return
	}

	rec.dev.ClinicID = clinicID
	rec.dev.EquipmentID = equipmentID
	rec.dev.AccountID = accountID
	snapshot := rec.dev.clone()
	s.enqueue(Update{Device: snapshot, Source: SourceReconciliation, Changed: []string{FieldAssignment}})
	sh.mu.Unlock()
	s.logger.Debug("device assignment updated", "device_id", id, "clinic_id", clinicID)
}

// Apply merges a partial state update into a device's cache entry.
//
// Conflict resolution is a per-field monotonic timestamp check: each field in
// the patch is applied only if the patch timestamp is not older than the
// field's last applied stamp. Within that window, ground truth (event or
// reconciliation writes) overwrites optimistic state unconditionally.
//
// A patch that changes no field value commits nothing and notifies nobody,
// so re-applying identical reconciliation results is observably a no-op.
//
// Returns the post-apply device snapshot. ErrDeviceNotFound is returned for
// devices the assignment mirror has never declared, ErrStoreClosed for
// writes after Close().
func (s *Store) Apply(id string, patch Patch, source Source) (Device, error) {
	s.queueMu.Lock()
	closed := s.closed
	s.queueMu.Unlock()
	if closed {
		return Device{}, ErrStoreClosed
	}

	ts := patch.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	sh := s.shardFor(id)
	sh.mu.Lock()

	rec, ok := sh.records[id]
	if !ok {
		sh.mu.Unlock()
		return Device{}, ErrDeviceNotFound
	}

	var changed []string

	if patch.Online != nil && s.admit(rec, FieldOnline, ts) {
		if rec.dev.Online != *patch.Online {
			rec.dev.Online = *patch.Online
			changed = append(changed, FieldOnline)
		}
	}
	if patch.RelayOn != nil && s.admit(rec, FieldRelayOn, ts) {
		if rec.dev.RelayOn != *patch.RelayOn {
			rec.dev.RelayOn = *patch.RelayOn
			changed = append(changed, FieldRelayOn)
		}
	}
	if patch.PowerW != nil && s.admit(rec, FieldPower, ts) {
		if rec.dev.PowerW == nil || *rec.dev.PowerW != *patch.PowerW {
			rec.dev.PowerW = clonePtr(patch.PowerW)
			changed = append(changed, FieldPower)
		}
	}
	if patch.VoltageV != nil && s.admit(rec, FieldVoltage, ts) {
		if rec.dev.VoltageV == nil || *rec.dev.VoltageV != *patch.VoltageV {
			rec.dev.VoltageV = clonePtr(patch.VoltageV)
			changed = append(changed, FieldVoltage)
		}
	}
	if patch.TemperatureC != nil && s.admit(rec, FieldTemperature, ts) {
		if rec.dev.TemperatureC == nil || *rec.dev.TemperatureC != *patch.TemperatureC {
			rec.dev.TemperatureC = clonePtr(patch.TemperatureC)
			changed = append(changed, FieldTemperature)
		}
	}

	if len(changed) > 0 {
		rec.dev.LastUpdate = time.Now().UTC()
	}
	snapshot := rec.dev.clone()

	if len(changed) > 0 {
		s.enqueue(Update{Device: snapshot, Source: source, Changed: changed})
	}
	sh.mu.Unlock()

	if len(changed) > 0 {
		s.logger.Debug("device state applied",
			"device_id", id,
			"source", string(source),
			"changed", changed,
		)
	}
	return snapshot, nil
}

// admit reports whether a field write with the given timestamp passes the
// monotonic check, recording the stamp when it does.
func (s *Store) admit(rec *record, field string, ts time.Time) bool {
	if last, ok := rec.stamps[field]; ok && ts.Before(last) {
		return false
	}
	rec.stamps[field] = ts
	return true
}

// Get retrieves a device snapshot by ID.
// Returns ErrDeviceNotFound if the device does not exist.
func (s *Store) Get(id string) (Device, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return rec.dev.clone(), nil
}

// ListByClinic retrieves snapshots of all devices assigned to a clinic.
func (s *Store) ListByClinic(clinicID string) []Device {
	var devices []Device
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			if rec.dev.ClinicID == clinicID {
				devices = append(devices, rec.dev.clone())
			}
		}
		sh.mu.RUnlock()
	}
	return devices
}

// Remove evicts a device from the cache. Called when the assignment mirror
// reports the device no longer belongs to any clinic, never merely because
// a device has been offline for a long time.
func (s *Store) Remove(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()

	rec, ok := sh.records[id]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	snapshot := rec.dev.clone()
	delete(sh.records, id)
	s.enqueue(Update{Device: snapshot, Source: SourceReconciliation, Changed: []string{FieldAssignment}})
	sh.mu.Unlock()

	s.logger.Info("device evicted", "device_id", id, "clinic_id", snapshot.ClinicID)
	return true
}

// Count returns the number of cached devices.
func (s *Store) Count() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Subscribe registers a callback invoked for every committed mutation.
// The returned function unsubscribes. Callbacks run on the store's dispatch
// goroutine and must not block for extended periods.
func (s *Store) Subscribe(fn func(Update)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Close stops the notification dispatcher after draining queued updates.
// State writes after Close are rejected with ErrStoreClosed.
func (s *Store) Close() {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.queueMu.Unlock()

	<-s.done
}

// enqueue appends an update to the notification queue.
// Callers hold the relevant shard lock, which is what preserves per-device
// ordering; the queue lock itself is only held for the append.
func (s *Store) enqueue(u Update) {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, u)
	s.cond.Signal()
	s.queueMu.Unlock()
}

// dispatch delivers queued updates to subscribers until Close().
func (s *Store) dispatch() {
	defer close(s.done)

	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.queueMu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, u := range batch {
			s.subMu.RLock()
			subs := make([]func(Update), 0, len(s.subs))
			for _, fn := range s.subs {
				subs = append(subs, fn)
			}
			s.subMu.RUnlock()

			for _, fn := range subs {
				fn(u)
			}
		}
	}
}
