// Package session maintains the mapping between stable internal device IDs
// and the cloud relay's transient per-connection session IDs.
//
// The mapping is rebuilt purely from observed relay traffic and is never
// persisted: a session ID has no meaning beyond the connection that minted
// it, and it must not leak into the state store, the database or the UI.
// The relay connection manager is the only writer; the command executor is
// the main reader.
package session

import "sync"

// Mapper is the bidirectional deviceID ↔ cloudSessionID map.
//
// Thread Safety: all methods are safe for concurrent use.
type Mapper struct {
	mu        sync.RWMutex
	byDevice  map[string]string
	bySession map[string]string
}

// NewMapper creates an empty mapper.
func NewMapper() *Mapper {
	return &Mapper{
		byDevice:  make(map[string]string),
		bySession: make(map[string]string),
	}
}

// Observe records a (sessionID, deviceID) pairing seen in relay traffic.
// It is idempotent; the last observed mapping wins. Stale entries pointing
// at either identifier are dropped so the map stays strictly bidirectional
// across reconnects, where a device reappears under a fresh session ID.
func (m *Mapper) Observe(sessionID, deviceID string) {
	if sessionID == "" || deviceID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byDevice[deviceID]; ok && old != sessionID {
		delete(m.bySession, old)
	}
	if old, ok := m.bySession[sessionID]; ok && old != deviceID {
		delete(m.byDevice, old)
	}

	m.byDevice[deviceID] = sessionID
	m.bySession[sessionID] = deviceID
}

// ResolveDevice returns the device ID for a session ID.
func (m *Mapper) ResolveDevice(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySession[sessionID]
	return id, ok
}

// ResolveSession returns the current session ID for a device ID.
// Callers must fail fast when the device is unmapped: a mapping only
// appears once the device produces traffic, and waiting for one here would
// block a user-facing command indefinitely.
func (m *Mapper) ResolveSession(deviceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sid, ok := m.byDevice[deviceID]
	return sid, ok
}

// Forget drops any mapping for a device, e.g. after the device is
// unassigned and evicted from the state store.
func (m *Mapper) Forget(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sid, ok := m.byDevice[deviceID]; ok {
		delete(m.bySession, sid)
		delete(m.byDevice, deviceID)
	}
}

// Len returns the number of mapped devices.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDevice)
}
