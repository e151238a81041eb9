package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/plugsync-core/internal/command"
	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/reconcile"
)

// deviceUpdatedPayload is the WebSocket payload for a committed mutation.
type deviceUpdatedPayload struct {
	Device  device.View `json:"device"`
	Changed []string    `json:"changed"`
	Source  string      `json:"source"`
}

// toggleRequest is the body of POST /devices/{deviceID}/toggle.
type toggleRequest struct {
	On *bool `json:"on"`
}

// handleListClinicDevices returns the presentation views of every device
// assigned to a clinic. An unknown clinic is indistinguishable from one with
// no devices; both return an empty list.
func (s *Server) handleListClinicDevices(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if clinicID == "" {
		writeBadRequest(w, "clinic id is required")
		return
	}

	devices := s.store.ListByClinic(clinicID)
	now := time.Now().UTC()

	views := make([]device.View, 0, len(devices))
	for _, d := range devices {
		views = append(views, device.NewView(d, now, s.svcCfg.StalenessWindow))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleClinicAggregate returns the clinic's current rollup.
func (s *Server) handleClinicAggregate(w http.ResponseWriter, r *http.Request) {
	clinicID := chi.URLParam(r, "clinicID")
	if clinicID == "" {
		writeBadRequest(w, "clinic id is required")
		return
	}

	writeJSON(w, http.StatusOK, s.aggregates.Snapshot(clinicID))
}

// handleToggle drives a device's relay to the requested position.
//
// The response carries the device view after the command settled: the
// optimistic value on success, the rolled-back value on failure (alongside
// the error status).
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.On == nil {
		writeBadRequest(w, "field 'on' is required")
		return
	}

	err := s.toggler.Toggle(r.Context(), deviceID, *req.On)
	switch {
	case err == nil:
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
		return
	case errors.Is(err, command.ErrUnmappedDevice):
		writeConflict(w, "device has no live session; it has not reported recently")
		return
	case errors.Is(err, command.ErrCommandFailed):
		writeUpstreamError(w, "provider did not acknowledge the command")
		return
	default:
		writeInternalError(w, "toggle failed")
		return
	}

	s.writeDeviceView(w, deviceID)
}

// handleResync forces an immediate authoritative refresh of one device and
// returns the refreshed view.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if _, err := s.store.Get(deviceID); err != nil {
		writeNotFound(w, "device not found")
		return
	}

	err := s.resyncer.Resync(r.Context(), deviceID)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrFetchFailed):
		writeUpstreamError(w, "provider status fetch failed; cached state unchanged")
		return
	default:
		writeInternalError(w, "resync failed")
		return
	}

	s.writeDeviceView(w, deviceID)
}

// writeDeviceView responds with the current view of one device.
func (s *Server) writeDeviceView(w http.ResponseWriter, deviceID string) {
	d, err := s.store.Get(deviceID)
	if err != nil {
		// Device was evicted between the operation and the read.
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, device.NewView(d, time.Now().UTC(), s.svcCfg.StalenessWindow))
}
