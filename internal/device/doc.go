// Package device provides the Device State Store for the plug
// synchronisation core.
//
// The store is the single source of truth for per-plug state: connectivity,
// relay position and live telemetry. It is fed from three write paths with
// different authority:
//
//   - event: push notifications from the cloud relay connection
//   - optimistic: speculative local writes made by the command executor
//   - reconciliation: corrective writes from authoritative status fetches
//
// Conflict resolution is a per-field monotonic timestamp check (see
// Store.Apply). Consumers read snapshots via Get/ListByClinic and observe
// committed mutations through Subscribe; notification order matches mutation
// order per device.
//
// # Usage
//
//	store := device.NewStore()
//	store.SetLogger(log)
//	defer store.Close()
//
//	store.Ensure("plug-17", "clinic-3", "autoclave-2", "acct-main")
//	on := true
//	store.Apply("plug-17", device.Patch{RelayOn: &on}, device.SourceEvent)
//
//	stop := store.Subscribe(func(u device.Update) {
//	    log.Info("mutation", "device", u.Device.ID, "changed", u.Changed)
//	})
//	defer stop()
//
// # Thread Safety
//
// The store uses striped locking: operations on devices in different stripes
// never contend, and reads never block on a write to a different device.
package device
