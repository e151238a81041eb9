// Package relay maintains the live event stream from the smart-plug cloud
// relay into the device state store.
//
// One connection is held per configured cloud account credential. Each runs
// an explicit Disconnected → Connecting → Connected state machine with
// self-driven exponential backoff; the broker client's own reconnect
// machinery is disabled so that reconnect transitions are observable and can
// trigger post-reconnect reconciliation through the Listener.
//
// Inbound traffic serves three purposes: device events update the state
// store, session IDs seen in topics teach the session mapper which transient
// session currently fronts which device, and all packets (keepalives
// included) feed the traffic watchdog that force-closes silent connections.
package relay
