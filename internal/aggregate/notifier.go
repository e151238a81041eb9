package aggregate

import (
	"sync"

	"github.com/nerrad567/plugsync-core/internal/device"
)

// Publisher delivers a changed clinic aggregate to subscribed clients.
type Publisher interface {
	PublishAggregate(clinicID string, agg Aggregate)
}

// Notifier recomputes a clinic's aggregate on every device mutation and
// publishes it only when the rollup actually changed. Multiple device-level
// changes that leave the rollup identical (e.g. telemetry wobble below the
// consuming threshold) produce no client traffic.
//
// Thread Safety: the store invokes the subscription callback from a single
// dispatch goroutine; the mutex guards against concurrent use of Prime.
type Notifier struct {
	store        *device.Store
	publisher    Publisher
	powerEpsilon float64

	mu   sync.Mutex
	last map[string]Aggregate

	unsubscribe func()
}

// NewNotifier creates a notifier and subscribes it to the store.
func NewNotifier(store *device.Store, publisher Publisher, powerEpsilon float64) *Notifier {
	n := &Notifier{
		store:        store,
		publisher:    publisher,
		powerEpsilon: powerEpsilon,
		last:         make(map[string]Aggregate),
	}
	n.unsubscribe = store.Subscribe(n.onUpdate)
	return n
}

// Close detaches the notifier from the store.
func (n *Notifier) Close() {
	if n.unsubscribe != nil {
		n.unsubscribe()
	}
}

// Snapshot returns the current aggregate for a clinic, computed on demand.
// Used by the HTTP surface; the push path goes through onUpdate.
func (n *Notifier) Snapshot(clinicID string) Aggregate {
	return Compute(n.store.ListByClinic(clinicID), n.powerEpsilon)
}

func (n *Notifier) onUpdate(u device.Update) {
	clinicID := u.Device.ClinicID
	if clinicID == "" {
		return
	}

	agg := Compute(n.store.ListByClinic(clinicID), n.powerEpsilon)

	n.mu.Lock()
	prev, seen := n.last[clinicID]
	if seen && prev == agg {
		n.mu.Unlock()
		return
	}
	n.last[clinicID] = agg
	n.mu.Unlock()

	if n.publisher != nil {
		n.publisher.PublishAggregate(clinicID, agg)
	}
}
