// Package reconcile periodically aligns the cached device state with the
// provider's authoritative status reports.
//
// Three triggers feed the same refresh path: a periodic sweep over every
// assigned device, a full refresh of an account's devices on relay
// reconnect, and a delayed confirmation after an acknowledged command. A
// failed fetch never mutates the cache; absence of information is not
// evidence of offline.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/cloudapi"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
)

// Logger defines the logging interface used by the scheduler.
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

// Assignments enumerates which devices the scheduler is responsible for.
type Assignments interface {
	DeviceIDs() []string
	DeviceIDsByAccount(accountID string) []string
}

// StatusFetcher retrieves an authoritative device status from the provider.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, deviceID string) (*cloudapi.DeviceStatus, error)
}

// Deps holds the dependencies required by the scheduler.
type Deps struct {
	Config      config.ReconcileConfig
	Store       *device.Store
	Fetcher     StatusFetcher
	Assignments Assignments
	Logger      Logger
}

// refreshTimeout bounds a single status fetch regardless of trigger.
const refreshTimeout = 15 * time.Second

// Scheduler drives periodic, reconnect and post-command reconciliation.
//
// Thread Safety: all methods are safe for concurrent use. At most one
// refresh per device is in flight at a time; overlapping triggers for the
// same device coalesce.
type Scheduler struct {
	cfg         config.ReconcileConfig
	store       *device.Store
	fetcher     StatusFetcher
	assignments Assignments
	logger      Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	failures map[string]int
}

// NewScheduler creates a reconciliation scheduler.
func NewScheduler(deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("status fetcher is required")
	}
	if deps.Assignments == nil {
		return nil, fmt.Errorf("assignment lookup is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Scheduler{
		cfg:         deps.Config,
		store:       deps.Store,
		fetcher:     deps.Fetcher,
		assignments: deps.Assignments,
		logger:      logger,
		// Replaced by Start; keeps refreshes triggered before Start safe.
		ctx:      context.Background(),
		inflight: make(map[string]struct{}),
		failures: make(map[string]int),
	}, nil
}

// Start launches the periodic sweep loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	s.logger.Info("reconciliation scheduler started",
		"sweep_interval", s.cfg.SweepInterval,
		"confirm_delay", s.cfg.ConfirmDelay,
	)
}

// Close stops the scheduler and waits for in-flight refreshes to finish.
func (s *Scheduler) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) sweepLoop() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep refreshes every assigned device once, sequentially. Devices whose
// refresh is already in flight from another trigger are skipped.
func (s *Scheduler) sweep() {
	ids := s.assignments.DeviceIDs()
	s.logger.Debug("reconciliation sweep starting", "devices", len(ids))

	for _, id := range ids {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.refresh(s.ctx, id); err != nil {
			s.logger.Debug("sweep refresh failed", "device_id", id, "error", err)
		}
	}
}

// Connected handles a relay (re)connect by refreshing every device bound to
// the account, in the background. State changes missed while disconnected
// are recovered here; the refresh path is idempotent so devices that did not
// change produce no notifications.
func (s *Scheduler) Connected(accountID string) {
	ids := s.assignments.DeviceIDsByAccount(accountID)
	s.logger.Info("refreshing devices after relay connect",
		"account", accountID,
		"devices", len(ids),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, id := range ids {
			if s.ctx.Err() != nil {
				return
			}
			if err := s.refresh(s.ctx, id); err != nil {
				s.logger.Debug("reconnect refresh failed",
					"account", accountID,
					"device_id", id,
					"error", err,
				)
			}
		}
	}()
}

// Disconnected records a relay drop. Cached state is deliberately left in
// place; staleness presentation covers the gap until reconnect.
func (s *Scheduler) Disconnected(accountID string, err error) {
	s.logger.Warn("relay account disconnected", "account", accountID, "error", err)
}

// AuthFailed records a rejected relay credential. This needs operator
// action; reconciliation keeps the account's devices fresh in the meantime
// via the periodic sweep.
func (s *Scheduler) AuthFailed(accountID string, err error) {
	s.logger.Error("relay account credential rejected", "account", accountID, "error", err)
}

// ScheduleConfirm queues an authoritative status check for a device after
// the configured confirmation delay. Used after acknowledged commands to
// catch plugs that acknowledged but did not act.
func (s *Scheduler) ScheduleConfirm(deviceID string) {
	delay := s.cfg.ConfirmDelay
	if delay <= 0 {
		delay = time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.refresh(s.ctx, deviceID); err != nil {
			s.logger.Debug("post-command confirmation failed", "device_id", deviceID, "error", err)
		}
	}()
}

// Resync forces an immediate authoritative refresh of one device.
//
// Returns:
//   - error: nil on success, ErrFetchFailed when the provider could not be
//     reached, ErrClosed after shutdown
func (s *Scheduler) Resync(ctx context.Context, deviceID string) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	return s.refresh(ctx, deviceID)
}

// refresh fetches the authoritative status for one device and applies it to
// the cache. Coalesces with any refresh already in flight for the device.
// A fetch failure mutates nothing.
func (s *Scheduler) refresh(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if _, busy := s.inflight[deviceID]; busy {
		s.mu.Unlock()
		return nil
	}
	s.inflight[deviceID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, deviceID)
		s.mu.Unlock()
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	status, err := s.fetcher.FetchStatus(fetchCtx, deviceID)
	if err != nil {
		s.recordFailure(deviceID, err)
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	s.clearFailures(deviceID)

	patch := statusPatch(status)
	if _, err := s.store.Apply(deviceID, patch, device.SourceReconciliation); err != nil {
		return fmt.Errorf("applying status for %s: %w", deviceID, err)
	}
	return nil
}

// statusPatch converts an authoritative status report into a store patch.
// Online is always set, including explicit offline reports. The report's own
// observation time is preferred for conflict resolution so a slow fetch does
// not overwrite fresher event data.
func statusPatch(status *cloudapi.DeviceStatus) device.Patch {
	online := status.Online
	patch := device.Patch{
		Online:       &online,
		RelayOn:      status.RelayOn,
		PowerW:       status.PowerW,
		VoltageV:     status.VoltageV,
		TemperatureC: status.TemperatureC,
	}
	if !status.ObservedAt.IsZero() {
		patch.Timestamp = status.ObservedAt
	}
	return patch
}

// recordFailure increments the consecutive-failure counter for a device and
// escalates logging once the threshold is crossed.
func (s *Scheduler) recordFailure(deviceID string, err error) {
	s.mu.Lock()
	s.failures[deviceID]++
	count := s.failures[deviceID]
	s.mu.Unlock()

	if s.cfg.FailureThreshold > 0 && count == s.cfg.FailureThreshold {
		s.logger.Error("device reconciliation failing persistently",
			"device_id", deviceID,
			"consecutive_failures", count,
			"error", err,
		)
		return
	}
	s.logger.Debug("status fetch failed", "device_id", deviceID, "attempt", count, "error", err)
}

func (s *Scheduler) clearFailures(deviceID string) {
	s.mu.Lock()
	delete(s.failures, deviceID)
	s.mu.Unlock()
}
