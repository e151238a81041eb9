package assignment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/plugsync-core/internal/device"
	"github.com/nerrad567/plugsync-core/internal/infrastructure/config"
	"github.com/nerrad567/plugsync-core/internal/session"
)

// Logger defines the logging interface used by the cache.
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

// Cache is the in-memory view of the assignment mirror.
//
// It is the sole authority over state store membership: a refresh that adds
// an assignment creates the device's cache entry, and one that removes an
// assignment evicts the entry and forgets its session mapping. Relay event
// admission and reconciliation sweeps both consult it.
//
// Thread Safety: all methods are safe for concurrent use.
type Cache struct {
	repo   Repository
	store  *device.Store
	mapper *session.Mapper
	cfg    config.AssignmentsConfig
	logger Logger

	mu        sync.RWMutex
	byDevice  map[string]Record
	byAccount map[string][]string
	loaded    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates an assignment cache. Call Start to load it.
func NewCache(repo Repository, store *device.Store, mapper *session.Mapper, cfg config.AssignmentsConfig, logger Logger) (*Cache, error) {
	if repo == nil {
		return nil, fmt.Errorf("assignment repository is required")
	}
	if store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if mapper == nil {
		return nil, fmt.Errorf("session mapper is required")
	}
	if logger == nil {
		logger = noopLogger{}
	}

	return &Cache{
		repo:      repo,
		store:     store,
		mapper:    mapper,
		cfg:       cfg,
		logger:    logger,
		byDevice:  make(map[string]Record),
		byAccount: make(map[string][]string),
	}, nil
}

// Start performs the initial registry load and launches the refresh loop.
// The initial load must succeed: starting with an empty cache would drop
// every relay event until the first refresh.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial assignment load: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(loopCtx)
	}()

	return nil
}

// Close stops the refresh loop.
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) refreshLoop(ctx context.Context) {
	interval := c.cfg.RefreshInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("assignment refresh failed", "error", err)
			}
		}
	}
}

// Refresh re-reads the mirror and applies the diff to the state store.
// Added or re-bound devices are ensured in the store; removed devices are
// evicted and their session mappings forgotten. A read failure leaves the
// previous snapshot in place.
func (c *Cache) Refresh(ctx context.Context) error {
	records, err := c.repo.ListAll(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]Record, len(records))
	nextByAccount := make(map[string][]string)
	for _, rec := range records {
		next[rec.DeviceID] = rec
		nextByAccount[rec.AccountID] = append(nextByAccount[rec.AccountID], rec.DeviceID)
	}

	c.mu.Lock()
	prev := c.byDevice
	c.byDevice = next
	c.byAccount = nextByAccount
	firstLoad := !c.loaded
	c.loaded = true
	c.mu.Unlock()

	added, changed, removed := 0, 0, 0
	for id, rec := range next {
		old, existed := prev[id]
		switch {
		case !existed:
			added++
		case old != rec:
			changed++
		default:
			continue
		}
		c.store.Ensure(rec.DeviceID, rec.ClinicID, rec.EquipmentID, rec.AccountID)
	}
	for id := range prev {
		if _, still := next[id]; !still {
			removed++
			c.store.Remove(id)
			c.mapper.Forget(id)
		}
	}

	if firstLoad || added > 0 || changed > 0 || removed > 0 {
		c.logger.Info("assignments refreshed",
			"total", len(next),
			"added", added,
			"changed", changed,
			"removed", removed,
		)
	}
	return nil
}

// Known reports whether a device has a current clinic assignment.
func (c *Cache) Known(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byDevice[deviceID]
	return ok
}

// Get returns the assignment for a device.
func (c *Cache) Get(deviceID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byDevice[deviceID]
	return rec, ok
}

// DeviceIDs returns every assigned device ID.
func (c *Cache) DeviceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byDevice))
	for id := range c.byDevice {
		ids = append(ids, id)
	}
	return ids
}

// DeviceIDsByAccount returns the device IDs bound to one cloud account.
func (c *Cache) DeviceIDsByAccount(accountID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.byAccount[accountID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Len returns the number of assigned devices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byDevice)
}

// HealthCheck reports whether the registry has been loaded at least once.
func (c *Cache) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return ErrNotLoaded
	}
	return nil
}
