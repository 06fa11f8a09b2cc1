package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// acquireTimeout bounds a shared acquisition that no caller can cancel.
const acquireTimeout = time.Minute

// SessionConfig configures a SessionCache.
type SessionConfig struct {
	// BaseURL is the dataset URL leases are requested against.
	BaseURL string
	Dataset string
	Timeout time.Duration
	// Journal, when set, shares leases with other processes.
	Journal meta.Store
	Logger  *zap.Logger
}

// SessionCache hands out at most one active lease per session key.
// Concurrent callers for the same key share a single acquisition.
type SessionCache struct {
	mgr    *Manager
	cfg    SessionConfig
	logger *zap.Logger
	group  singleflight.Group
	mu     sync.Mutex
	leases map[Key]*Lease
}

// NewSessionCache creates a cache that acquires leases through mgr.
func NewSessionCache(mgr *Manager, cfg SessionConfig) *SessionCache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCache{
		mgr:    mgr,
		cfg:    cfg,
		logger: logger.Named("sessions"),
		leases: make(map[Key]*Lease),
	}
}

// Manager returns the lease manager backing the cache.
func (c *SessionCache) Manager() *Manager {
	return c.mgr
}

// Get returns the active lease for key, acquiring a new one when the cached
// lease is missing or has expired.
func (c *SessionCache) Get(ctx context.Context, key Key) (*Lease, error) {
	if l := c.cached(key); l != nil {
		metrics.SessionLookups.WithLabelValues("hit").Inc()
		return l, nil
	}

	// The acquisition is shared by every caller waiting on key and outlives
	// the one that started it. Each caller stops waiting on its own context.
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), acquireTimeout)
		defer cancel()

		// Another caller may have finished acquiring while we waited.
		if l := c.cached(key); l != nil {
			metrics.SessionLookups.WithLabelValues("hit").Inc()
			return l, nil
		}

		if l := c.fromJournal(actx, key); l != nil {
			metrics.SessionLookups.WithLabelValues("journal").Inc()
			c.store(key, l)
			return l, nil
		}

		l, err := c.mgr.Acquire(actx, c.cfg.BaseURL, key.Access, key.Resolution, key.Version, c.cfg.Timeout)
		if err != nil {
			return nil, err
		}
		metrics.SessionLookups.WithLabelValues("acquire").Inc()
		c.store(key, l)
		c.journal(actx, key, l)
		return l, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Lease), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the stored lease for key if it is still active. An inactive
// entry is dropped.
func (c *SessionCache) cached(key Key) *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	if !ok {
		return nil
	}
	if c.mgr.IsActive(l) {
		return l
	}
	metrics.SessionLookups.WithLabelValues("expired").Inc()
	c.logger.Debug("dropping inactive lease",
		zap.Stringer("key", key), zap.Stringer("state", l.State()))
	delete(c.leases, key)
	return nil
}

func (c *SessionCache) store(key Key, l *Lease) {
	c.mu.Lock()
	c.leases[key] = l
	c.mu.Unlock()
}

func (c *SessionCache) fromJournal(ctx context.Context, key Key) *Lease {
	if c.cfg.Journal == nil {
		return nil
	}
	rec, err := c.cfg.Journal.LookupLease(ctx, c.cfg.Dataset, key.String())
	if err != nil {
		c.logger.Warn("journal lookup failed", zap.Stringer("key", key), zap.Error(err))
		return nil
	}
	if rec == nil || rec.Expired(c.mgr.Now()) {
		return nil
	}
	l := Restore(rec.BaseURL, rec.Endpoint, key, rec.Timeout, rec.ExpiresAt)
	c.logger.Debug("reusing journaled lease",
		zap.Stringer("key", key), zap.String("endpoint", l.Endpoint))
	return l
}

func (c *SessionCache) journal(ctx context.Context, key Key, l *Lease) {
	if c.cfg.Journal == nil {
		return
	}
	rec := meta.LeaseRecord{
		Dataset:    c.cfg.Dataset,
		Key:        key.String(),
		BaseURL:    l.BaseURL,
		Endpoint:   l.Endpoint,
		Resolution: [3]int{l.Resolution.X, l.Resolution.Y, l.Resolution.Z},
		Version:    l.Version.String(),
		Access:     l.Access.String(),
		Timeout:    l.Timeout,
		ExpiresAt:  l.ExpiresAt,
		AcquiredAt: c.mgr.Now(),
	}
	if err := c.cfg.Journal.RecordLease(ctx, rec); err != nil {
		c.logger.Warn("journal record failed", zap.Stringer("key", key), zap.Error(err))
	}
}

// Stop stops the lease held for key and forgets it. Stopping a key with no
// active lease is a no-op.
func (c *SessionCache) Stop(ctx context.Context, key Key) error {
	c.mu.Lock()
	l, ok := c.leases[key]
	delete(c.leases, key)
	c.mu.Unlock()

	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.DeleteLease(ctx, c.cfg.Dataset, key.String()); err != nil {
			c.logger.Warn("journal delete failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
	if !ok {
		return nil
	}
	return c.mgr.Stop(ctx, l)
}

// StopAll stops every cached lease and returns the first error.
func (c *SessionCache) StopAll(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.leases))
	for k := range c.leases {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var first error
	for _, k := range keys {
		if err := c.Stop(ctx, k); err != nil && first == nil {
			first = fmt.Errorf("stopping %s: %w", k, err)
		}
	}
	return first
}

// Len returns the number of cached entries, active or not.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leases)
}

// KeyFor builds a session key, validating the access mode and version.
func KeyFor(res types.Point3D, v types.Version, access types.AccessMode) (Key, error) {
	if !access.Valid() {
		return Key{}, fmt.Errorf("%w: %d", types.ErrInvalidAccessMode, int(access))
	}
	if err := v.Validate(); err != nil {
		return Key{}, err
	}
	return Key{Resolution: res, Version: v, Access: access}, nil
}
