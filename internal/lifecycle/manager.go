package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"go.uber.org/zap"
)

// Manager removes expired leases from the journal.
type Manager struct {
	journal meta.Store
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates a new lifecycle manager. A nil clock selects time.Now.
func NewManager(journal meta.Store, now func() time.Time, logger *zap.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		journal: journal,
		now:     now,
		logger:  logger.Named("lifecycle"),
	}
}

// Run starts the periodic GC loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.gcCycle(ctx); err != nil {
				m.logger.Error("gc cycle error", zap.Error(err))
			}
		}
	}
}

func (m *Manager) gcCycle(ctx context.Context) error {
	removed, err := m.journal.DeleteExpired(ctx, m.now())
	if err != nil {
		return err
	}
	if removed > 0 {
		metrics.JournalGCRemoved.Add(float64(removed))
		m.logger.Info("expired leases removed from journal", zap.Int("count", removed))
	}

	n, err := m.journal.Count(ctx)
	if err != nil {
		return err
	}
	metrics.JournalEntries.Set(float64(n))
	return nil
}
