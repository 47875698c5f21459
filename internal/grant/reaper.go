package grant

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/repository"
)

// Reaper periodically deletes grants that expired more than retention ago.
type Reaper struct {
	repo      repository.GrantRepository
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// DefaultRetention is how long expired grants are kept when retention is not positive.
const DefaultRetention = 7 * 24 * time.Hour

// NewReaper constructs a reaper. Non-positive interval defaults to one hour and
// non-positive retention to DefaultRetention, so a sweep never reaches live grants.
func NewReaper(repo repository.GrantRepository, retention, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Reaper{repo: repo, retention: retention, interval: interval, log: log, now: time.Now}
}

// Sweep prunes once and returns the number of deleted grants.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	return r.repo.Prune(ctx, r.now().Add(-r.retention))
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warn("grant sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				r.log.Info("pruned grants", zap.Int64("count", n))
			}
		}
	}
}
