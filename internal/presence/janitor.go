package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/jonboulle/clockwork"
)

const purgeTimeout = 30 * time.Second

// Purger removes presence sets whose instance stopped heartbeating.
type Purger interface {
	PurgeStale(ctx context.Context, dryRun bool) (domain.PurgeReport, error)
}

// Lease elects the one instance allowed to purge.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Janitor periodically purges presence left behind by crashed gateways. Every instance runs one,
// only the lease holder does any work.
type Janitor struct {
	purger   Purger
	lease    Lease
	interval time.Duration
	metrics  *metrics.StoreMetrics
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewJanitor(purger Purger, lease Lease, interval time.Duration, m *metrics.StoreMetrics, clock clockwork.Clock) *Janitor {
	return &Janitor{
		purger:   purger,
		lease:    lease,
		interval: interval,
		metrics:  m,
		clock:    clock,
		logger:   slog.Default().With("component", "presence-janitor"),
	}
}

// Run blocks until ctx is cancelled, then releases the lease.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	j.logger.Info("Presence janitor started", "interval", j.interval)

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := j.lease.Release(releaseCtx); err != nil {
				j.logger.Warn("Failed to release janitor lease", "error", err)
			}
			cancel()
			return
		case <-ticker.Chan():
			j.Tick(ctx)
		}
	}
}

// Tick runs one purge pass if this instance holds the lease.
func (j *Janitor) Tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	leader, err := j.lease.Acquire(ctx)
	if err != nil {
		j.logger.Error("Janitor lease check failed", "error", err)
		return
	}
	if !leader {
		return
	}

	report, err := j.purger.PurgeStale(ctx, false)
	if err != nil {
		j.logger.Error("Presence purge failed", "error", err)
		return
	}
	if n := len(report.Purged); n > 0 {
		j.metrics.PresencePurged.Add(float64(n))
		j.logger.Info("Purged stale presence", "instances", report.Purged, "live", report.Live)
	}
}
