package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/showrunner/internal/otel"
	"github.com/basket/showrunner/internal/persistence"
)

// Janitor sweeps expired leases back into the claim pool so tasks orphaned
// by a crashed or wedged worker resume instead of stalling forever.
type Janitor struct {
	store    *persistence.Store
	interval time.Duration
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func NewJanitor(store *persistence.Store, interval time.Duration, metrics *otel.Metrics, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{store: store, interval: interval, metrics: metrics, logger: logger}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.store.RequeueExpiredLeases(ctx)
			if err != nil {
				j.logger.Error("expired lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Warn("requeued tasks with expired leases", "count", n)
				if j.metrics != nil {
					j.metrics.LeasesReclaimed.Add(ctx, n)
				}
			}
		}
	}
}
