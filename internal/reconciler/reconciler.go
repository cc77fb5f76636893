// Package reconciler runs the periodic lease sweep.
//
// A crashed agent never submits and never releases its claim; the sweep
// is what returns that work to the pool. Released tasks keep their
// version so a zombie agent's later submit still fails on the queue
// predicate, not on a version we never handed out.
package reconciler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/flightdeck-io/flightdeck/internal/metrics"
	"github.com/flightdeck-io/flightdeck/internal/storage"
	"github.com/flightdeck-io/flightdeck/internal/types"
)

// Config holds the sweep cadence and the heartbeat staleness window.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 120 * time.Second
	}
	return c
}

// Reconciler periodically releases expired leases and marks silent
// orchestrators offline.
type Reconciler struct {
	store storage.Storage
	clock clock.Clock
	log   *zap.Logger
	cfg   Config
}

// New constructs a reconciler.
func New(store storage.Storage, clk clock.Clock, log *zap.Logger, cfg Config) *Reconciler {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, clock: clk, log: log, cfg: cfg.withDefaults()}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout),
	)
	timer := r.clock.NewTimer(r.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-timer.Chan():
			r.Sweep(ctx)
			timer.Reset(r.cfg.Interval)
		}
	}
}

// Sweep runs one reconciliation pass. Errors are logged and the pass
// continues; a failed sweep is retried on the next tick.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.clock.Now()

	released, err := r.store.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		r.log.Error("lease sweep failed", zap.Error(err))
	} else if len(released) > 0 {
		metrics.LeasesReleased.Add(float64(len(released)))
		r.log.Info("expired leases released",
			zap.Int("count", len(released)),
			zap.Strings("tasks", released),
		)
		for _, id := range released {
			err := r.store.AppendHistory(ctx, &types.HistoryEntry{
				TaskID:  id,
				Event:   types.EventRequeued,
				Agent:   "reconciler",
				Details: "Lease expired",
			})
			if err != nil {
				r.log.Warn("history append failed", zap.String("task", id), zap.Error(err))
			}
		}
	}

	stale, err := r.store.MarkStaleOrchestrators(ctx, now.Add(-r.cfg.HeartbeatTimeout))
	if err != nil {
		r.log.Error("orchestrator sweep failed", zap.Error(err))
	} else if stale > 0 {
		metrics.OrchestratorsMarkedOffline.Add(float64(stale))
		r.log.Info("orchestrators marked offline", zap.Int("count", stale))
	}
}
