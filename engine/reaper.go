package engine

import (
	"context"
	"time"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/ports"
)

// Reaper is the background janitor: it marks executions stuck in running as
// failed in the store and prunes retained snapshots past the retention
// window. It covers state left behind by a crashed process.
type Reaper struct {
	engine   *Engine
	store    ports.Store
	interval time.Duration
	staleAge time.Duration
	log      *logger.Logger
}

// ReaperOptions configures a reaper
type ReaperOptions struct {
	Engine *Engine
	Store  ports.Store
	// Interval between sweeps; 0 means 5m
	Interval time.Duration
	// StaleAge marks running executions older than this as failed; 0 means 24h
	StaleAge time.Duration
	Logger   *logger.Logger
}

// NewReaper creates a reaper; call Run to start sweeping
func NewReaper(opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Reaper{
		engine:   opts.Engine,
		store:    opts.Store,
		interval: opts.Interval,
		staleAge: opts.StaleAge,
		log:      opts.Logger,
	}
}

// Run sweeps until the context is cancelled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: stale store records then retained snapshots
func (r *Reaper) Sweep(ctx context.Context) {
	if marker, ok := r.store.(ports.StaleMarker); ok {
		cutoff := time.Now().Add(-r.staleAge)
		count, err := marker.MarkStaleFailed(ctx, cutoff, "execution marked stale by reaper")
		if err != nil {
			r.log.Error("stale sweep failed", "error", err.Error())
		} else if count > 0 {
			r.log.Info("marked stale executions failed", "count", count)
		}
	}

	if r.engine != nil {
		pruned := r.engine.pruneFinished(time.Now().Add(-r.engine.cfg.TerminalRetention))
		if pruned > 0 {
			r.log.Debug("pruned retained snapshots", "count", pruned)
		}
	}
}
