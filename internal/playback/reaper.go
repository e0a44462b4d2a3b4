package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"monobar/internal/platform/metrics"
)

// ReaperConfig controls how often idle sessions are swept.
type ReaperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Reaper periodically removes sessions idle for longer than IdleTimeout
// and cancels their upstream transcodes.
type Reaper struct {
	registry *Registry
	cancels  CancelQueue
	cfg      ReaperConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper. It does nothing until Start is called.
func NewReaper(registry *Registry, cancels CancelQueue, cfg ReaperConfig, log *slog.Logger, m *metrics.Metrics) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		registry: registry,
		cancels:  cancels,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock overrides the reaper's time source.
func (r *Reaper) WithClock(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Start begins sweeping every cfg.Interval until ctx is done or Stop is called.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		return errors.New("reaper already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop(r.ctx)

	r.log.Info("session reaper started",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("idle_timeout", r.cfg.IdleTimeout))
	return nil
}

// Stop stops the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	r.ctx = nil
	r.cancel = nil
	r.mu.Unlock()

	r.log.Info("session reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes every idle session once and queues one cancellation per
// distinct upstream id it held. It never waits on the cancellations.
// It returns the number of sessions removed.
func (r *Reaper) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	reaped := 0
	for _, sess := range r.registry.List() {
		if sess.LastAccessed.After(cutoff) {
			continue
		}
		removed, ok := r.registry.RemoveIfIdle(sess.Key, cutoff)
		if !ok {
			continue
		}
		reaped++

		ids := removed.DistinctUpstreamIDs()
		for _, id := range ids {
			r.cancels.Enqueue(removed.DeviceID, id)
		}
		r.log.Info("reaped idle session",
			"item_id", removed.Key.ItemID,
			"gen_session_id", removed.GeneratedSessionID,
			"upstream_sessions", len(ids),
			"idle", r.now().Sub(removed.LastAccessed).Round(time.Second).String())
	}

	if reaped > 0 {
		r.metrics.AddSessionsReaped(reaped)
	}
	r.metrics.SetActiveSessions(r.registry.Len())
	return reaped
}
