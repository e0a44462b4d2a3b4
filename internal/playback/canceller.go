package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"monobar/internal/platform/metrics"

	"github.com/sourcegraph/conc"
)

// TranscodeCanceller stops an upstream transcode.
type TranscodeCanceller interface {
	CancelTranscode(ctx context.Context, deviceID, playSessionID string) error
}

// CancelQueue accepts fire-and-forget cancellation requests. Enqueue must
// not block.
type CancelQueue interface {
	Enqueue(deviceID, upstreamSessionID string) bool
}

// CancellerConfig sizes the cancellation worker pool.
type CancellerConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type cancelJob struct {
	deviceID          string
	upstreamSessionID string
}

// Canceller issues upstream transcode cancellations from a fixed pool of
// workers fed by a bounded queue. Every accepted cancel is issued; failures
// are logged and counted, never returned.
type Canceller struct {
	up      TranscodeCanceller
	log     *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan cancelJob
	wg     conc.WaitGroup
}

// NewCanceller starts cfg.Workers workers. Call Close to drain them.
func NewCanceller(up TranscodeCanceller, cfg CancellerConfig, log *slog.Logger, m *metrics.Metrics) *Canceller {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Canceller{
		up:      up,
		log:     log,
		metrics: m,
		timeout: cfg.Timeout,
		jobs:    make(chan cancelJob, cfg.QueueSize),
	}
	for range cfg.Workers {
		c.wg.Go(c.work)
	}
	return c
}

// Enqueue schedules a cancellation without waiting for it. When the queue
// is full the cancel runs on its own goroutine instead. It returns false
// when the id is empty or the canceller is closed.
func (c *Canceller) Enqueue(deviceID, upstreamSessionID string) bool {
	if upstreamSessionID == "" {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	job := cancelJob{deviceID: deviceID, upstreamSessionID: upstreamSessionID}
	select {
	case c.jobs <- job:
	default:
		// Close waits on wg only after closed is set under the write lock,
		// so this Go cannot race the Wait.
		c.metrics.IncCancellationsOverflow()
		c.log.Warn("cancel queue full, cancelling outside the pool",
			"play_session_id", upstreamSessionID)
		c.wg.Go(func() { c.cancel(context.Background(), job) })
	}
	return true
}

// CancelNow cancels synchronously, for callers that answer only after the
// upstream has been told. Errors are logged and swallowed.
func (c *Canceller) CancelNow(ctx context.Context, deviceID, upstreamSessionID string) {
	if upstreamSessionID == "" {
		return
	}
	c.cancel(ctx, cancelJob{deviceID: deviceID, upstreamSessionID: upstreamSessionID})
}

// Close stops accepting work, finishes queued cancellations and waits for
// the workers to exit.
func (c *Canceller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.jobs)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Canceller) work() {
	for job := range c.jobs {
		c.cancel(context.Background(), job)
	}
}

func (c *Canceller) cancel(ctx context.Context, job cancelJob) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.up.CancelTranscode(ctx, job.deviceID, job.upstreamSessionID); err != nil {
		c.metrics.IncCancellations(metrics.ResultFailed)
		c.log.Warn("cancel transcode failed",
			"play_session_id", job.upstreamSessionID,
			"device_id", job.deviceID,
			"error", err)
		return
	}
	c.metrics.IncCancellations(metrics.ResultOK)
	c.log.Debug("cancelled transcode", "play_session_id", job.upstreamSessionID)
}
